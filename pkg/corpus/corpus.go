// Package corpus holds the spoken-response recordings that the rating
// pipeline trains and evaluates on.
//
// A [Corpus] is loaded once per experiment run from a CSV manifest plus
// the WAV files it points at. Each row becomes an [Utterance] carrying
// the speaker, the elicitation task and the rated proficiency [Level].
// Augmented variants produced later in the pipeline are new Utterance
// values referencing the source utterance; the corpus itself only ever
// contains raw audio.
//
// # Manifest format
//
// The manifest is a CSV file with a header row and the columns
//
//	id,speaker,task,label,path
//
// where label is either a 1-based ordinal level ("3") or a CEFR code
// ("B1"). Paths are resolved relative to the manifest's directory.
package corpus

import (
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aalto-speech/l2rate/pkg/audio/wav"
)

// Level is an ordinal proficiency rating, 1-based. Larger is more
// proficient. The zero value means unrated.
type Level int

// CEFR proficiency levels mapped onto the ordinal scale.
const (
	LevelA1 Level = 1 + iota
	LevelA2
	LevelB1
	LevelB2
	LevelC1
	LevelC2
)

var cefrNames = map[string]Level{
	"A1": LevelA1, "A2": LevelA2,
	"B1": LevelB1, "B2": LevelB2,
	"C1": LevelC1, "C2": LevelC2,
}

// ParseLevel parses a manifest label: either a positive integer or a
// CEFR code (case-insensitive).
func ParseLevel(s string) (Level, error) {
	s = strings.TrimSpace(s)
	if l, ok := cefrNames[strings.ToUpper(s)]; ok {
		return l, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("corpus: invalid proficiency label %q", s)
	}
	return Level(n), nil
}

func (l Level) String() string {
	for name, lv := range cefrNames {
		if lv == l {
			return name
		}
	}
	return strconv.Itoa(int(l))
}

// Utterance is one spoken response. Values are immutable once created;
// augmentation produces new instances via [Utterance.WithAudio].
type Utterance struct {
	// ID identifies the source recording. Augmented variants keep the
	// source ID and are distinguished by AugmentationTag.
	ID string

	// SpeakerID identifies the learner. Fold partitioning is
	// speaker-level, so this drives train/validation membership.
	SpeakerID string

	// TaskID names the elicitation task the response answers.
	TaskID string

	// Samples is mono audio in [-1, 1].
	Samples []float32

	// SampleRate is in Hz.
	SampleRate int

	// Label is the human proficiency rating.
	Label Level

	// AugmentationTag names the transform chain that produced this
	// variant. Empty for raw corpus audio.
	AugmentationTag string
}

// Duration returns the audio length.
func (u *Utterance) Duration() time.Duration {
	if u.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(len(u.Samples)) / float64(u.SampleRate) * float64(time.Second))
}

// WithAudio returns a copy of u carrying transformed audio and the tag
// of the transform chain that produced it. The source ID, speaker,
// task and label are preserved.
func (u *Utterance) WithAudio(samples []float32, sampleRate int, tag string) Utterance {
	cp := *u
	cp.Samples = samples
	cp.SampleRate = sampleRate
	cp.AugmentationTag = tag
	return cp
}

// Corpus is the full set of raw utterances for one experiment run.
type Corpus struct {
	utts  []Utterance
	byID  map[string]int
	bySpk map[string][]int

	// Excluded lists manifest rows dropped at load time (decode
	// failures, over-long audio) with the reason.
	Excluded map[string]string
}

// New builds a corpus from pre-decoded utterances. Utterance IDs must
// be unique; augmented variants are rejected.
func New(utts []Utterance) (*Corpus, error) {
	c := &Corpus{
		byID:     make(map[string]int, len(utts)),
		bySpk:    make(map[string][]int),
		Excluded: make(map[string]string),
	}
	for _, u := range utts {
		if u.AugmentationTag != "" {
			return nil, fmt.Errorf("corpus: utterance %s: augmented audio cannot enter the corpus", u.ID)
		}
		if _, dup := c.byID[u.ID]; dup {
			return nil, fmt.Errorf("corpus: duplicate utterance id %s", u.ID)
		}
		c.byID[u.ID] = len(c.utts)
		c.bySpk[u.SpeakerID] = append(c.bySpk[u.SpeakerID], len(c.utts))
		c.utts = append(c.utts, u)
	}
	return c, nil
}

// Len returns the number of utterances.
func (c *Corpus) Len() int { return len(c.utts) }

// Utterances returns all utterances in manifest order. The slice is
// shared; callers must not mutate it.
func (c *Corpus) Utterances() []Utterance { return c.utts }

// ByID looks up an utterance by source ID.
func (c *Corpus) ByID(id string) (Utterance, bool) {
	i, ok := c.byID[id]
	if !ok {
		return Utterance{}, false
	}
	return c.utts[i], true
}

// BySpeaker returns the utterances of one speaker.
func (c *Corpus) BySpeaker(speakerID string) []Utterance {
	idx := c.bySpk[speakerID]
	out := make([]Utterance, len(idx))
	for i, j := range idx {
		out[i] = c.utts[j]
	}
	return out
}

// Speakers returns the sorted speaker IDs.
func (c *Corpus) Speakers() []string {
	out := make([]string, 0, len(c.bySpk))
	for s := range c.bySpk {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// SpeakerLabels maps each speaker to a single proficiency level: the
// most frequent level across the speaker's utterances, ties resolved
// toward the lower level so the result is deterministic.
func (c *Corpus) SpeakerLabels() map[string]Level {
	out := make(map[string]Level, len(c.bySpk))
	for spk, idx := range c.bySpk {
		counts := make(map[Level]int)
		for _, i := range idx {
			counts[c.utts[i].Label]++
		}
		var best Level
		bestN := -1
		for lv, n := range counts {
			if n > bestN || (n == bestN && lv < best) {
				best, bestN = lv, n
			}
		}
		out[spk] = best
	}
	return out
}

// LoadOptions configures manifest loading.
type LoadOptions struct {
	// MaxDuration drops utterances longer than this. Zero disables
	// the filter.
	MaxDuration time.Duration

	// Logger receives per-row exclusion warnings. Defaults to
	// slog.Default.
	Logger *slog.Logger
}

// Load reads a CSV manifest and decodes the WAV files it references.
//
// Rows whose audio fails to decode or exceeds MaxDuration are skipped
// with a warning and recorded in Corpus.Excluded; a bad recording is a
// data problem, not a reason to abort the run. Malformed manifest
// structure (missing columns, bad labels) is fatal.
func Load(manifestPath string, opts LoadOptions) (*Corpus, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	f, err := os.Open(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("corpus: open manifest: %w", err)
	}
	defer f.Close()

	baseDir := filepath.Dir(manifestPath)
	rd := csv.NewReader(f)
	rd.TrimLeadingSpace = true

	header, err := rd.Read()
	if err != nil {
		return nil, fmt.Errorf("corpus: read manifest header: %w", err)
	}
	col, err := manifestColumns(header)
	if err != nil {
		return nil, err
	}

	var utts []Utterance
	excluded := make(map[string]string)
	line := 1
	for {
		rec, err := rd.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("corpus: manifest line %d: %w", line, err)
		}

		id := rec[col.id]
		label, err := ParseLevel(rec[col.label])
		if err != nil {
			return nil, fmt.Errorf("corpus: manifest line %d: %w", line, err)
		}

		path := rec[col.path]
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		samples, rate, err := wav.DecodeFile(path)
		if err != nil {
			log.Warn("corpus: skipping undecodable utterance", "id", id, "err", err)
			excluded[id] = "decode: " + err.Error()
			continue
		}

		u := Utterance{
			ID:         id,
			SpeakerID:  rec[col.speaker],
			TaskID:     rec[col.task],
			Samples:    samples,
			SampleRate: rate,
			Label:      label,
		}
		if opts.MaxDuration > 0 && u.Duration() > opts.MaxDuration {
			log.Warn("corpus: skipping over-long utterance",
				"id", id, "duration", u.Duration(), "max", opts.MaxDuration)
			excluded[id] = "over max duration"
			continue
		}
		utts = append(utts, u)
	}

	c, err := New(utts)
	if err != nil {
		return nil, err
	}
	c.Excluded = excluded
	log.Info("corpus loaded",
		"utterances", c.Len(), "speakers", len(c.bySpk), "excluded", len(excluded))
	return c, nil
}

type columns struct {
	id, speaker, task, label, path int
}

func manifestColumns(header []string) (columns, error) {
	idx := map[string]int{}
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	var c columns
	var ok [5]bool
	c.id, ok[0] = lookup(idx, "id")
	c.speaker, ok[1] = lookup(idx, "speaker")
	c.task, ok[2] = lookup(idx, "task")
	c.label, ok[3] = lookup(idx, "label")
	c.path, ok[4] = lookup(idx, "path")
	for i, name := range []string{"id", "speaker", "task", "label", "path"} {
		if !ok[i] {
			return c, fmt.Errorf("corpus: manifest missing column %q", name)
		}
	}
	return c, nil
}

func lookup(idx map[string]int, name string) (int, bool) {
	i, ok := idx[name]
	return i, ok
}
