// Package folds partitions speakers into k cross-validation folds.
//
// Partitioning is speaker-level: every utterance of a speaker lands on
// the same side of each train/validation split, so a voice heard in
// training can never appear in that fold's validation set.
//
// The split is stratified by proficiency level and is a pure function
// of (speakers, labels, k, seed): the same inputs always produce the
// same folds, which keeps comparisons across augmentation conditions
// fair — every condition trains and validates on identical splits.
package folds

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/aalto-speech/l2rate/pkg/corpus"
)

// InsufficientDataError reports that stratified partitioning is
// impossible because some proficiency level has fewer speakers than k.
type InsufficientDataError struct {
	Level    corpus.Level
	Speakers int
	K        int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("folds: level %s has %d speakers, cannot stratify into %d folds",
		e.Level, e.Speakers, e.K)
}

// Fold is one train/validation split. Train and Validation are
// disjoint speaker sets; across all k folds every speaker appears in
// exactly one validation set.
type Fold struct {
	Index      int
	Train      map[string]bool
	Validation map[string]bool
}

// Partition assigns each speaker to exactly one validation fold,
// stratified so each fold's validation label distribution approximates
// the corpus-wide distribution.
//
// Within each level, speakers are shuffled with the seeded source and
// dealt round-robin across folds. Fails with [*InsufficientDataError]
// if any level has fewer speakers than k.
func Partition(speakers []string, labels map[string]corpus.Level, k int, seed int64) ([]Fold, error) {
	if k < 2 {
		return nil, fmt.Errorf("folds: k must be at least 2, got %d", k)
	}
	if len(speakers) < k {
		return nil, fmt.Errorf("folds: %d speakers cannot fill %d folds", len(speakers), k)
	}

	// Group by level. Sort both levels and speakers so the result
	// depends only on set membership, not input order.
	byLevel := make(map[corpus.Level][]string)
	for _, s := range speakers {
		lv, ok := labels[s]
		if !ok {
			return nil, fmt.Errorf("folds: speaker %s has no proficiency label", s)
		}
		byLevel[lv] = append(byLevel[lv], s)
	}
	levels := make([]corpus.Level, 0, len(byLevel))
	for lv := range byLevel {
		levels = append(levels, lv)
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i] < levels[j] })

	for _, lv := range levels {
		if len(byLevel[lv]) < k {
			return nil, &InsufficientDataError{Level: lv, Speakers: len(byLevel[lv]), K: k}
		}
	}

	rng := rand.New(rand.NewSource(seed))
	validation := make([][]string, k)
	for _, lv := range levels {
		group := byLevel[lv]
		sort.Strings(group)
		rng.Shuffle(len(group), func(i, j int) { group[i], group[j] = group[j], group[i] })
		for i, s := range group {
			f := i % k
			validation[f] = append(validation[f], s)
		}
	}

	out := make([]Fold, k)
	for f := 0; f < k; f++ {
		fold := Fold{
			Index:      f,
			Train:      make(map[string]bool, len(speakers)),
			Validation: make(map[string]bool, len(validation[f])),
		}
		for _, s := range validation[f] {
			fold.Validation[s] = true
		}
		for _, s := range speakers {
			if !fold.Validation[s] {
				fold.Train[s] = true
			}
		}
		out[f] = fold
	}
	return out, nil
}
