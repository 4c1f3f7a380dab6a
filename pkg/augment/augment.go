// Package augment produces label-preserving variants of training
// audio.
//
// A [Chain] is an ordered composition of named strategies (speed
// perturbation, additive noise, pitch shift, tempo change). Each
// strategy is a pure waveform transform whose parameters are bounded
// so the transform cannot plausibly change the measured proficiency —
// a pitch shift of two semitones leaves a rating intact, an octave
// would not, so an octave is rejected at configuration time.
//
// Strategy names and parameters are validated when the chain is built,
// before any training starts: an unknown name fails with
// [*UnsupportedStrategyError], an out-of-domain parameter with
// [*InvalidParameterError].
//
// The composition order is recorded in the resulting utterance's
// augmentation tag (e.g. "speed=0.90+noise=15dB") so every variant in
// the feature cache and the results stays traceable to the exact
// transform that produced it.
//
// Augmentation is only ever meaningful for training-fold audio; the
// experiment runner enforces that validation utterances never pass
// through a chain.
package augment

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"

	"github.com/aalto-speech/l2rate/pkg/corpus"
)

// UnsupportedStrategyError reports an unknown strategy name in the
// augmentation configuration.
type UnsupportedStrategyError struct {
	Name string
}

func (e *UnsupportedStrategyError) Error() string {
	return fmt.Sprintf("augment: unsupported strategy %q", e.Name)
}

// InvalidParameterError reports a strategy parameter outside its valid
// domain.
type InvalidParameterError struct {
	Strategy string
	Param    string
	Value    float64
	Reason   string
}

func (e *InvalidParameterError) Error() string {
	return fmt.Sprintf("augment: %s: parameter %s=%g %s", e.Strategy, e.Param, e.Value, e.Reason)
}

// Params holds a strategy's named numeric parameters.
type Params map[string]float64

// Config names one strategy and its parameters, as it appears in the
// run configuration.
type Config struct {
	Name   string `yaml:"name"`
	Params Params `yaml:"params"`
}

// strategy is one validated waveform transform.
type strategy interface {
	// tag is the traceability label, e.g. "speed=0.90".
	tag() string

	// apply transforms samples at the given rate. rng is seeded per
	// (chain seed, utterance, position) so stochastic strategies are
	// reproducible.
	apply(samples []float32, rate int, rng *rand.Rand) ([]float32, int, error)
}

// factories maps strategy names to constructors. Constructors validate
// parameters and return [*InvalidParameterError] on violations.
var factories = map[string]func(Params) (strategy, error){
	"speed": newSpeed,
	"noise": newNoise,
	"pitch": newPitch,
	"tempo": newTempo,
}

// Chain is an ordered, validated composition of strategies.
type Chain struct {
	strategies []strategy
	tag        string
	seed       int64
}

// NewChain validates the configs and builds the composition. The seed
// makes stochastic strategies (noise) reproducible; two runs with the
// same seed generate bit-identical variants.
func NewChain(configs []Config, seed int64) (*Chain, error) {
	if len(configs) == 0 {
		return nil, fmt.Errorf("augment: empty strategy chain")
	}
	c := &Chain{seed: seed}
	tags := make([]string, 0, len(configs))
	for _, cfg := range configs {
		factory, ok := factories[cfg.Name]
		if !ok {
			return nil, &UnsupportedStrategyError{Name: cfg.Name}
		}
		s, err := factory(cfg.Params)
		if err != nil {
			return nil, err
		}
		c.strategies = append(c.strategies, s)
		tags = append(tags, s.tag())
	}
	c.tag = strings.Join(tags, "+")
	return c, nil
}

// Tag returns the combined traceability label of the chain, with
// strategies in application order.
func (c *Chain) Tag() string { return c.tag }

// Apply runs the chain over an utterance and returns the augmented
// variant. The input is not modified; the variant keeps the source ID,
// speaker, task and label and carries the chain tag.
func (c *Chain) Apply(u corpus.Utterance) (corpus.Utterance, error) {
	if u.AugmentationTag != "" {
		return corpus.Utterance{}, fmt.Errorf("augment: utterance %s is already augmented (%s)", u.ID, u.AugmentationTag)
	}

	samples := make([]float32, len(u.Samples))
	copy(samples, u.Samples)
	rate := u.SampleRate

	for i, s := range c.strategies {
		rng := rand.New(rand.NewSource(c.stageSeed(u.ID, i)))
		var err error
		samples, rate, err = s.apply(samples, rate, rng)
		if err != nil {
			return corpus.Utterance{}, fmt.Errorf("augment: %s on %s: %w", s.tag(), u.ID, err)
		}
	}
	return u.WithAudio(samples, rate, c.tag), nil
}

// stageSeed derives a deterministic per-utterance, per-stage seed so
// the same chain applied to the same corpus always yields the same
// variants.
func (c *Chain) stageSeed(utteranceID string, stage int) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d|%s|%s|%d", c.seed, c.tag, utteranceID, stage)
	return int64(h.Sum64())
}
