// Package experiment orchestrates a full augmentation study: one
// corpus, one fold partition, several augmentation conditions, and a
// comparable results table at the end.
//
// The same folds are reused across every condition so that differences
// in the aggregated metrics are attributable to augmentation alone.
// Augmentation chains are applied strictly to training-fold
// utterances; validation audio goes through the feature cache raw.
package experiment

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/aalto-speech/l2rate/pkg/augment"
	"github.com/aalto-speech/l2rate/pkg/classify"
	"github.com/aalto-speech/l2rate/pkg/results"
)

// ConditionConfig names one augmentation condition. A condition with
// no chains is the unaugmented baseline. Each chain is an ordered
// strategy composition producing one extra variant per training
// utterance.
type ConditionConfig struct {
	Name   string             `yaml:"name"`
	Chains [][]augment.Config `yaml:"chains,omitempty"`
}

// TrainingConfig is the YAML shape of the classifier fit settings.
type TrainingConfig struct {
	LearningRate   float64 `yaml:"learning_rate,omitempty"`
	Epochs         int     `yaml:"epochs,omitempty"`
	BatchSize      int     `yaml:"batch_size,omitempty"`
	L2             float64 `yaml:"l2,omitempty"`
	Patience       int     `yaml:"patience,omitempty"`
	MinImprovement float64 `yaml:"min_improvement,omitempty"`
}

// Config is the recognized run configuration.
type Config struct {
	// Manifest is the corpus CSV path.
	Manifest string `yaml:"manifest"`

	// K is the fold count.
	K int `yaml:"k"`

	// Seed drives fold assignment, training shuffles and stochastic
	// augmentation. Fixed seed, fixed results.
	Seed int64 `yaml:"seed"`

	Conditions []ConditionConfig `yaml:"conditions"`

	// PrimaryMetric ranks conditions; SecondaryMetric breaks ties.
	PrimaryMetric   results.Metric `yaml:"primary_metric,omitempty"`
	SecondaryMetric results.Metric `yaml:"secondary_metric,omitempty"`

	// ClassWeighting is "none" or "balanced".
	ClassWeighting classify.ClassWeighting `yaml:"class_weighting,omitempty"`

	// CacheDir is the on-disk feature cache location. Empty keeps
	// the cache in memory for the run's duration.
	CacheDir string `yaml:"cache_dir,omitempty"`

	// OutputDir receives per-run results and fold checkpoints.
	OutputDir string `yaml:"output_dir,omitempty"`

	// MaxDuration excludes over-long utterances at corpus load.
	MaxDuration time.Duration `yaml:"max_duration,omitempty"`

	// ExtractTimeout bounds one upstream extraction call.
	ExtractTimeout time.Duration `yaml:"extract_timeout,omitempty"`

	// Workers bounds parallel fold cycles. Zero means one worker per
	// fold.
	Workers int `yaml:"workers,omitempty"`

	// NumMels configures the built-in filterbank extractor.
	NumMels int `yaml:"num_mels,omitempty"`

	Training TrainingConfig `yaml:"training,omitempty"`
}

// LoadConfig reads and validates a YAML run configuration.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("experiment: read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("experiment: parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.PrimaryMetric == "" {
		c.PrimaryMetric = results.MetricWeightedKappa
	}
	if c.SecondaryMetric == "" {
		c.SecondaryMetric = results.MetricMAE
	}
	if c.ClassWeighting == "" {
		c.ClassWeighting = classify.WeightNone
	}
	if c.OutputDir == "" {
		c.OutputDir = "runs"
	}
	if len(c.Conditions) == 0 {
		c.Conditions = []ConditionConfig{{Name: "baseline"}}
	}
}

// Validate checks the whole configuration up front, including every
// augmentation strategy name and parameter, so a bad config fails
// before any training starts.
func (c *Config) Validate() error {
	if c.Manifest == "" {
		return fmt.Errorf("experiment: manifest is required")
	}
	if c.K < 2 {
		return fmt.Errorf("experiment: k must be at least 2, got %d", c.K)
	}
	if !c.PrimaryMetric.Valid() {
		return fmt.Errorf("experiment: unknown primary metric %q", c.PrimaryMetric)
	}
	if !c.SecondaryMetric.Valid() {
		return fmt.Errorf("experiment: unknown secondary metric %q", c.SecondaryMetric)
	}
	switch c.ClassWeighting {
	case classify.WeightNone, classify.WeightBalanced:
	default:
		return fmt.Errorf("experiment: unknown class weighting %q", c.ClassWeighting)
	}

	seen := make(map[string]bool)
	for _, cond := range c.Conditions {
		if cond.Name == "" {
			return fmt.Errorf("experiment: condition without a name")
		}
		if seen[cond.Name] {
			return fmt.Errorf("experiment: duplicate condition %q", cond.Name)
		}
		seen[cond.Name] = true
		for _, chainCfg := range cond.Chains {
			// Chains are rebuilt by the runner; this pass only
			// validates names and parameter domains.
			if _, err := augment.NewChain(chainCfg, c.Seed); err != nil {
				return fmt.Errorf("experiment: condition %q: %w", cond.Name, err)
			}
		}
	}
	return nil
}

// buildChains compiles a condition's chain configs.
func buildChains(cond ConditionConfig, seed int64) ([]*augment.Chain, error) {
	chains := make([]*augment.Chain, 0, len(cond.Chains))
	for _, chainCfg := range cond.Chains {
		ch, err := augment.NewChain(chainCfg, seed)
		if err != nil {
			return nil, err
		}
		chains = append(chains, ch)
	}
	return chains, nil
}

// trainConfig maps the YAML training block onto the classifier config.
func (c *Config) trainConfig(foldIndex int) classify.TrainConfig {
	return classify.TrainConfig{
		LearningRate:   c.Training.LearningRate,
		Epochs:         c.Training.Epochs,
		BatchSize:      c.Training.BatchSize,
		L2:             c.Training.L2,
		Patience:       c.Training.Patience,
		MinImprovement: c.Training.MinImprovement,
		Weighting:      c.ClassWeighting,
		// Distinct but reproducible stream per fold.
		Seed: c.Seed + int64(foldIndex),
	}
}
