package experiment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/aalto-speech/l2rate/pkg/augment"
	"github.com/aalto-speech/l2rate/pkg/classify"
	"github.com/aalto-speech/l2rate/pkg/corpus"
	"github.com/aalto-speech/l2rate/pkg/feature"
	"github.com/aalto-speech/l2rate/pkg/folds"
	"github.com/aalto-speech/l2rate/pkg/results"
)

// Runner drives one experiment run end to end: partition once, then
// for each condition train and evaluate every fold, then aggregate.
type Runner struct {
	cfg    *Config
	corpus *corpus.Corpus
	cache  *feature.Cache
	log    *slog.Logger

	runID string
}

// RunResult is what one completed run produces.
type RunResult struct {
	RunID string

	// Summaries holds one entry per condition in config order; Ranked
	// is the same set ordered by the configured metrics.
	Summaries []results.ConditionSummary
	Ranked    []results.ConditionSummary

	// OutputDir is the per-run directory holding the results table and
	// fold checkpoints.
	OutputDir string
}

// NewRunner assembles a runner from loaded parts. The runner does not
// own the cache's store; the caller closes it after Run returns.
func NewRunner(cfg *Config, c *corpus.Corpus, cache *feature.Cache, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	runID := uuid.NewString()
	return &Runner{
		cfg:    cfg,
		corpus: c,
		cache:  cache,
		log:    log.With("run_id", runID),
		runID:  runID,
	}
}

// RunID returns the run's unique identifier.
func (r *Runner) RunID() string { return r.runID }

// foldOutcome is what one fold cycle under one condition yields.
type foldOutcome struct {
	foldIndex int
	records   []classify.PredictionRecord
	failure   *results.FoldFailure

	// excluded counts validation utterances dropped by extraction
	// errors; trainCount and valCount are the example totals that
	// entered training and evaluation.
	excluded   int
	trainCount int
	valCount   int
}

// Run executes every configured condition over one shared fold
// partition and writes the results table under the run directory.
//
// Fold cycles within a condition run on a bounded worker pool. A fold
// whose training fails (diverges, empties out) is recorded as a fold
// failure and the remaining folds continue; aggregation marks the
// condition incomplete. Cancellation stops between folds and returns
// ctx.Err; partially trained models are discarded.
func (r *Runner) Run(ctx context.Context) (*RunResult, error) {
	speakers := r.corpus.Speakers()
	partition, err := folds.Partition(speakers, r.corpus.SpeakerLabels(), r.cfg.K, r.cfg.Seed)
	if err != nil {
		return nil, err
	}
	r.log.Info("partitioned corpus",
		"speakers", len(speakers), "k", r.cfg.K, "seed", r.cfg.Seed)

	outDir := filepath.Join(r.cfg.OutputDir, r.runID)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("experiment: create run directory: %w", err)
	}

	res := &RunResult{RunID: r.runID, OutputDir: outDir}
	for _, cond := range r.cfg.Conditions {
		summary, err := r.runCondition(ctx, cond, partition, outDir)
		if err != nil {
			return nil, err
		}
		res.Summaries = append(res.Summaries, summary)
	}

	ranked, err := results.Compare(res.Summaries, r.cfg.PrimaryMetric, r.cfg.SecondaryMetric)
	if err != nil {
		return nil, err
	}
	res.Ranked = ranked

	tablePath := filepath.Join(outDir, "results.yaml")
	if err := results.WriteTableFile(tablePath, res.Summaries); err != nil {
		return nil, fmt.Errorf("experiment: write results table: %w", err)
	}
	hits, misses := r.cache.Stats()
	r.log.Info("run complete",
		"conditions", len(res.Summaries), "table", tablePath,
		"cache_hits", hits, "cache_misses", misses)
	return res, nil
}

// runCondition trains and evaluates all folds under one condition and
// aggregates the results. Aggregation starts only after every fold has
// finished.
func (r *Runner) runCondition(ctx context.Context, cond ConditionConfig, partition []folds.Fold, outDir string) (results.ConditionSummary, error) {
	chains, err := buildChains(cond, r.cfg.Seed)
	if err != nil {
		return results.ConditionSummary{}, err
	}
	log := r.log.With("condition", cond.Name)
	log.Info("condition start", "chains", len(chains), "folds", len(partition))

	condDir := filepath.Join(outDir, cond.Name)
	if err := os.MkdirAll(condDir, 0o755); err != nil {
		return results.ConditionSummary{}, fmt.Errorf("experiment: create condition directory: %w", err)
	}

	workers := r.cfg.Workers
	if workers <= 0 || workers > len(partition) {
		workers = len(partition)
	}

	foldCh := make(chan folds.Fold)
	outcomes := make([]foldOutcome, len(partition))
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for fold := range foldCh {
				outcomes[fold.Index] = r.runFold(ctx, cond.Name, chains, fold, condDir, log)
			}
		}()
	}
	for _, fold := range partition {
		// Stop dispatching once cancelled; folds already running
		// finish their current step and report cancellation.
		if ctx.Err() != nil {
			break
		}
		foldCh <- fold
	}
	close(foldCh)
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return results.ConditionSummary{}, err
	}

	var (
		records    []classify.PredictionRecord
		failures   []results.FoldFailure
		excluded   = make(map[int]int)
		trainTotal int
		valTotal   int
	)
	for _, o := range outcomes {
		records = append(records, o.records...)
		if o.failure != nil {
			failures = append(failures, *o.failure)
		}
		if o.excluded > 0 {
			excluded[o.foldIndex] = o.excluded
		}
		trainTotal += o.trainCount
		valTotal += o.valCount
	}

	summary := results.Aggregate(cond.Name, len(partition), records, failures, excluded)
	summary.TrainUtterances = trainTotal
	summary.ValUtterances = valTotal
	log.Info("condition done",
		"incomplete", summary.Incomplete,
		"train_examples", trainTotal, "val_examples", valTotal)
	return summary, nil
}

// runFold performs one train/evaluate cycle. Errors that concern only
// this fold (empty training set, divergence) become a fold failure;
// everything else also becomes a failure so one broken fold never
// takes down the condition.
func (r *Runner) runFold(ctx context.Context, condition string, chains []*augment.Chain, fold folds.Fold, condDir string, log *slog.Logger) foldOutcome {
	out := foldOutcome{foldIndex: fold.Index}
	log = log.With("fold", fold.Index)

	if err := ctx.Err(); err != nil {
		out.failure = &results.FoldFailure{FoldIndex: fold.Index, Reason: "cancelled"}
		return out
	}

	train, err := r.trainingExamples(ctx, chains, fold, log)
	if err != nil {
		return r.foldFailed(out, log, err)
	}
	out.trainCount = len(train)

	val, valExcluded, err := r.validationExamples(ctx, fold, condition, log)
	if err != nil {
		return r.foldFailed(out, log, err)
	}
	out.valCount = len(val)
	out.excluded = valExcluded

	model, err := classify.Train(ctx, fold.Index, train, r.cache.Extractor().Version(), r.cfg.trainConfig(fold.Index))
	if err != nil {
		return r.foldFailed(out, log, err)
	}

	ckptPath := filepath.Join(condDir, fmt.Sprintf("fold-%d.ckpt", fold.Index))
	if err := model.SaveCheckpoint(ckptPath); err != nil {
		log.Warn("checkpoint write failed", "path", ckptPath, "err", err)
	}

	records, err := classify.Evaluate(model, val, condition)
	if err != nil {
		return r.foldFailed(out, log, err)
	}
	out.records = records
	log.Info("fold done", "train", len(train), "val", len(val), "excluded", valExcluded)
	return out
}

func (r *Runner) foldFailed(out foldOutcome, log *slog.Logger, err error) foldOutcome {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		out.failure = &results.FoldFailure{FoldIndex: out.foldIndex, Reason: "cancelled"}
		return out
	}
	log.Warn("fold failed", "err", err)
	out.failure = &results.FoldFailure{FoldIndex: out.foldIndex, Reason: err.Error()}
	return out
}

// trainingExamples extracts features for every training-speaker
// utterance plus one augmented variant per chain. Per-utterance
// extraction failures drop the example with a warning; cancellation
// aborts.
func (r *Runner) trainingExamples(ctx context.Context, chains []*augment.Chain, fold folds.Fold, log *slog.Logger) ([]classify.Example, error) {
	var out []classify.Example
	for spk := range fold.Train {
		for _, u := range r.corpus.BySpeaker(spk) {
			ex, err := r.extractExample(ctx, u)
			if err != nil {
				if isUtteranceError(err) {
					log.Warn("training utterance excluded", "id", u.ID, "err", err)
					continue
				}
				return nil, err
			}
			out = append(out, ex)

			for _, ch := range chains {
				variant, err := ch.Apply(u)
				if err != nil {
					log.Warn("augmentation failed, variant skipped",
						"id", u.ID, "chain", ch.Tag(), "err", err)
					continue
				}
				ex, err := r.extractExample(ctx, variant)
				if err != nil {
					if isUtteranceError(err) {
						log.Warn("augmented variant excluded",
							"id", u.ID, "chain", ch.Tag(), "err", err)
						continue
					}
					return nil, err
				}
				out = append(out, ex)
			}
		}
	}
	return out, nil
}

// validationExamples extracts raw features for the fold's validation
// speakers. Validation audio is never augmented. Failed extractions
// are counted so the aggregate can report the fold as smaller, not
// pretend the utterance never existed.
func (r *Runner) validationExamples(ctx context.Context, fold folds.Fold, condition string, log *slog.Logger) ([]classify.Example, int, error) {
	var out []classify.Example
	excluded := 0
	for spk := range fold.Validation {
		for _, u := range r.corpus.BySpeaker(spk) {
			ex, err := r.extractExample(ctx, u)
			if err != nil {
				if isUtteranceError(err) {
					excluded++
					log.Warn("validation utterance excluded",
						"id", u.ID, "condition", condition, "err", err)
					continue
				}
				return nil, 0, err
			}
			out = append(out, ex)
		}
	}
	return out, excluded, nil
}

func (r *Runner) extractExample(ctx context.Context, u corpus.Utterance) (classify.Example, error) {
	v, err := r.cache.Extract(ctx, u)
	if err != nil {
		return classify.Example{}, err
	}
	id := u.ID
	if u.AugmentationTag != "" {
		id = u.ID + "+" + u.AugmentationTag
	}
	return classify.Example{
		UtteranceID: id,
		Features:    v.Pooled,
		Label:       u.Label,
	}, nil
}

// isUtteranceError reports whether err concerns a single recording
// rather than the run.
func isUtteranceError(err error) bool {
	var ee *feature.ExtractionError
	return errors.As(err, &ee)
}

// Precompute fills the feature cache with raw features for the whole
// corpus without training anything. Augmented variants are not
// precomputed: augmentation is defined relative to a training fold, so
// variants are materialized lazily when a run first needs them.
func (r *Runner) Precompute(ctx context.Context) (extracted, failed int, err error) {
	for _, u := range r.corpus.Utterances() {
		if err := ctx.Err(); err != nil {
			return extracted, failed, err
		}
		if _, err := r.cache.Extract(ctx, u); err != nil {
			if isUtteranceError(err) {
				failed++
				r.log.Warn("precompute: utterance skipped", "id", u.ID, "err", err)
				continue
			}
			return extracted, failed, err
		}
		extracted++
	}
	r.log.Info("precompute done", "extracted", extracted, "failed", failed)
	return extracted, failed, nil
}
