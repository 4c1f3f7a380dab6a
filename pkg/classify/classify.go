// Package classify trains and evaluates the per-fold proficiency
// rating model.
//
// The classifier is a multinomial logistic regression over pooled
// utterance features, fit with mini-batch gradient descent. It is
// deliberately shallow: the representation model upstream carries the
// acoustic knowledge, the head only maps a fixed-length vector onto
// the ordinal proficiency scale.
//
// # Leakage discipline
//
// Feature normalization statistics (per-dimension mean and standard
// deviation) are computed from the fold's training examples only and
// stored on the [Model]. Evaluation reuses exactly those statistics,
// so no value derived from a validation utterance can influence the
// trained model.
//
// Each fold owns its model exclusively; folds never share state, which
// is what makes parallel fold training safe.
package classify

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/aalto-speech/l2rate/pkg/corpus"
)

// EmptyFoldError reports that a fold has no training examples left
// after exclusions. Fatal for the fold, not for the run.
type EmptyFoldError struct {
	Fold int
}

func (e *EmptyFoldError) Error() string {
	return fmt.Sprintf("classify: fold %d has no training examples", e.Fold)
}

// TrainingDivergenceError reports that the training loss failed to
// improve within the configured patience. The fold is reported as
// incomplete; remaining folds continue.
type TrainingDivergenceError struct {
	Fold        int
	Epochs      int
	InitialLoss float64
	BestLoss    float64
}

func (e *TrainingDivergenceError) Error() string {
	return fmt.Sprintf("classify: fold %d diverged after %d epochs (loss %.4f -> %.4f)",
		e.Fold, e.Epochs, e.InitialLoss, e.BestLoss)
}

// ClassWeighting selects how uneven level distributions are handled.
type ClassWeighting string

const (
	// WeightNone trains on raw counts.
	WeightNone ClassWeighting = "none"

	// WeightBalanced scales each level's loss by n/(k*count), the
	// inverse-frequency scheme.
	WeightBalanced ClassWeighting = "balanced"
)

// TrainConfig controls the gradient descent fit. Zero fields take
// defaults.
type TrainConfig struct {
	LearningRate   float64        // default 0.1
	Epochs         int            // default 200
	BatchSize      int            // default 32
	L2             float64        // weight decay, default 1e-4
	Patience       int            // epochs without improvement, default 25
	MinImprovement float64        // loss delta that counts as progress, default 1e-5
	Weighting      ClassWeighting // default WeightNone
	Seed           int64
}

func (c TrainConfig) withDefaults() TrainConfig {
	if c.LearningRate == 0 {
		c.LearningRate = 0.1
	}
	if c.Epochs == 0 {
		c.Epochs = 200
	}
	if c.BatchSize == 0 {
		c.BatchSize = 32
	}
	if c.L2 == 0 {
		c.L2 = 1e-4
	}
	if c.Patience == 0 {
		c.Patience = 25
	}
	if c.MinImprovement == 0 {
		c.MinImprovement = 1e-5
	}
	if c.Weighting == "" {
		c.Weighting = WeightNone
	}
	return c
}

// Example is one utterance variant ready for training or evaluation:
// the pooled feature vector plus its label.
type Example struct {
	UtteranceID string
	Features    []float32
	Label       corpus.Level
}

// Model is a trained proficiency classifier, owned by the fold that
// produced it.
type Model struct {
	FoldIndex int `msgpack:"fold"`

	// Levels maps class index to proficiency level, ascending.
	Levels []corpus.Level `msgpack:"levels"`

	// Weights is [len(Levels)][Dim+1]; the final column is the bias.
	Weights [][]float64 `msgpack:"weights"`

	// Mean and Std are the feature schema: normalization statistics
	// computed from this fold's training data only.
	Mean []float64 `msgpack:"mean"`
	Std  []float64 `msgpack:"std"`

	// ModelVersion records the representation model the features came
	// from; evaluation refuses vectors from a different model.
	ModelVersion string `msgpack:"model_version"`

	// Dim is the pooled feature dimensionality.
	Dim int `msgpack:"dim"`
}

// PredictionRecord is one validation-set prediction. Immutable;
// appended by the trainer, consumed by the aggregator.
type PredictionRecord struct {
	UtteranceID string
	FoldIndex   int
	Predicted   corpus.Level
	True        corpus.Level
	Condition   string
}

// Train fits a classifier on one fold's training examples. The fit is
// deterministic under a fixed config seed. Fails with
// [*EmptyFoldError] when examples is empty and
// [*TrainingDivergenceError] when the loss never improves within the
// configured patience.
func Train(ctx context.Context, foldIndex int, examples []Example, modelVersion string, cfg TrainConfig) (*Model, error) {
	cfg = cfg.withDefaults()
	if len(examples) == 0 {
		return nil, &EmptyFoldError{Fold: foldIndex}
	}
	dim := len(examples[0].Features)
	for _, ex := range examples {
		if len(ex.Features) != dim {
			return nil, fmt.Errorf("classify: fold %d: inconsistent feature dims (%d vs %d)",
				foldIndex, len(ex.Features), dim)
		}
	}

	levels := collectLevels(examples)
	classIdx := make(map[corpus.Level]int, len(levels))
	for i, lv := range levels {
		classIdx[lv] = i
	}

	mean, std := normalizationStats(examples, dim)
	x := make([][]float64, len(examples))
	y := make([]int, len(examples))
	for i, ex := range examples {
		x[i] = normalize(ex.Features, mean, std)
		y[i] = classIdx[ex.Label]
	}

	weights := classWeights(y, len(levels), cfg.Weighting)

	// Zero-init is fine: the objective is convex.
	w := make([][]float64, len(levels))
	for c := range w {
		w[c] = make([]float64, dim+1)
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	order := make([]int, len(examples))
	for i := range order {
		order[i] = i
	}

	initialLoss := meanLoss(w, x, y, weights)
	bestLoss := initialLoss
	sinceImprovement := 0

	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		for start := 0; start < len(order); start += cfg.BatchSize {
			end := start + cfg.BatchSize
			if end > len(order) {
				end = len(order)
			}
			sgdStep(w, x, y, weights, order[start:end], cfg.LearningRate, cfg.L2)
		}

		loss := meanLoss(w, x, y, weights)
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			return nil, &TrainingDivergenceError{
				Fold: foldIndex, Epochs: epoch + 1,
				InitialLoss: initialLoss, BestLoss: bestLoss,
			}
		}
		if loss < bestLoss-cfg.MinImprovement {
			bestLoss = loss
			sinceImprovement = 0
			continue
		}
		sinceImprovement++
		if sinceImprovement >= cfg.Patience {
			if bestLoss >= initialLoss-cfg.MinImprovement {
				// Never got anywhere: report, don't pretend.
				return nil, &TrainingDivergenceError{
					Fold: foldIndex, Epochs: epoch + 1,
					InitialLoss: initialLoss, BestLoss: bestLoss,
				}
			}
			break // converged plateau
		}
	}

	return &Model{
		FoldIndex:    foldIndex,
		Levels:       levels,
		Weights:      w,
		Mean:         mean,
		Std:          std,
		ModelVersion: modelVersion,
		Dim:          dim,
	}, nil
}

// Evaluate predicts the held-out validation examples and returns one
// record per utterance. The model's stored normalization statistics
// are applied; validation data contributes nothing to them.
func Evaluate(m *Model, examples []Example, condition string) ([]PredictionRecord, error) {
	out := make([]PredictionRecord, 0, len(examples))
	for _, ex := range examples {
		if len(ex.Features) != m.Dim {
			return nil, fmt.Errorf("classify: fold %d: validation feature dim %d, model expects %d",
				m.FoldIndex, len(ex.Features), m.Dim)
		}
		xi := normalize(ex.Features, m.Mean, m.Std)
		scores := logits(m.Weights, xi)

		best := 0
		for c := 1; c < len(scores); c++ {
			if scores[c] > scores[best] {
				best = c
			}
		}
		out = append(out, PredictionRecord{
			UtteranceID: ex.UtteranceID,
			FoldIndex:   m.FoldIndex,
			Predicted:   m.Levels[best],
			True:        ex.Label,
			Condition:   condition,
		})
	}
	return out, nil
}

// Predict returns the predicted level for a single feature vector.
func (m *Model) Predict(features []float32) (corpus.Level, error) {
	recs, err := Evaluate(m, []Example{{UtteranceID: "_", Features: features}}, "")
	if err != nil {
		return 0, err
	}
	return recs[0].Predicted, nil
}

func collectLevels(examples []Example) []corpus.Level {
	seen := make(map[corpus.Level]bool)
	for _, ex := range examples {
		seen[ex.Label] = true
	}
	levels := make([]corpus.Level, 0, len(seen))
	for lv := range seen {
		levels = append(levels, lv)
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i] < levels[j] })
	return levels
}

// normalizationStats computes per-dimension mean and standard
// deviation over the training examples.
func normalizationStats(examples []Example, dim int) (mean, std []float64) {
	mean = make([]float64, dim)
	std = make([]float64, dim)
	col := make([]float64, len(examples))
	for d := 0; d < dim; d++ {
		for i, ex := range examples {
			col[i] = float64(ex.Features[d])
		}
		m, s := stat.MeanStdDev(col, nil)
		mean[d] = m
		if math.IsNaN(s) || s < 1e-9 {
			s = 1 // constant dimension
		}
		std[d] = s
	}
	return mean, std
}

func normalize(features []float32, mean, std []float64) []float64 {
	out := make([]float64, len(features))
	for i, v := range features {
		out[i] = (float64(v) - mean[i]) / std[i]
	}
	return out
}

func classWeights(y []int, classes int, scheme ClassWeighting) []float64 {
	w := make([]float64, classes)
	if scheme != WeightBalanced {
		for i := range w {
			w[i] = 1
		}
		return w
	}
	counts := make([]int, classes)
	for _, c := range y {
		counts[c]++
	}
	n := float64(len(y))
	k := float64(classes)
	for c := range w {
		if counts[c] > 0 {
			w[c] = n / (k * float64(counts[c]))
		}
	}
	return w
}

func logits(w [][]float64, x []float64) []float64 {
	out := make([]float64, len(w))
	for c, wc := range w {
		s := wc[len(wc)-1] // bias
		for i, xi := range x {
			s += wc[i] * xi
		}
		out[c] = s
	}
	return out
}

func softmax(scores []float64) []float64 {
	max := scores[0]
	for _, s := range scores[1:] {
		if s > max {
			max = s
		}
	}
	var sum float64
	out := make([]float64, len(scores))
	for i, s := range scores {
		out[i] = math.Exp(s - max)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// sgdStep applies one mini-batch update in place.
func sgdStep(w [][]float64, x [][]float64, y []int, classWeight []float64, batch []int, lr, l2 float64) {
	grad := make([][]float64, len(w))
	for c := range grad {
		grad[c] = make([]float64, len(w[c]))
	}
	for _, i := range batch {
		p := softmax(logits(w, x[i]))
		cw := classWeight[y[i]]
		for c := range w {
			delta := p[c]
			if c == y[i] {
				delta -= 1
			}
			delta *= cw
			g := grad[c]
			for d, xd := range x[i] {
				g[d] += delta * xd
			}
			g[len(g)-1] += delta
		}
	}
	scale := lr / float64(len(batch))
	for c := range w {
		for d := range w[c] {
			decay := l2 * w[c][d]
			if d == len(w[c])-1 {
				decay = 0 // bias is not regularized
			}
			w[c][d] -= scale*grad[c][d] + lr*decay
		}
	}
}

// meanLoss is the class-weighted mean cross-entropy over the set.
func meanLoss(w [][]float64, x [][]float64, y []int, classWeight []float64) float64 {
	var total, weightSum float64
	for i := range x {
		p := softmax(logits(w, x[i]))
		cw := classWeight[y[i]]
		total += -math.Log(math.Max(p[y[i]], 1e-12)) * cw
		weightSum += cw
	}
	return total / weightSum
}
