// Package results aggregates per-fold predictions into comparable
// metrics across folds and augmentation conditions.
//
// Folds are treated independently: a fold's metrics are computed only
// from that fold's validation predictions. Cross-fold mean and
// variance are computed afterwards, and folds that failed (divergence,
// empty after exclusions) are flagged on the summary rather than
// silently averaged away — a condition with 4 of 5 folds is marked
// incomplete, never presented as a clean mean over 4.
package results

import (
	"fmt"
	"math"
	"sort"

	"github.com/aalto-speech/l2rate/pkg/classify"
	"github.com/aalto-speech/l2rate/pkg/corpus"
)

// Metric names a scalar agreement metric.
type Metric string

const (
	// MetricAccuracy is the exact-match rate. Higher is better.
	MetricAccuracy Metric = "accuracy"

	// MetricWeightedKappa is Cohen's kappa with quadratic ordinal
	// weights. Higher is better.
	MetricWeightedKappa Metric = "weighted_kappa"

	// MetricMAE is the mean absolute error in levels. Lower is
	// better.
	MetricMAE Metric = "mae"
)

// LowerIsBetter reports the metric's direction.
func (m Metric) LowerIsBetter() bool { return m == MetricMAE }

// Valid reports whether m is a known metric.
func (m Metric) Valid() bool {
	switch m {
	case MetricAccuracy, MetricWeightedKappa, MetricMAE:
		return true
	}
	return false
}

// FoldResult holds one fold's metrics under one condition.
type FoldResult struct {
	FoldIndex   int
	Predictions int

	// Excluded counts validation utterances dropped by extraction
	// failures in this fold.
	Excluded int

	Metrics map[Metric]float64

	// Failed is set when the fold produced no model (divergence,
	// empty training set); Reason says why.
	Failed bool
	Reason string
}

// ConditionSummary aggregates one augmentation condition across folds.
type ConditionSummary struct {
	Condition string
	Folds     []FoldResult

	// ExpectedFolds is k; Incomplete is true when any fold failed or
	// is missing, so readers never mistake a partial mean for a full
	// one.
	ExpectedFolds int
	Incomplete    bool

	Mean     map[Metric]float64
	Variance map[Metric]float64

	// TrainUtterances and ValUtterances count the examples that
	// actually entered training and validation, summed over folds.
	// Augmented conditions grow only the training count.
	TrainUtterances int
	ValUtterances   int
}

// FoldFailure describes a fold that produced no predictions.
type FoldFailure struct {
	FoldIndex int
	Reason    string
}

// Aggregate computes a condition's summary from its prediction
// records. failures lists folds that produced no model; excluded maps
// fold index to the number of validation utterances dropped by
// extraction errors.
func Aggregate(condition string, k int, records []classify.PredictionRecord, failures []FoldFailure, excluded map[int]int) ConditionSummary {
	byFold := make(map[int][]classify.PredictionRecord)
	for _, r := range records {
		byFold[r.FoldIndex] = append(byFold[r.FoldIndex], r)
	}
	failed := make(map[int]string, len(failures))
	for _, f := range failures {
		failed[f.FoldIndex] = f.Reason
	}

	s := ConditionSummary{
		Condition:     condition,
		ExpectedFolds: k,
		Mean:          make(map[Metric]float64),
		Variance:      make(map[Metric]float64),
	}

	var complete []FoldResult
	for fold := 0; fold < k; fold++ {
		if reason, ok := failed[fold]; ok {
			s.Folds = append(s.Folds, FoldResult{
				FoldIndex: fold,
				Excluded:  excluded[fold],
				Failed:    true,
				Reason:    reason,
			})
			s.Incomplete = true
			continue
		}
		recs, ok := byFold[fold]
		if !ok || len(recs) == 0 {
			s.Folds = append(s.Folds, FoldResult{
				FoldIndex: fold,
				Excluded:  excluded[fold],
				Failed:    true,
				Reason:    "no predictions",
			})
			s.Incomplete = true
			continue
		}
		fr := FoldResult{
			FoldIndex:   fold,
			Predictions: len(recs),
			Excluded:    excluded[fold],
			Metrics: map[Metric]float64{
				MetricAccuracy:      accuracy(recs),
				MetricWeightedKappa: weightedKappa(recs),
				MetricMAE:           meanAbsoluteError(recs),
			},
		}
		s.Folds = append(s.Folds, fr)
		complete = append(complete, fr)
	}

	for _, m := range []Metric{MetricAccuracy, MetricWeightedKappa, MetricMAE} {
		vals := make([]float64, 0, len(complete))
		for _, fr := range complete {
			vals = append(vals, fr.Metrics[m])
		}
		s.Mean[m], s.Variance[m] = meanVariance(vals)
	}
	return s
}

// Compare ranks condition summaries by the primary metric, breaking
// ties with the secondary. Directions are metric-aware. Incomplete
// conditions rank after complete ones regardless of their numbers: a
// mean over fewer folds is not comparable.
func Compare(summaries []ConditionSummary, primary, secondary Metric) ([]ConditionSummary, error) {
	if !primary.Valid() {
		return nil, fmt.Errorf("results: unknown primary metric %q", primary)
	}
	if !secondary.Valid() {
		return nil, fmt.Errorf("results: unknown secondary metric %q", secondary)
	}

	out := make([]ConditionSummary, len(summaries))
	copy(out, summaries)
	better := func(a, b ConditionSummary, m Metric) int {
		av, bv := a.Mean[m], b.Mean[m]
		if av == bv {
			return 0
		}
		if m.LowerIsBetter() == (av < bv) {
			return -1
		}
		return 1
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Incomplete != b.Incomplete {
			return !a.Incomplete
		}
		if c := better(a, b, primary); c != 0 {
			return c < 0
		}
		if c := better(a, b, secondary); c != 0 {
			return c < 0
		}
		return a.Condition < b.Condition
	})
	return out, nil
}

func accuracy(recs []classify.PredictionRecord) float64 {
	correct := 0
	for _, r := range recs {
		if r.Predicted == r.True {
			correct++
		}
	}
	return float64(correct) / float64(len(recs))
}

func meanAbsoluteError(recs []classify.PredictionRecord) float64 {
	var sum float64
	for _, r := range recs {
		sum += math.Abs(float64(r.Predicted - r.True))
	}
	return sum / float64(len(recs))
}

// weightedKappa is Cohen's kappa with quadratic weights over the
// ordinal level range observed in the records. Perfect agreement is 1,
// chance agreement 0. Returns 1 when there is no disagreement possible
// (a single observed level).
func weightedKappa(recs []classify.PredictionRecord) float64 {
	lo, hi := levelRange(recs)
	n := int(hi-lo) + 1
	if n <= 1 {
		return 1
	}

	observed := make([][]float64, n)
	for i := range observed {
		observed[i] = make([]float64, n)
	}
	trueMarginal := make([]float64, n)
	predMarginal := make([]float64, n)
	for _, r := range recs {
		i := int(r.True - lo)
		j := int(r.Predicted - lo)
		observed[i][j]++
		trueMarginal[i]++
		predMarginal[j]++
	}

	total := float64(len(recs))
	denom := float64((n - 1) * (n - 1))
	var num, den float64
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			w := float64((i-j)*(i-j)) / denom
			num += w * observed[i][j]
			den += w * trueMarginal[i] * predMarginal[j] / total
		}
	}
	if den == 0 {
		return 1
	}
	return 1 - num/den
}

func levelRange(recs []classify.PredictionRecord) (lo, hi corpus.Level) {
	lo, hi = recs[0].True, recs[0].True
	for _, r := range recs {
		for _, lv := range []corpus.Level{r.True, r.Predicted} {
			if lv < lo {
				lo = lv
			}
			if lv > hi {
				hi = lv
			}
		}
	}
	return lo, hi
}

func meanVariance(vals []float64) (mean, variance float64) {
	if len(vals) == 0 {
		return math.NaN(), math.NaN()
	}
	for _, v := range vals {
		mean += v
	}
	mean /= float64(len(vals))
	for _, v := range vals {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(vals))
	return mean, variance
}
