package results

import (
	"bytes"
	"math"
	"strings"
	"testing"

	"github.com/aalto-speech/l2rate/pkg/classify"
	"github.com/aalto-speech/l2rate/pkg/corpus"
)

func rec(fold int, pred, truth corpus.Level) classify.PredictionRecord {
	return classify.PredictionRecord{
		UtteranceID: "u",
		FoldIndex:   fold,
		Predicted:   pred,
		True:        truth,
		Condition:   "c",
	}
}

func TestAccuracyAndMAE(t *testing.T) {
	recs := []classify.PredictionRecord{
		rec(0, 1, 1), rec(0, 2, 2), rec(0, 3, 1), rec(0, 1, 2),
	}
	if got := accuracy(recs); got != 0.5 {
		t.Errorf("accuracy = %v, want 0.5", got)
	}
	// |3-1| + |1-2| = 3 over 4 records
	if got := meanAbsoluteError(recs); got != 0.75 {
		t.Errorf("mae = %v, want 0.75", got)
	}
}

func TestWeightedKappaPerfect(t *testing.T) {
	recs := []classify.PredictionRecord{
		rec(0, 1, 1), rec(0, 2, 2), rec(0, 3, 3),
	}
	if got := weightedKappa(recs); math.Abs(got-1) > 1e-9 {
		t.Errorf("kappa = %v, want 1", got)
	}
}

func TestWeightedKappaPenalizesDistance(t *testing.T) {
	// Off-by-one disagreements should score higher than off-by-two
	// on the same marginals.
	near := []classify.PredictionRecord{
		rec(0, 1, 1), rec(0, 2, 2), rec(0, 3, 3), rec(0, 2, 1), rec(0, 1, 2), rec(0, 3, 3),
	}
	far := []classify.PredictionRecord{
		rec(0, 1, 1), rec(0, 2, 2), rec(0, 3, 3), rec(0, 3, 1), rec(0, 1, 3), rec(0, 2, 2),
	}
	if weightedKappa(near) <= weightedKappa(far) {
		t.Errorf("kappa(near)=%v should exceed kappa(far)=%v",
			weightedKappa(near), weightedKappa(far))
	}
}

func TestAggregatePerFoldIndependence(t *testing.T) {
	// Fold 0 perfect, fold 1 all wrong. Metrics must not bleed.
	var recs []classify.PredictionRecord
	for i := 0; i < 10; i++ {
		recs = append(recs, rec(0, 2, 2))
		recs = append(recs, rec(1, 1, 3))
	}
	s := Aggregate("baseline", 2, recs, nil, nil)
	if s.Incomplete {
		t.Error("summary should be complete")
	}
	if got := s.Folds[0].Metrics[MetricAccuracy]; got != 1 {
		t.Errorf("fold 0 accuracy = %v, want 1", got)
	}
	if got := s.Folds[1].Metrics[MetricAccuracy]; got != 0 {
		t.Errorf("fold 1 accuracy = %v, want 0", got)
	}
	if got := s.Mean[MetricAccuracy]; got != 0.5 {
		t.Errorf("mean accuracy = %v, want 0.5", got)
	}
}

func TestAggregateFlagsIncomplete(t *testing.T) {
	recs := []classify.PredictionRecord{rec(0, 1, 1), rec(0, 2, 2)}
	failures := []FoldFailure{{FoldIndex: 1, Reason: "training diverged"}}
	excluded := map[int]int{0: 1}

	s := Aggregate("noisy", 3, recs, failures, excluded)
	if !s.Incomplete {
		t.Fatal("summary must be flagged incomplete")
	}
	if len(s.Folds) != 3 {
		t.Fatalf("got %d fold entries, want 3", len(s.Folds))
	}
	if !s.Folds[1].Failed || s.Folds[1].Reason != "training diverged" {
		t.Errorf("fold 1 = %+v", s.Folds[1])
	}
	if !s.Folds[2].Failed || s.Folds[2].Reason != "no predictions" {
		t.Errorf("fold 2 = %+v", s.Folds[2])
	}
	if s.Folds[0].Excluded != 1 {
		t.Errorf("fold 0 exclusions = %d, want 1", s.Folds[0].Excluded)
	}
	// Mean computed only over the one complete fold.
	if got := s.Mean[MetricAccuracy]; got != 1 {
		t.Errorf("mean accuracy = %v, want 1", got)
	}
}

func summaryWith(condition string, kappa, mae float64, incomplete bool) ConditionSummary {
	return ConditionSummary{
		Condition:     condition,
		ExpectedFolds: 2,
		Incomplete:    incomplete,
		Mean: map[Metric]float64{
			MetricAccuracy:      0.5,
			MetricWeightedKappa: kappa,
			MetricMAE:           mae,
		},
		Variance: map[Metric]float64{},
	}
}

func TestCompareRanking(t *testing.T) {
	summaries := []ConditionSummary{
		summaryWith("a", 0.6, 0.5, false),
		summaryWith("b", 0.8, 0.5, false),
		summaryWith("c", 0.8, 0.3, false), // kappa tie with b, better MAE
		summaryWith("d", 0.9, 0.1, true),  // incomplete sinks last
	}
	got, err := Compare(summaries, MetricWeightedKappa, MetricMAE)
	if err != nil {
		t.Fatal(err)
	}
	var order []string
	for _, s := range got {
		order = append(order, s.Condition)
	}
	want := "c,b,a,d"
	if strings.Join(order, ",") != want {
		t.Errorf("order = %v, want %s", order, want)
	}
}

func TestCompareUnknownMetric(t *testing.T) {
	if _, err := Compare(nil, Metric("wer"), MetricMAE); err == nil {
		t.Error("expected error for unknown primary metric")
	}
	if _, err := Compare(nil, MetricMAE, Metric("f1")); err == nil {
		t.Error("expected error for unknown secondary metric")
	}
}

func TestWriteTable(t *testing.T) {
	recs := []classify.PredictionRecord{rec(0, 1, 1), rec(1, 2, 2)}
	s := Aggregate("baseline", 2, recs, nil, nil)

	var buf bytes.Buffer
	if err := WriteTable(&buf, []ConditionSummary{s}); err != nil {
		t.Fatalf("WriteTable: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"condition: baseline", "metric: accuracy", "fold: mean", "fold: variance"} {
		if !strings.Contains(out, want) {
			t.Errorf("table output missing %q:\n%s", want, out)
		}
	}

	rows := Table([]ConditionSummary{s})
	// 2 folds × 3 metrics + mean/variance × 3 metrics
	if len(rows) != 12 {
		t.Errorf("got %d rows, want 12", len(rows))
	}
}
