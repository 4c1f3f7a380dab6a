package classify

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/aalto-speech/l2rate/pkg/corpus"
)

// makeSeparable builds an easily separable 2-D dataset: level i
// clusters around (i, -i).
func makeSeparable(perLevel int, levels []corpus.Level, seed int64) []Example {
	rng := rand.New(rand.NewSource(seed))
	var out []Example
	for _, lv := range levels {
		for i := 0; i < perLevel; i++ {
			out = append(out, Example{
				UtteranceID: string(rune('a'+int(lv))) + "-" + string(rune('0'+i%10)),
				Features: []float32{
					float32(lv)*4 + float32(rng.NormFloat64())*0.3,
					-float32(lv)*4 + float32(rng.NormFloat64())*0.3,
				},
				Label: lv,
			})
		}
	}
	// Unique IDs regardless of the readable prefix.
	for i := range out {
		out[i].UtteranceID = out[i].UtteranceID + "#" + string(rune('A'+i%26)) + string(rune('A'+(i/26)%26))
	}
	return out
}

func TestTrainAndEvaluateSeparable(t *testing.T) {
	levels := []corpus.Level{1, 2, 3}
	train := makeSeparable(30, levels, 1)
	val := makeSeparable(10, levels, 2)

	m, err := Train(context.Background(), 0, train, "fbank-v1", TrainConfig{Seed: 42})
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if !reflect.DeepEqual(m.Levels, levels) {
		t.Errorf("Levels = %v, want %v", m.Levels, levels)
	}

	recs, err := Evaluate(m, val, "baseline")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(recs) != len(val) {
		t.Fatalf("got %d records, want %d", len(recs), len(val))
	}
	correct := 0
	for _, r := range recs {
		if r.Predicted == r.True {
			correct++
		}
		if r.Condition != "baseline" || r.FoldIndex != 0 {
			t.Errorf("record metadata wrong: %+v", r)
		}
	}
	if acc := float64(correct) / float64(len(recs)); acc < 0.9 {
		t.Errorf("accuracy on separable data = %.2f, want >= 0.9", acc)
	}
}

func TestTrainDeterministic(t *testing.T) {
	train := makeSeparable(20, []corpus.Level{1, 2}, 3)
	cfg := TrainConfig{Seed: 7, Epochs: 50}

	a, err := Train(context.Background(), 1, train, "v1", cfg)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Train(context.Background(), 1, train, "v1", cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(a.Weights, b.Weights) {
		t.Error("same seed produced different weights")
	}
}

func TestNormalizationFromTrainingOnly(t *testing.T) {
	train := makeSeparable(20, []corpus.Level{1, 2}, 4)
	m, err := Train(context.Background(), 0, train, "v1", TrainConfig{Seed: 1, Epochs: 30})
	if err != nil {
		t.Fatal(err)
	}
	wantMean, wantStd := normalizationStats(train, 2)
	if !reflect.DeepEqual(m.Mean, wantMean) || !reflect.DeepEqual(m.Std, wantStd) {
		t.Error("stored normalization statistics differ from training-set statistics")
	}

	// Evaluating wildly shifted validation data must not change the
	// stored statistics (they are frozen at train time).
	val := makeSeparable(5, []corpus.Level{1, 2}, 5)
	for i := range val {
		val[i].Features[0] += 1000
	}
	if _, err := Evaluate(m, val, "c"); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(m.Mean, wantMean) {
		t.Error("evaluation mutated normalization statistics")
	}
}

func TestEmptyFold(t *testing.T) {
	_, err := Train(context.Background(), 3, nil, "v1", TrainConfig{})
	var ef *EmptyFoldError
	if !errors.As(err, &ef) {
		t.Fatalf("expected *EmptyFoldError, got %v", err)
	}
	if ef.Fold != 3 {
		t.Errorf("Fold = %d, want 3", ef.Fold)
	}
}

func TestTrainingDivergence(t *testing.T) {
	// Identical features with contradictory labels and a zero
	// learning rate surrogate: make the optimizer unable to improve
	// by using an absurdly small learning rate and tiny patience.
	train := []Example{
		{UtteranceID: "a", Features: []float32{1, 1}, Label: 1},
		{UtteranceID: "b", Features: []float32{1, 1}, Label: 2},
	}
	_, err := Train(context.Background(), 2, train, "v1", TrainConfig{
		LearningRate: 1e-12,
		Epochs:       50,
		Patience:     3,
		Seed:         1,
	})
	var de *TrainingDivergenceError
	if !errors.As(err, &de) {
		t.Fatalf("expected *TrainingDivergenceError, got %v", err)
	}
	if de.Fold != 2 {
		t.Errorf("Fold = %d, want 2", de.Fold)
	}
}

func TestClassWeighting(t *testing.T) {
	y := []int{0, 0, 0, 1}
	w := classWeights(y, 2, WeightBalanced)
	// n/(k*count): 4/(2*3) and 4/(2*1)
	if w[0] != 4.0/6.0 || w[1] != 2.0 {
		t.Errorf("balanced weights = %v", w)
	}
	w = classWeights(y, 2, WeightNone)
	if w[0] != 1 || w[1] != 1 {
		t.Errorf("unweighted = %v", w)
	}
}

func TestEvaluateDimMismatch(t *testing.T) {
	train := makeSeparable(10, []corpus.Level{1, 2}, 6)
	m, err := Train(context.Background(), 0, train, "v1", TrainConfig{Epochs: 10, Seed: 1})
	if err != nil {
		t.Fatal(err)
	}
	_, err = Evaluate(m, []Example{{UtteranceID: "x", Features: []float32{1, 2, 3}, Label: 1}}, "c")
	if err == nil {
		t.Error("expected error for mismatched feature dimension")
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	train := makeSeparable(10, []corpus.Level{1, 2}, 8)
	m, err := Train(context.Background(), 1, train, "fbank-v1", TrainConfig{Epochs: 20, Seed: 1})
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "fold-1.ckpt")
	if err := m.SaveCheckpoint(path); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	got, err := LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if !reflect.DeepEqual(m, got) {
		t.Error("checkpoint round trip mismatch")
	}

	// Restored model predicts identically.
	val := makeSeparable(5, []corpus.Level{1, 2}, 9)
	a, err := Evaluate(m, val, "c")
	if err != nil {
		t.Fatal(err)
	}
	b, err := Evaluate(got, val, "c")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Error("restored model predicts differently")
	}
}
