package feature

import (
	"context"
	"math"
	"reflect"
	"testing"
)

func makeSine(freq float64, n, rate int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.4 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

func TestFbankShape(t *testing.T) {
	const rate = 16000
	fb := NewFbank(FbankConfig{})
	samples := makeSine(440, rate, rate) // 1s

	frames, err := fb.Extract(context.Background(), samples, rate)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	frameLen := int(0.025 * rate)
	frameShift := int(0.010 * rate)
	wantFrames := (len(samples)-frameLen)/frameShift + 1
	if len(frames) != wantFrames {
		t.Errorf("got %d frames, want %d", len(frames), wantFrames)
	}
	for i, f := range frames {
		if len(f) != fb.Dimension() {
			t.Fatalf("frame %d: %d mels, want %d", i, len(f), fb.Dimension())
		}
		for j, v := range f {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				t.Fatalf("frame %d mel %d: non-finite %f", i, j, v)
			}
		}
	}
}

func TestFbankDeterministic(t *testing.T) {
	const rate = 16000
	fb := NewFbank(FbankConfig{})
	samples := makeSine(300, rate/2, rate)

	a, err := fb.Extract(context.Background(), samples, rate)
	if err != nil {
		t.Fatal(err)
	}
	b, err := fb.Extract(context.Background(), samples, rate)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Error("extraction is not deterministic")
	}
}

func TestFbankTooShort(t *testing.T) {
	const rate = 16000
	fb := NewFbank(FbankConfig{})
	_, err := fb.Extract(context.Background(), make([]float32, 10), rate)
	if err != ErrTooShort {
		t.Errorf("err = %v, want ErrTooShort", err)
	}
}

func TestFbankCancelled(t *testing.T) {
	const rate = 16000
	fb := NewFbank(FbankConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := fb.Extract(ctx, makeSine(440, rate, rate), rate)
	if err == nil {
		t.Error("expected error from cancelled context")
	}
}

func TestPool(t *testing.T) {
	frames := [][]float32{
		{1, 10},
		{3, 30},
	}
	got := Pool(frames)
	// mean = {2, 20}, std = {1, 10}
	want := []float32{2, 20, 1, 10}
	if len(got) != len(want) {
		t.Fatalf("Pool dim = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-5 {
			t.Errorf("Pool[%d] = %f, want %f", i, got[i], want[i])
		}
	}

	if Pool(nil) != nil {
		t.Error("Pool(nil) should be nil")
	}
}

func TestVectorRoundTrip(t *testing.T) {
	v := &Vector{
		UtteranceID:     "u1",
		AugmentationTag: "speed=0.90",
		ModelVersion:    "fbank-v1-m40-w25ms",
		Frames:          [][]float32{{1, 2}, {3, 4}},
		Pooled:          []float32{2, 3, 1, 1},
	}
	data, err := v.Encode()
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeVector(data)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(v, got) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, v)
	}
}
