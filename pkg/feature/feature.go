// Package feature turns utterances into the numeric representations
// the proficiency classifier consumes.
//
// # Architecture
//
// The representation model is a frozen black box behind the
// [Extractor] interface: audio in, frame matrix out. The built-in
// [Fbank] extractor computes log-mel filterbank features and stands in
// for heavier acoustic models (wav2vec2-style encoders plug in behind
// the same interface without touching pipeline logic). Extractors are
// versioned so representations from different models never collide in
// the cache.
//
// [Cache] wraps an extractor with an at-most-once store keyed by
// (utterance ID, augmentation tag, model version). Concurrent requests
// for the same key block on a per-key lock until the first extraction
// finishes, then share the stored result.
package feature

import (
	"context"
	"fmt"
	"math"

	"github.com/vmihailenco/msgpack/v5"
)

// ExtractionError reports that the representation model rejected an
// utterance (malformed audio, too short for a single frame, upstream
// timeout). Callers exclude the utterance from the affected fold and
// continue; a single bad recording never aborts a run.
type ExtractionError struct {
	UtteranceID     string
	AugmentationTag string
	Err             error
}

func (e *ExtractionError) Error() string {
	tag := e.AugmentationTag
	if tag == "" {
		tag = "raw"
	}
	return fmt.Sprintf("feature: extract %s (%s): %v", e.UtteranceID, tag, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Extractor is the frozen upstream representation model: a pure
// function from audio to a frame matrix. Implementations must be safe
// for concurrent use; extraction is parallelized across utterances.
type Extractor interface {
	// Extract computes per-frame feature vectors for mono audio in
	// [-1, 1]. The returned matrix is [numFrames][Dimension()].
	// Blocking implementations must honor ctx cancellation.
	Extract(ctx context.Context, samples []float32, sampleRate int) ([][]float32, error)

	// Dimension returns the per-frame vector length.
	Dimension() int

	// Version identifies the model so cache keys distinguish
	// representations produced by different models.
	Version() string
}

// Vector is the cached representation of one utterance variant.
type Vector struct {
	UtteranceID     string      `msgpack:"id"`
	AugmentationTag string      `msgpack:"tag"`
	ModelVersion    string      `msgpack:"model"`
	Frames          [][]float32 `msgpack:"frames"`

	// Pooled is the fixed-length utterance-level vector the
	// classifier trains on: per-dimension mean concatenated with
	// per-dimension standard deviation over frames.
	Pooled []float32 `msgpack:"pooled"`
}

// Encode serializes the vector with msgpack.
func (v *Vector) Encode() ([]byte, error) {
	return msgpack.Marshal(v)
}

// DecodeVector deserializes a vector produced by [Vector.Encode].
func DecodeVector(data []byte) (*Vector, error) {
	var v Vector
	if err := msgpack.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("feature: decode vector: %w", err)
	}
	return &v, nil
}

// Pool computes the utterance-level statistics vector from a frame
// matrix: mean and standard deviation per dimension, concatenated.
func Pool(frames [][]float32) []float32 {
	if len(frames) == 0 {
		return nil
	}
	dim := len(frames[0])
	mean := make([]float64, dim)
	for _, f := range frames {
		for i, v := range f {
			mean[i] += float64(v)
		}
	}
	n := float64(len(frames))
	for i := range mean {
		mean[i] /= n
	}
	variance := make([]float64, dim)
	for _, f := range frames {
		for i, v := range f {
			d := float64(v) - mean[i]
			variance[i] += d * d
		}
	}

	out := make([]float32, 2*dim)
	for i := range mean {
		out[i] = float32(mean[i])
		out[dim+i] = float32(math.Sqrt(variance[i] / n))
	}
	return out
}
