package augment

import (
	"fmt"
	"math"
	"math/rand"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Parameter bounds. Transforms beyond these ranges audibly distort the
// speech enough to threaten the proficiency label, so they are
// rejected at configuration time.
const (
	minSpeedFactor = 0.8
	maxSpeedFactor = 1.2

	minSNRdB = 5.0
	maxSNRdB = 40.0

	minPitchSemitones = -2.0
	maxPitchSemitones = 2.0

	minTempoFactor = 0.8
	maxTempoFactor = 1.2
)

// speedStrategy resamples the waveform and reinterprets it at the
// original rate: both duration and pitch change, the classic Kaldi
// style speed perturbation.
type speedStrategy struct {
	factor float64
}

func newSpeed(p Params) (strategy, error) {
	factor, ok := p["factor"]
	if !ok {
		return nil, &InvalidParameterError{Strategy: "speed", Param: "factor", Reason: "is required"}
	}
	if factor < minSpeedFactor || factor > maxSpeedFactor {
		return nil, &InvalidParameterError{
			Strategy: "speed", Param: "factor", Value: factor,
			Reason: fmt.Sprintf("outside [%g, %g]", minSpeedFactor, maxSpeedFactor),
		}
	}
	return &speedStrategy{factor: factor}, nil
}

func (s *speedStrategy) tag() string { return fmt.Sprintf("speed=%.2f", s.factor) }

func (s *speedStrategy) apply(samples []float32, rate int, _ *rand.Rand) ([]float32, int, error) {
	out, err := resample(samples, float64(rate), float64(rate)/s.factor)
	if err != nil {
		return nil, 0, err
	}
	return out, rate, nil
}

// noiseStrategy adds white Gaussian noise scaled to a target
// signal-to-noise ratio.
type noiseStrategy struct {
	snrDB float64
}

func newNoise(p Params) (strategy, error) {
	snr, ok := p["snr_db"]
	if !ok {
		return nil, &InvalidParameterError{Strategy: "noise", Param: "snr_db", Reason: "is required"}
	}
	if snr < minSNRdB || snr > maxSNRdB {
		return nil, &InvalidParameterError{
			Strategy: "noise", Param: "snr_db", Value: snr,
			Reason: fmt.Sprintf("outside [%g, %g]", minSNRdB, maxSNRdB),
		}
	}
	return &noiseStrategy{snrDB: snr}, nil
}

func (s *noiseStrategy) tag() string { return fmt.Sprintf("noise=%.0fdB", s.snrDB) }

func (s *noiseStrategy) apply(samples []float32, rate int, rng *rand.Rand) ([]float32, int, error) {
	var power float64
	for _, v := range samples {
		power += float64(v) * float64(v)
	}
	if len(samples) == 0 || power == 0 {
		return nil, 0, fmt.Errorf("silent or empty audio")
	}
	power /= float64(len(samples))

	// noise power = signal power / 10^(SNR/10)
	noiseStd := math.Sqrt(power / math.Pow(10, s.snrDB/10))
	out := make([]float32, len(samples))
	for i, v := range samples {
		out[i] = v + float32(rng.NormFloat64()*noiseStd)
	}
	return out, rate, nil
}

// pitchStrategy shifts pitch without changing duration: resample to
// move the pitch, then time-stretch back to the original length.
type pitchStrategy struct {
	semitones float64
}

func newPitch(p Params) (strategy, error) {
	st, ok := p["semitones"]
	if !ok {
		return nil, &InvalidParameterError{Strategy: "pitch", Param: "semitones", Reason: "is required"}
	}
	if st < minPitchSemitones || st > maxPitchSemitones {
		return nil, &InvalidParameterError{
			Strategy: "pitch", Param: "semitones", Value: st,
			Reason: fmt.Sprintf("outside [%g, %g]", minPitchSemitones, maxPitchSemitones),
		}
	}
	return &pitchStrategy{semitones: st}, nil
}

func (s *pitchStrategy) tag() string { return fmt.Sprintf("pitch=%+.1f", s.semitones) }

func (s *pitchStrategy) apply(samples []float32, rate int, _ *rand.Rand) ([]float32, int, error) {
	ratio := math.Pow(2, s.semitones/12)
	// Speed the waveform up by ratio (pitch and tempo both move)...
	shifted, err := resample(samples, float64(rate), float64(rate)/ratio)
	if err != nil {
		return nil, 0, err
	}
	// ...then slow the tempo back down, leaving only the pitch moved.
	return timeStretch(shifted, rate, 1/ratio), rate, nil
}

// tempoStrategy changes speaking tempo while keeping pitch, using
// overlap-add time stretching.
type tempoStrategy struct {
	factor float64
}

func newTempo(p Params) (strategy, error) {
	factor, ok := p["factor"]
	if !ok {
		return nil, &InvalidParameterError{Strategy: "tempo", Param: "factor", Reason: "is required"}
	}
	if factor < minTempoFactor || factor > maxTempoFactor {
		return nil, &InvalidParameterError{
			Strategy: "tempo", Param: "factor", Value: factor,
			Reason: fmt.Sprintf("outside [%g, %g]", minTempoFactor, maxTempoFactor),
		}
	}
	return &tempoStrategy{factor: factor}, nil
}

func (s *tempoStrategy) tag() string { return fmt.Sprintf("tempo=%.2f", s.factor) }

func (s *tempoStrategy) apply(samples []float32, rate int, _ *rand.Rand) ([]float32, int, error) {
	return timeStretch(samples, rate, s.factor), rate, nil
}

// resample converts samples from inRate to outRate with the same
// high-quality converter the audio resampler uses. A short zero tail
// is appended before conversion to flush the converter's filter delay.
func resample(samples []float32, inRate, outRate float64) ([]float32, error) {
	conv, err := resampling.New(&resampling.Config{
		InputRate:  inRate,
		OutputRate: outRate,
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("create resampler: %w", err)
	}

	const tailMs = 20
	tail := int(inRate * tailMs / 1000)
	input := make([]float64, len(samples)+tail)
	for i, v := range samples {
		input[i] = float64(v)
	}

	output, err := conv.Process(input)
	if err != nil {
		return nil, fmt.Errorf("resample: %w", err)
	}

	want := int(float64(len(samples)) * outRate / inRate)
	if want > len(output) {
		want = len(output)
	}
	out := make([]float32, want)
	for i := 0; i < want; i++ {
		out[i] = float32(output[i])
	}
	return out, nil
}

// timeStretch changes duration by the given factor (>1 is faster,
// shorter output) without moving pitch, via windowed overlap-add.
// Frame and hop sizes follow common speech OLA settings (50ms frames,
// 50% synthesis overlap).
func timeStretch(samples []float32, rate int, factor float64) []float32 {
	if factor == 1 || len(samples) == 0 {
		out := make([]float32, len(samples))
		copy(out, samples)
		return out
	}

	frame := rate / 20 // 50ms
	if frame > len(samples) {
		frame = len(samples)
	}
	if frame < 32 {
		return append([]float32(nil), samples...)
	}
	synHop := frame / 2
	anaHop := int(float64(synHop) * factor)
	if anaHop < 1 {
		anaHop = 1
	}

	window := make([]float64, frame)
	for i := range window {
		window[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(frame-1))
	}

	outLen := int(float64(len(samples))/factor) + frame
	acc := make([]float64, outLen)
	norm := make([]float64, outLen)

	outPos := 0
	for inPos := 0; inPos+frame <= len(samples); inPos += anaHop {
		for i := 0; i < frame; i++ {
			if outPos+i >= outLen {
				break
			}
			w := window[i]
			acc[outPos+i] += float64(samples[inPos+i]) * w
			norm[outPos+i] += w
		}
		outPos += synHop
	}

	want := int(float64(len(samples)) / factor)
	if want > outPos+frame {
		want = outPos + frame
	}
	if want > outLen {
		want = outLen
	}
	out := make([]float32, want)
	for i := range out {
		if norm[i] > 1e-9 {
			out[i] = float32(acc[i] / norm[i])
		}
	}
	return out
}
