package feature

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/cmplx"
)

// ErrTooShort is reported (wrapped in [*ExtractionError] by the cache)
// when audio is shorter than one analysis frame.
var ErrTooShort = errors.New("feature: audio shorter than one frame")

// FbankConfig configures the log-mel filterbank extractor.
type FbankConfig struct {
	NumMels       int     // mel channels per frame (default 40)
	FrameLength   float64 // analysis window in seconds (default 0.025)
	FrameShift    float64 // hop in seconds (default 0.010)
	PreEmphasis   float64 // pre-emphasis coefficient (default 0.97)
	EnergyFloor   float64 // floor for log energies (default 1e-10)
	LowFrequency  float64 // filterbank lower edge in Hz (default 20)
	HighFrequency float64 // upper edge in Hz; 0 means Nyquist
}

// DefaultFbankConfig returns the default 40-mel configuration.
func DefaultFbankConfig() FbankConfig {
	return FbankConfig{
		NumMels:      40,
		FrameLength:  0.025,
		FrameShift:   0.010,
		PreEmphasis:  0.97,
		EnergyFloor:  1e-10,
		LowFrequency: 20,
	}
}

// Fbank is the built-in frozen representation model: log-mel
// filterbank frames. It is deterministic, stateless and safe for
// concurrent use.
type Fbank struct {
	cfg FbankConfig
}

// NewFbank creates a filterbank extractor. Zero config fields take
// their defaults.
func NewFbank(cfg FbankConfig) *Fbank {
	def := DefaultFbankConfig()
	if cfg.NumMels == 0 {
		cfg.NumMels = def.NumMels
	}
	if cfg.FrameLength == 0 {
		cfg.FrameLength = def.FrameLength
	}
	if cfg.FrameShift == 0 {
		cfg.FrameShift = def.FrameShift
	}
	if cfg.PreEmphasis == 0 {
		cfg.PreEmphasis = def.PreEmphasis
	}
	if cfg.EnergyFloor == 0 {
		cfg.EnergyFloor = def.EnergyFloor
	}
	if cfg.LowFrequency == 0 {
		cfg.LowFrequency = def.LowFrequency
	}
	return &Fbank{cfg: cfg}
}

// Dimension returns the mel channel count.
func (f *Fbank) Dimension() int { return f.cfg.NumMels }

// Version identifies this extractor configuration in cache keys.
func (f *Fbank) Version() string {
	return fmt.Sprintf("fbank-v1-m%d-w%.0fms", f.cfg.NumMels, f.cfg.FrameLength*1000)
}

// Extract computes log-mel filterbank frames.
func (f *Fbank) Extract(ctx context.Context, samples []float32, sampleRate int) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("feature: invalid sample rate %d", sampleRate)
	}

	frameLen := int(f.cfg.FrameLength * float64(sampleRate))
	frameShift := int(f.cfg.FrameShift * float64(sampleRate))
	if len(samples) < frameLen || frameLen == 0 {
		return nil, ErrTooShort
	}

	// Copy to float64 with pre-emphasis.
	x := make([]float64, len(samples))
	for i, v := range samples {
		x[i] = float64(v)
	}
	if f.cfg.PreEmphasis > 0 {
		for i := len(x) - 1; i > 0; i-- {
			x[i] -= f.cfg.PreEmphasis * x[i-1]
		}
		x[0] *= 1 - f.cfg.PreEmphasis
	}

	numFrames := (len(x)-frameLen)/frameShift + 1
	fftSize := nextPow2(frameLen)
	halfFFT := fftSize/2 + 1

	window := hammingWindow(frameLen)
	high := f.cfg.HighFrequency
	if high == 0 {
		high = float64(sampleRate) / 2
	}
	filterbank := melFilterbank(f.cfg.NumMels, fftSize, sampleRate, f.cfg.LowFrequency, high)

	out := make([][]float32, numFrames)
	buf := make([]complex128, fftSize)
	for fr := 0; fr < numFrames; fr++ {
		// Cancellation check on a coarse grain; frames are cheap.
		if fr%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		off := fr * frameShift
		for i := range buf {
			buf[i] = 0
		}
		for i := 0; i < frameLen; i++ {
			buf[i] = complex(x[off+i]*window[i], 0)
		}
		fft(buf)

		power := make([]float64, halfFFT)
		for k := 0; k < halfFFT; k++ {
			re, im := real(buf[k]), imag(buf[k])
			power[k] = re*re + im*im
		}

		frame := make([]float32, f.cfg.NumMels)
		for m := 0; m < f.cfg.NumMels; m++ {
			var energy float64
			for k, w := range filterbank[m] {
				energy += w * power[k]
			}
			if energy < f.cfg.EnergyFloor {
				energy = f.cfg.EnergyFloor
			}
			frame[m] = float32(math.Log(energy))
		}
		out[fr] = frame
	}
	return out, nil
}

// nextPow2 returns the smallest power of 2 >= n.
func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func hammingWindow(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return w
}

func hzToMel(hz float64) float64 {
	return 2595.0 * math.Log10(1.0+hz/700.0)
}

func melToHz(mel float64) float64 {
	return 700.0 * (math.Pow(10.0, mel/2595.0) - 1.0)
}

// melFilterbank computes triangular mel filter weights,
// [numMels][halfFFT].
func melFilterbank(numMels, fftSize, sampleRate int, lowHz, highHz float64) [][]float64 {
	halfFFT := fftSize/2 + 1
	melLow := hzToMel(lowHz)
	melHigh := hzToMel(highHz)

	melPoints := make([]float64, numMels+2)
	for i := range melPoints {
		melPoints[i] = melLow + (melHigh-melLow)*float64(i)/float64(numMels+1)
	}
	bins := make([]int, numMels+2)
	for i, mel := range melPoints {
		hz := melToHz(mel)
		bins[i] = int(math.Floor((float64(fftSize) + 1) * hz / float64(sampleRate)))
		if bins[i] > halfFFT-1 {
			bins[i] = halfFFT - 1
		}
	}

	fb := make([][]float64, numMels)
	for m := 0; m < numMels; m++ {
		fb[m] = make([]float64, halfFFT)
		left, center, right := bins[m], bins[m+1], bins[m+2]
		for k := left; k < center; k++ {
			if center > left {
				fb[m][k] = float64(k-left) / float64(center-left)
			}
		}
		for k := center; k < right; k++ {
			if right > center {
				fb[m][k] = float64(right-k) / float64(right-center)
			}
		}
	}
	return fb
}

// fft computes the in-place Cooley-Tukey FFT. The input length must be
// a power of 2.
func fft(x []complex128) {
	n := len(x)
	if n <= 1 {
		return
	}

	// Bit-reversal permutation.
	j := 0
	for i := 1; i < n; i++ {
		bit := n >> 1
		for j&bit != 0 {
			j ^= bit
			bit >>= 1
		}
		j ^= bit
		if i < j {
			x[i], x[j] = x[j], x[i]
		}
	}

	// Butterfly passes.
	for size := 2; size <= n; size <<= 1 {
		half := size / 2
		wn := cmplx.Exp(complex(0, -2*math.Pi/float64(size)))
		for start := 0; start < n; start += size {
			w := complex(1, 0)
			for k := 0; k < half; k++ {
				u := x[start+k]
				t := w * x[start+k+half]
				x[start+k] = u + t
				x[start+k+half] = u - t
				w *= wn
			}
		}
	}
}
