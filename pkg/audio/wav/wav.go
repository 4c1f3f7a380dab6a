// Package wav decodes and encodes PCM WAV files.
//
// The pipeline consumes recordings as mono float32 sample slices in
// [-1, 1]. Decode handles 16-bit PCM RIFF/WAVE files, downmixing
// stereo to mono. Anything else (compressed formats, 24-bit, broken
// headers) fails with a [*DecodeError].
//
// Encode exists for tests and for dumping augmented audio; it writes
// 16-bit PCM mono.
package wav

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// DecodeError reports a malformed or unsupported WAV file.
type DecodeError struct {
	Path   string // empty when decoding from a reader
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("wav: decode %s: %s", e.Path, e.Reason)
	}
	return "wav: decode: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

const (
	formatPCM = 1

	riffHeaderSize = 12
)

// Decode reads a RIFF/WAVE stream and returns mono float32 samples in
// [-1, 1] and the sample rate. Only 16-bit PCM is supported; stereo
// input is downmixed by averaging channels.
func Decode(r io.Reader) ([]float32, int, error) {
	var hdr [riffHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, 0, &DecodeError{Reason: "short RIFF header", Err: err}
	}
	if string(hdr[0:4]) != "RIFF" || string(hdr[8:12]) != "WAVE" {
		return nil, 0, &DecodeError{Reason: "not a RIFF/WAVE stream"}
	}

	var (
		sampleRate int
		channels   int
		bitsPer    int
		haveFmt    bool
	)

	// Walk chunks until the data chunk. fmt must precede data.
	for {
		var chunk [8]byte
		if _, err := io.ReadFull(r, chunk[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, 0, &DecodeError{Reason: "no data chunk", Err: err}
			}
			return nil, 0, &DecodeError{Reason: "truncated chunk header", Err: err}
		}
		id := string(chunk[0:4])
		size := binary.LittleEndian.Uint32(chunk[4:8])

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, &DecodeError{Reason: "fmt chunk too small"}
			}
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return nil, 0, &DecodeError{Reason: "truncated fmt chunk", Err: err}
			}
			format := int(binary.LittleEndian.Uint16(body[0:2]))
			if format != formatPCM {
				return nil, 0, &DecodeError{Reason: fmt.Sprintf("unsupported format tag %d (want PCM)", format)}
			}
			channels = int(binary.LittleEndian.Uint16(body[2:4]))
			sampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			bitsPer = int(binary.LittleEndian.Uint16(body[14:16]))
			if channels < 1 || channels > 2 {
				return nil, 0, &DecodeError{Reason: fmt.Sprintf("unsupported channel count %d", channels)}
			}
			if bitsPer != 16 {
				return nil, 0, &DecodeError{Reason: fmt.Sprintf("unsupported bit depth %d (want 16)", bitsPer)}
			}
			if sampleRate <= 0 {
				return nil, 0, &DecodeError{Reason: "invalid sample rate"}
			}
			haveFmt = true

		case "data":
			if !haveFmt {
				return nil, 0, &DecodeError{Reason: "data chunk before fmt chunk"}
			}
			raw := make([]byte, size)
			if _, err := io.ReadFull(r, raw); err != nil {
				return nil, 0, &DecodeError{Reason: "truncated data chunk", Err: err}
			}
			return pcm16ToFloat(raw, channels), sampleRate, nil

		default:
			// Skip unknown chunks (LIST, fact, ...). Chunks are
			// word-aligned; odd sizes carry a pad byte.
			skip := int64(size)
			if size%2 == 1 {
				skip++
			}
			if _, err := io.CopyN(io.Discard, r, skip); err != nil {
				return nil, 0, &DecodeError{Reason: "truncated " + id + " chunk", Err: err}
			}
		}
	}
}

// DecodeFile decodes the WAV file at path.
func DecodeFile(path string) ([]float32, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, &DecodeError{Path: path, Reason: "open failed", Err: err}
	}
	defer f.Close()
	samples, rate, err := Decode(f)
	if err != nil {
		var de *DecodeError
		if errors.As(err, &de) {
			de.Path = path
		}
		return nil, 0, err
	}
	return samples, rate, nil
}

// Encode writes samples as a 16-bit PCM mono WAV stream.
func Encode(w io.Writer, samples []float32, sampleRate int) error {
	dataLen := len(samples) * 2
	var hdr [44]byte
	copy(hdr[0:4], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(36+dataLen))
	copy(hdr[8:12], "WAVE")
	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 16)
	binary.LittleEndian.PutUint16(hdr[20:22], formatPCM)
	binary.LittleEndian.PutUint16(hdr[22:24], 1) // mono
	binary.LittleEndian.PutUint32(hdr[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(hdr[28:32], uint32(sampleRate*2)) // byte rate
	binary.LittleEndian.PutUint16(hdr[32:34], 2)                    // block align
	binary.LittleEndian.PutUint16(hdr[34:36], 16)                   // bits per sample
	copy(hdr[36:40], "data")
	binary.LittleEndian.PutUint32(hdr[40:44], uint32(dataLen))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}

	buf := make([]byte, dataLen)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(clampPCM16(s)))
	}
	_, err := w.Write(buf)
	return err
}

// EncodeFile writes samples to a 16-bit PCM mono WAV file at path.
func EncodeFile(path string, samples []float32, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Encode(f, samples, sampleRate); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// pcm16ToFloat converts interleaved PCM16 little-endian bytes to mono
// float32 samples, averaging channels when there is more than one.
func pcm16ToFloat(raw []byte, channels int) []float32 {
	frames := len(raw) / 2 / channels
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for c := 0; c < channels; c++ {
			off := (i*channels + c) * 2
			s := int16(binary.LittleEndian.Uint16(raw[off:]))
			sum += float64(s)
		}
		out[i] = float32(sum / float64(channels) / 32768.0)
	}
	return out
}

func clampPCM16(s float32) int16 {
	v := s * 32767
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	default:
		return int16(v)
	}
}
