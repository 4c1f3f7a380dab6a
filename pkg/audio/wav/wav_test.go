package wav

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"path/filepath"
	"testing"
)

func makeSine(freq float64, n, rate int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.5 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

func TestRoundTrip(t *testing.T) {
	const rate = 16000
	in := makeSine(440, rate/10, rate) // 100ms

	var buf bytes.Buffer
	if err := Encode(&buf, in, rate); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	out, gotRate, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if gotRate != rate {
		t.Errorf("sample rate = %d, want %d", gotRate, rate)
	}
	if len(out) != len(in) {
		t.Fatalf("got %d samples, want %d", len(out), len(in))
	}
	// 16-bit quantization error is at most 1/32767 per sample.
	for i := range in {
		if d := math.Abs(float64(in[i] - out[i])); d > 1.0/32000 {
			t.Fatalf("sample %d: |%f - %f| = %f too large", i, in[i], out[i], d)
		}
	}
}

func TestRoundTripFile(t *testing.T) {
	const rate = 8000
	path := filepath.Join(t.TempDir(), "tone.wav")
	in := makeSine(200, rate/4, rate)

	if err := EncodeFile(path, in, rate); err != nil {
		t.Fatalf("EncodeFile: %v", err)
	}
	out, gotRate, err := DecodeFile(path)
	if err != nil {
		t.Fatalf("DecodeFile: %v", err)
	}
	if gotRate != rate || len(out) != len(in) {
		t.Fatalf("got %d samples @ %d Hz, want %d @ %d", len(out), gotRate, len(in), rate)
	}
}

func TestDecodeStereoDownmix(t *testing.T) {
	// Hand-build a 2-channel file where L = 0.5, R = -0.5: the
	// downmix should be ~0.
	const rate = 16000
	const frames = 100
	var buf bytes.Buffer

	dataLen := frames * 2 * 2
	var hdr [44]byte
	copy(hdr[0:4], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(36+dataLen))
	copy(hdr[8:12], "WAVE")
	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 16)
	binary.LittleEndian.PutUint16(hdr[20:22], 1)
	binary.LittleEndian.PutUint16(hdr[22:24], 2) // stereo
	binary.LittleEndian.PutUint32(hdr[24:28], rate)
	binary.LittleEndian.PutUint32(hdr[28:32], rate*4)
	binary.LittleEndian.PutUint16(hdr[32:34], 4)
	binary.LittleEndian.PutUint16(hdr[34:36], 16)
	copy(hdr[36:40], "data")
	binary.LittleEndian.PutUint32(hdr[40:44], uint32(dataLen))
	buf.Write(hdr[:])
	for i := 0; i < frames; i++ {
		binary.Write(&buf, binary.LittleEndian, int16(16384))
		binary.Write(&buf, binary.LittleEndian, int16(-16384))
	}

	out, _, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(out) != frames {
		t.Fatalf("got %d frames, want %d", len(out), frames)
	}
	for i, s := range out {
		if math.Abs(float64(s)) > 1e-4 {
			t.Fatalf("frame %d: downmix = %f, want ~0", i, s)
		}
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"not riff", []byte("JUNKJUNKJUNKJUNK")},
		{"truncated", []byte("RIFF\x00\x00\x00\x00WAVE")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Decode(bytes.NewReader(tt.data))
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("expected *DecodeError, got %v", err)
			}
		})
	}
}

func TestDecodeFileMissing(t *testing.T) {
	_, _, err := DecodeFile(filepath.Join(t.TempDir(), "nope.wav"))
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("expected *DecodeError, got %v", err)
	}
	if de.Path == "" {
		t.Error("expected Path to be set")
	}
}
