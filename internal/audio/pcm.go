package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrEmptyPCM     = errors.New("empty pcm payload")
	ErrOddPCMLength = errors.New("pcm16 payload has odd byte length")
)

// EncodePCM16LE converts float samples in [-1, 1] to 16-bit little-endian PCM.
// Out-of-range samples are clipped.
func EncodePCM16LE(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	PutPCM16LE(out, samples)
	return out
}

// PutPCM16LE encodes samples into dst without allocating and returns the
// number of bytes written. Samples that do not fit in dst are dropped.
func PutPCM16LE(dst []byte, samples []float32) int {
	if room := len(dst) / 2; len(samples) > room {
		samples = samples[:room]
	}
	for i, s := range samples {
		v := float64(s)
		if math.IsNaN(v) {
			v = 0
		}
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		var n int16
		if v < 0 {
			n = int16(v * 0x8000)
		} else {
			n = int16(v * 0x7fff)
		}
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(n))
	}
	return len(samples) * 2
}

// DecodePCM16LE converts 16-bit little-endian PCM to float samples in [-1, 1).
func DecodePCM16LE(pcm []byte) ([]float32, error) {
	if len(pcm) == 0 {
		return nil, ErrEmptyPCM
	}
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrOddPCMLength, len(pcm))
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		n := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float32(n) / 0x8000
	}
	return out, nil
}

// Duration returns the play time of n mono samples at sampleRate.
func Duration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(sampleRate)
}

// SampleIndex maps a play offset to the nearest sample position. Rounding
// keeps offsets built by summing Duration values on sample boundaries.
func SampleIndex(d time.Duration, sampleRate int) int64 {
	if sampleRate <= 0 || d <= 0 {
		return 0
	}
	return int64((d*time.Duration(sampleRate) + time.Second/2) / time.Second)
}
