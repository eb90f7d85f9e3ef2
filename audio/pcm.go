// Package audio holds the PCM16 codec helpers shared by the relay and the
// realtime client: float sample conversion, base64 framing for JSON payloads
// and millisecond/sample index math.
package audio

import (
	"encoding/base64"
	"encoding/binary"
)

// DefaultFrequency is the sample rate used for conversation input audio.
const DefaultFrequency = 16_000

// SamplesToPCM16 converts normalized float samples to 16-bit PCM.
// Out-of-range inputs are clamped to [-1, 1], never rejected.
func SamplesToPCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		out[i] = int16(s * 32767)
	}
	return out
}

// SamplesToBytes converts normalized float samples to little-endian PCM16 bytes.
func SamplesToBytes(samples []float32) []byte {
	pcm := SamplesToPCM16(samples)
	out := make([]byte, len(pcm)*2)
	for i, v := range pcm {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// EncodeBase64 encodes raw PCM bytes for embedding in a JSON event.
func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// EncodeSamplesBase64 PCM16-encodes float samples and then base64-encodes them.
func EncodeSamplesBase64(samples []float32) string {
	return EncodeBase64(SamplesToBytes(samples))
}

// DecodeBase64 decodes a base64 audio payload back to raw bytes.
func DecodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// SampleIndex converts a millisecond offset to a sample index at the given rate.
func SampleIndex(ms, sampleRate int) int {
	return ms * sampleRate / 1000
}

// ByteIndex converts a millisecond offset to a byte offset in a PCM16 stream.
func ByteIndex(ms, sampleRate int) int {
	return SampleIndex(ms, sampleRate) * 2
}
