package audio

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/faiface/beep"
)

// PCMStreamer adapts little-endian PCM16 mono bytes to a beep streamer,
// duplicating the mono channel to stereo.
type PCMStreamer struct {
	data []int16
	pos  int
}

func NewPCMStreamer(b []byte) *PCMStreamer {
	samples := make([]int16, len(b)/2)
	for i := 0; i < len(samples); i++ {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return &PCMStreamer{data: samples}
}

func (s *PCMStreamer) Stream(samples [][2]float64) (n int, ok bool) {
	for i := range samples {
		if s.pos >= len(s.data) {
			return i, false
		}
		val := float64(s.data[s.pos]) / 32768.0
		samples[i][0] = val
		samples[i][1] = val
		s.pos++
	}
	return len(samples), true
}

func (s *PCMStreamer) Err() error { return nil }

// ResamplePCM converts PCM16 mono audio between sample rates.
func ResamplePCM(pcmData []byte, fromRate, toRate int) ([]byte, error) {
	if fromRate == toRate {
		out := make([]byte, len(pcmData))
		copy(out, pcmData)
		return out, nil
	}

	streamer := NewPCMStreamer(pcmData)
	resampler := beep.Resample(3, beep.SampleRate(fromRate), beep.SampleRate(toRate), streamer)

	buf := new(bytes.Buffer)
	sample := make([][2]float64, 1024)

	for {
		n, ok := resampler.Stream(sample)
		for i := 0; i < n; i++ {
			mono := (sample[i][0] + sample[i][1]) / 2.0
			// Sinc interpolation can overshoot full scale; clamp so the
			// int16 conversion never wraps.
			if mono > 1 {
				mono = 1
			} else if mono < -1 {
				mono = -1
			}
			if err := binary.Write(buf, binary.LittleEndian, int16(mono*32767)); err != nil {
				return nil, err
			}
		}
		if !ok {
			break
		}
	}

	return buf.Bytes(), nil
}

// ResampleWriter resamples every written PCM16 chunk from FromRate to ToRate
// before passing it on to Sink.
type ResampleWriter struct {
	Sink     io.Writer
	FromRate int
	ToRate   int
}

func (w *ResampleWriter) Write(p []byte) (int, error) {
	out, err := ResamplePCM(p, w.FromRate, w.ToRate)
	if err != nil {
		return 0, err
	}
	if _, err := w.Sink.Write(out); err != nil {
		return 0, err
	}
	return len(p), nil
}
