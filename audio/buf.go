package audio

import (
	"fmt"
	"io"
	"time"
)

// ChunkSize returns the byte size of an audio chunk covering sampleDuration
// at the given rate.
func ChunkSize(sampleRate int, sampleDuration time.Duration, bytesPerSample, channels int) int {
	frames := int(float64(sampleRate) * sampleDuration.Seconds())
	return frames * bytesPerSample * channels
}

// FixedChunkReader re-slices an underlying reader into fixed-size chunks so
// that every Read (except the last before EOF) returns a full chunk.
type FixedChunkReader struct {
	r         io.Reader
	buf       []byte
	chunkSize int
	eof       bool
}

func NewFixedChunkReader(r io.Reader, chunkSize int) *FixedChunkReader {
	return &FixedChunkReader{
		r:         r,
		chunkSize: chunkSize,
		buf:       make([]byte, 0, chunkSize*2),
	}
}

// NewFixedAudioChunkReader sizes the chunk to hold `latency` worth of PCM
// audio at the given sample rate.
func NewFixedAudioChunkReader(r io.Reader, sampleRate int, latency time.Duration, bytesPerSample, channels int) *FixedChunkReader {
	return NewFixedChunkReader(r, ChunkSize(sampleRate, latency, bytesPerSample, channels))
}

func (f *FixedChunkReader) Read(p []byte) (int, error) {
	if len(p) < f.chunkSize {
		return 0, fmt.Errorf("buffer passed to Read must be at least %d bytes", f.chunkSize)
	}

	// Fill internal buffer until a full chunk is available or EOF.
	for len(f.buf) < f.chunkSize && !f.eof {
		tmp := make([]byte, f.chunkSize)
		n, err := f.r.Read(tmp)
		if n > 0 {
			f.buf = append(f.buf, tmp[:n]...)
		}
		if err == io.EOF {
			f.eof = true
			break
		}
		if err != nil {
			return 0, err
		}
	}

	if len(f.buf) == 0 && f.eof {
		return 0, io.EOF
	}

	n := f.chunkSize
	if len(f.buf) < f.chunkSize {
		n = len(f.buf)
	}

	copy(p, f.buf[:n])
	f.buf = f.buf[n:]

	return n, nil
}
