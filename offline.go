package rtkernel

import (
	"fmt"
	"io"
	"math"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// RenderSamples renders seconds of the chain as interleaved stereo.
func RenderSamples(c *Chain, seconds float64) ([]float32, error) {
	if seconds <= 0 || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return nil, fmt.Errorf("render length %v: must be positive", seconds)
	}
	frames := int(c.SampleRate() * seconds)
	out := make([]float32, frames*2)
	c.Process(out)
	if err := c.Err(); err != nil {
		return nil, fmt.Errorf("render: %w", err)
	}
	return out, nil
}

// WriteWAV encodes interleaved float samples as 16-bit PCM. Samples outside
// [-1, 1] are clipped.
func WriteWAV(w io.WriteSeeker, samples []float32, sampleRate, channels int) error {
	if sampleRate <= 0 || channels <= 0 {
		return fmt.Errorf("wav format: sampleRate=%d channels=%d", sampleRate, channels)
	}
	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(math.Round(float64(max(-1, min(1, s))) * math.MaxInt16))
	}
	buf := &audio.IntBuffer{
		Format:         &audio.Format{SampleRate: sampleRate, NumChannels: channels},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finalize wav: %w", err)
	}
	return nil
}
