package samplepipeline

import (
	"sync/atomic"

	"github.com/xaionaro-go/audiomix/pkg/audio"
)

const silenceChunkFrames = 1024

// SilenceGenerator hands out zeroed audio in chunks of up to 1024 frames.
//
// AddSilence and HasRemaining may be called from any goroutine; Buffer
// belongs to the goroutine consuming the silence.
type SilenceGenerator struct {
	format audio.Format
	zeros  []byte
	chunk  *audio.Buffer

	// bytes not consumed yet, including the unconsumed part of chunk as
	// of the last Buffer call
	remaining atomic.Int64
	handedOut int
}

func NewSilenceGenerator(format audio.Format) *SilenceGenerator {
	return &SilenceGenerator{
		format: format,
		zeros:  make([]byte, silenceChunkFrames*format.BytesPerFrame()),
		chunk:  audio.EmptyBuffer(),
	}
}

// AddSilence schedules durationUs more of silence.
func (g *SilenceGenerator) AddSilence(durationUs int64) {
	frames := int64(g.format.SampleRate) * durationUs / audio.MicrosPerSecond
	g.remaining.Add(frames * int64(g.format.BytesPerFrame()))
}

// Buffer returns the current chunk of silence; the caller consumes it
// by advancing it. The returned buffer is empty once everything was
// consumed.
func (g *SilenceGenerator) Buffer() *audio.Buffer {
	g.remaining.Add(-int64(g.handedOut - g.chunk.Remaining()))
	if !g.chunk.HasRemaining() {
		size := len(g.zeros)
		if remaining := g.remaining.Load(); remaining < int64(size) {
			size = int(remaining)
		}
		g.chunk.Reset(g.zeros[:size])
	}
	g.handedOut = g.chunk.Remaining()
	return g.chunk
}

// HasRemaining reports whether some silence is not consumed yet. The
// consumption of a chunk is accounted on the next Buffer call.
func (g *SilenceGenerator) HasRemaining() bool {
	return g.remaining.Load() > 0
}
