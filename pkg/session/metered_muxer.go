package session

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/xaionaro-go/audiomix/pkg/audio"
	"github.com/xaionaro-go/audiomix/pkg/audio/samplepipeline"
	"golang.org/x/time/rate"
)

// meteredMuxer counts the written audio and, if limiter is set, paces
// the writes to it.
type meteredMuxer struct {
	samplepipeline.Muxer
	format       audio.Format
	limiter      *rate.Limiter
	bytesWritten atomic.Int64
}

var _ samplepipeline.Muxer = (*meteredMuxer)(nil)

func newMeteredMuxer(
	muxer samplepipeline.Muxer,
	format audio.Format,
) *meteredMuxer {
	return &meteredMuxer{
		Muxer:  muxer,
		format: format,
	}
}

func (m *meteredMuxer) WriteSample(
	ctx context.Context,
	data []byte,
	presentationTimeUs int64,
	keyFrame bool,
) (bool, error) {
	if m.limiter != nil {
		if err := m.limiter.WaitN(ctx, len(data)); err != nil {
			return false, fmt.Errorf("unable to wait for the rate limiter: %w", err)
		}
	}
	written, err := m.Muxer.WriteSample(ctx, data, presentationTimeUs, keyFrame)
	if written {
		m.bytesWritten.Add(int64(len(data)))
	}
	return written, err
}

func (m *meteredMuxer) durationUs() int64 {
	bpf := m.format.BytesPerFrame()
	if bpf == 0 {
		return 0
	}
	return audio.FramesToDurationUs(m.bytesWritten.Load()/int64(bpf), m.format.SampleRate)
}
