package sink

import (
	"context"
	"fmt"
	"io"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/audiomix/pkg/audio"
	"github.com/xaionaro-go/audiomix/pkg/audio/samplepipeline"
)

// RawMuxer writes the samples of a single track one after another,
// without any container.
type RawMuxer struct {
	Writer io.Writer

	format       audio.Format
	lastTimeUs   int64
	bytesWritten int64
	trackAdded   bool
	trackEnded   bool
}

var _ samplepipeline.Muxer = (*RawMuxer)(nil)

func NewRawMuxer(w io.Writer) *RawMuxer {
	return &RawMuxer{
		Writer:     w,
		lastTimeUs: audio.TimeUnset,
	}
}

func (m *RawMuxer) AddTrack(
	ctx context.Context,
	format audio.Format,
) error {
	if m.trackAdded {
		return fmt.Errorf("only one track is supported")
	}
	logger.Debugf(ctx, "raw track: %s", format)
	m.format = format
	m.trackAdded = true
	return nil
}

// Format returns the format of the written track.
func (m *RawMuxer) Format() audio.Format {
	return m.format
}

func (m *RawMuxer) BytesWritten() int64 {
	return m.bytesWritten
}

func (m *RawMuxer) WriteSample(
	ctx context.Context,
	data []byte,
	presentationTimeUs int64,
	keyFrame bool,
) (bool, error) {
	checkSample(m.trackAdded, m.trackEnded, m.lastTimeUs, presentationTimeUs)
	m.lastTimeUs = presentationTimeUs
	n, err := m.Writer.Write(data)
	m.bytesWritten += int64(n)
	if err != nil {
		return false, fmt.Errorf("unable to write %d bytes: %w", len(data), err)
	}
	return true, nil
}

func (m *RawMuxer) EndTrack(ctx context.Context) error {
	if m.trackEnded {
		return fmt.Errorf("the track is already ended")
	}
	m.trackEnded = true
	return nil
}

func checkSample(
	trackAdded bool,
	trackEnded bool,
	lastTimeUs int64,
	timeUs int64,
) {
	if !trackAdded {
		panic(fmt.Errorf("a sample is written before the track is added"))
	}
	if trackEnded {
		panic(fmt.Errorf("a sample is written after the track ended"))
	}
	if lastTimeUs != audio.TimeUnset && timeUs < lastTimeUs {
		panic(fmt.Errorf("the sample timestamps are not monotonic: %d < %d", timeUs, lastTimeUs))
	}
}
