package processor

import (
	"context"
	"fmt"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/audiomix/pkg/audio"
)

const silenceChunkFrames = 4096

// SilenceAppending passes audio through and, on end of stream, pads it
// with silence up to the expected duration. It never truncates.
type SilenceAppending struct {
	Base
	expectedDurationUs     int64
	framesCopied           int64
	silenceFramesRemaining int64
}

var _ Processor = (*SilenceAppending)(nil)

func NewSilenceAppending() *SilenceAppending {
	return &SilenceAppending{
		expectedDurationUs: audio.TimeUnset,
	}
}

// SetExpectedDurationUs sets the duration the stream is padded to;
// audio.TimeUnset disables padding. It takes effect on the next Flush.
func (p *SilenceAppending) SetExpectedDurationUs(durationUs int64) {
	p.expectedDurationUs = durationUs
}

func (p *SilenceAppending) ExpectedDurationUs() int64 {
	return p.expectedDurationUs
}

func (p *SilenceAppending) Configure(
	ctx context.Context,
	inputFormat audio.Format,
) (audio.Format, error) {
	if err := checkInputFormat(inputFormat); err != nil {
		return audio.FormatNotSet, err
	}
	p.stageFormats(inputFormat, inputFormat)
	return inputFormat, nil
}

func (p *SilenceAppending) IsActive() bool {
	return p.Base.IsActive() && p.expectedDurationUs != audio.TimeUnset
}

func (p *SilenceAppending) QueueInput(
	ctx context.Context,
	input *audio.Buffer,
) {
	if !input.HasRemaining() {
		return
	}
	if p.inputEnded {
		panic(fmt.Errorf("input is queued after the end of stream"))
	}
	bytesPerFrame := p.inputFormat.BytesPerFrame()
	size := input.Remaining() / bytesPerFrame * bytesPerFrame
	if size == 0 {
		return
	}
	out := p.replaceOutputBuffer(size)
	copy(out, input.Bytes()[:size])
	input.Advance(size)
	p.framesCopied += int64(size / bytesPerFrame)
}

func (p *SilenceAppending) QueueEndOfStream(ctx context.Context) {
	if p.inputEnded {
		return
	}
	p.markInputEnded()
	if p.expectedDurationUs == audio.TimeUnset {
		return
	}
	expectedFrames := audio.DurationUsToFrames(p.expectedDurationUs, p.inputFormat.SampleRate)
	if p.framesCopied < expectedFrames {
		p.silenceFramesRemaining = expectedFrames - p.framesCopied
	}
	logger.Tracef(ctx, "SilenceAppending: copied %d frames, appending %d silent frames", p.framesCopied, p.silenceFramesRemaining)
}

func (p *SilenceAppending) GetOutput(ctx context.Context) *audio.Buffer {
	if !p.outputBuffer.HasRemaining() && p.silenceFramesRemaining > 0 {
		frames := min(p.silenceFramesRemaining, silenceChunkFrames)
		p.replaceOutputBuffer(int(frames) * p.inputFormat.BytesPerFrame())
		p.silenceFramesRemaining -= frames
		p.framesCopied += frames
	}
	return p.Base.GetOutput(ctx)
}

func (p *SilenceAppending) IsEnded() bool {
	return p.silenceFramesRemaining == 0 && p.Base.IsEnded()
}

func (p *SilenceAppending) Flush(
	ctx context.Context,
	metadata StreamMetadata,
) {
	if metadata.PositionOffsetUs != 0 && p.expectedDurationUs != audio.TimeUnset {
		panic(fmt.Errorf("silence appending does not support seeking: position offset %d with expected duration %d", metadata.PositionOffsetUs, p.expectedDurationUs))
	}
	p.flushBase()
	p.framesCopied = 0
	p.silenceFramesRemaining = 0
}

func (p *SilenceAppending) Reset(ctx context.Context) {
	p.resetBase()
	p.framesCopied = 0
	p.silenceFramesRemaining = 0
	p.expectedDurationUs = audio.TimeUnset
}
