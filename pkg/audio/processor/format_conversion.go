package processor

import (
	"context"
	"fmt"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/audiomix/pkg/audio"
	"github.com/xaionaro-go/audiomix/pkg/audio/resampler"
)

// formatConversion runs a resampler between the input format and the
// format returned by targetFormat.
type formatConversion struct {
	Base
	targetFormat func(in audio.Format) audio.Format
	resampler    *resampler.Resampler
}

func (p *formatConversion) Configure(
	ctx context.Context,
	inputFormat audio.Format,
) (audio.Format, error) {
	if err := checkInputFormat(inputFormat); err != nil {
		return audio.FormatNotSet, err
	}
	out := p.targetFormat(inputFormat)
	if out == inputFormat {
		p.stageFormats(audio.FormatNotSet, audio.FormatNotSet)
		return inputFormat, nil
	}
	if _, err := resampler.New(inputFormat, out); err != nil {
		return audio.FormatNotSet, err
	}
	p.stageFormats(inputFormat, out)
	return out, nil
}

func (p *formatConversion) QueueInput(
	ctx context.Context,
	input *audio.Buffer,
) {
	if !input.HasRemaining() {
		return
	}
	out := p.replaceOutputBuffer(p.resampler.MaxOutputSize(input.Remaining()))
	consumed, produced := p.resampler.Resample(out, input.Bytes())
	input.Advance(consumed)
	p.setOutput(out[:produced])
}

func (p *formatConversion) QueueEndOfStream(ctx context.Context) {
	p.markInputEnded()
}

func (p *formatConversion) Flush(
	ctx context.Context,
	metadata StreamMetadata,
) {
	p.flushBase()
	p.resampler = nil
	if p.outputFormat == audio.FormatNotSet {
		return
	}
	r, err := resampler.New(p.inputFormat, p.outputFormat)
	if err != nil {
		// Configure already validated this pair of formats.
		panic(fmt.Errorf("unable to create a resampler: %w", err))
	}
	logger.Tracef(ctx, "format conversion %s -> %s", p.inputFormat, p.outputFormat)
	p.resampler = r
}

func (p *formatConversion) Reset(ctx context.Context) {
	p.resetBase()
	p.resampler = nil
}

// SampleRate converts the stream to a fixed sample rate.
type SampleRate struct {
	formatConversion
}

var _ Processor = (*SampleRate)(nil)

func NewSampleRate(outputSampleRate audio.SampleRate) *SampleRate {
	return &SampleRate{
		formatConversion: formatConversion{
			targetFormat: func(in audio.Format) audio.Format {
				in.SampleRate = outputSampleRate
				return in
			},
		},
	}
}

// EncodingConversion converts the samples to a fixed PCM format.
type EncodingConversion struct {
	formatConversion
}

var _ Processor = (*EncodingConversion)(nil)

func NewEncodingConversion(outputPCMFormat audio.PCMFormat) *EncodingConversion {
	return &EncodingConversion{
		formatConversion: formatConversion{
			targetFormat: func(in audio.Format) audio.Format {
				in.PCMFormat = outputPCMFormat
				return in
			},
		},
	}
}
