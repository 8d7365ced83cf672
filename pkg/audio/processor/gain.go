package processor

import (
	"context"

	"github.com/xaionaro-go/audiomix/pkg/audio"
	"github.com/xaionaro-go/audiomix/pkg/audio/pcm"
)

// Gain multiplies every sample by a constant factor.
type Gain struct {
	Base
	gain float64
}

var _ Processor = (*Gain)(nil)

func NewGain(gain float64) *Gain {
	return &Gain{gain: gain}
}

func (p *Gain) Configure(
	ctx context.Context,
	inputFormat audio.Format,
) (audio.Format, error) {
	if err := checkInputFormat(inputFormat); err != nil {
		return audio.FormatNotSet, err
	}
	if p.gain == 1 {
		p.stageFormats(audio.FormatNotSet, audio.FormatNotSet)
		return inputFormat, nil
	}
	p.stageFormats(inputFormat, inputFormat)
	return inputFormat, nil
}

func (p *Gain) QueueInput(
	ctx context.Context,
	input *audio.Buffer,
) {
	bytesPerFrame := p.inputFormat.BytesPerFrame()
	size := input.Remaining() / bytesPerFrame * bytesPerFrame
	if size == 0 {
		return
	}
	f := p.inputFormat.PCMFormat
	sampleSize := int(f.Size())
	out := p.replaceOutputBuffer(size)
	src := input.Bytes()
	for offset := 0; offset < size; offset += sampleSize {
		pcm.PutSample(f, out[offset:], pcm.Sample(f, src[offset:])*p.gain)
	}
	input.Advance(size)
}

func (p *Gain) QueueEndOfStream(ctx context.Context) {
	p.markInputEnded()
}

func (p *Gain) Flush(
	ctx context.Context,
	metadata StreamMetadata,
) {
	p.flushBase()
}

func (p *Gain) Reset(ctx context.Context) {
	p.resetBase()
}
