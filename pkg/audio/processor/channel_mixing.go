package processor

import (
	"context"
	"fmt"

	"github.com/xaionaro-go/audiomix/pkg/audio"
	"github.com/xaionaro-go/audiomix/pkg/audio/pcm"
)

// ChannelMixing changes the channel count using a matrix chosen by the
// input channel count. The sample encoding is kept.
type ChannelMixing struct {
	Base
	matrices      map[audio.Channel]audio.ChannelMixingMatrix
	pendingMatrix audio.ChannelMixingMatrix
	matrix        audio.ChannelMixingMatrix
	inSamples     []float32
}

var _ Processor = (*ChannelMixing)(nil)

func NewChannelMixing(matrices ...audio.ChannelMixingMatrix) *ChannelMixing {
	p := &ChannelMixing{
		matrices: map[audio.Channel]audio.ChannelMixingMatrix{},
	}
	for _, m := range matrices {
		p.PutMatrix(m)
	}
	return p
}

// NewChannelMixingTo returns a processor converting mono and stereo
// input to the given channel count with constant gain.
func NewChannelMixingTo(outputChannels audio.Channel) (*ChannelMixing, error) {
	p := NewChannelMixing()
	for _, in := range []audio.Channel{1, 2} {
		m, err := audio.NewConstantGainChannelMixingMatrix(in, outputChannels)
		if err != nil {
			return nil, fmt.Errorf("unable to build the matrix %d -> %d: %w", in, outputChannels, err)
		}
		p.PutMatrix(m)
	}
	return p, nil
}

func (p *ChannelMixing) PutMatrix(m audio.ChannelMixingMatrix) {
	p.matrices[m.InputChannels] = m
}

func (p *ChannelMixing) Configure(
	ctx context.Context,
	inputFormat audio.Format,
) (audio.Format, error) {
	if err := checkInputFormat(inputFormat); err != nil {
		return audio.FormatNotSet, err
	}
	m, ok := p.matrices[inputFormat.Channels]
	if !ok {
		return audio.FormatNotSet, audio.NewUnhandledFormatError(inputFormat, "no channel mixing matrix for %d input channels", inputFormat.Channels)
	}
	if m.IsIdentity() {
		p.stageFormats(audio.FormatNotSet, audio.FormatNotSet)
		return inputFormat, nil
	}
	p.pendingMatrix = m
	out := inputFormat
	out.Channels = m.OutputChannels
	p.stageFormats(inputFormat, out)
	return out, nil
}

func (p *ChannelMixing) QueueInput(
	ctx context.Context,
	input *audio.Buffer,
) {
	inFrameSize := p.inputFormat.BytesPerFrame()
	frames := input.Remaining() / inFrameSize
	if frames == 0 {
		return
	}
	inChannels, outChannels := int(p.matrix.InputChannels), int(p.matrix.OutputChannels)
	if cap(p.inSamples) < inChannels {
		p.inSamples = make([]float32, inChannels)
	}
	inSamples := p.inSamples[:inChannels]

	outSampleSize := int(p.outputFormat.PCMFormat.Size())
	out := p.replaceOutputBuffer(frames * p.outputFormat.BytesPerFrame())
	src := input.Bytes()
	for frame := 0; frame < frames; frame++ {
		pcm.DecodeFloat32(p.inputFormat.PCMFormat, inSamples, src[frame*inFrameSize:(frame+1)*inFrameSize])
		dst := out[frame*outChannels*outSampleSize:]
		for outCh := 0; outCh < outChannels; outCh++ {
			var sum float32
			for inCh := 0; inCh < inChannels; inCh++ {
				sum += p.matrix.Get(inCh, outCh) * inSamples[inCh]
			}
			pcm.PutSample(p.outputFormat.PCMFormat, dst[outCh*outSampleSize:], float64(sum))
		}
	}
	input.Advance(frames * inFrameSize)
}

func (p *ChannelMixing) QueueEndOfStream(ctx context.Context) {
	p.markInputEnded()
}

func (p *ChannelMixing) Flush(
	ctx context.Context,
	metadata StreamMetadata,
) {
	p.flushBase()
	p.matrix = p.pendingMatrix
}

func (p *ChannelMixing) Reset(ctx context.Context) {
	p.resetBase()
	p.pendingMatrix = audio.ChannelMixingMatrix{}
	p.matrix = audio.ChannelMixingMatrix{}
}
