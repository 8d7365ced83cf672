// Package sink provides encoders and muxers finishing a sample pipeline.
package sink

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/iamcalledrob/circular"
	"github.com/xaionaro-go/audiomix/pkg/audio"
	"github.com/xaionaro-go/audiomix/pkg/audio/samplepipeline"
)

const (
	DefaultSlotFrames = 1024
	DefaultSlotCount  = 4
)

type pendingSample struct {
	size   int
	timeUs int64
}

// PassthroughEncoder is an "encoder" producing the PCM audio it is
// given. Queued data waits in a ring of SlotCount input slots until the
// muxer takes it.
type PassthroughEncoder struct {
	format    audio.Format
	slotBytes int
	ring      *circular.Buffer
	ringSize  int
	ringUsed  int

	pending    []pendingSample
	output     samplepipeline.Sample
	outputBuf  []byte
	hasOutput  bool
	inputEnded bool
	released   bool
}

var _ samplepipeline.Encoder = (*PassthroughEncoder)(nil)

// NewPassthroughEncoder returns an encoder with slotCount input slots of
// slotFrames frames each.
func NewPassthroughEncoder(
	format audio.Format,
	slotFrames int,
	slotCount int,
) (*PassthroughEncoder, error) {
	if !format.IsValid() {
		return nil, audio.NewUnhandledFormatError(format, "the format must be fully set")
	}
	if slotFrames <= 0 || slotCount <= 0 {
		return nil, fmt.Errorf("invalid slot configuration: %d slots of %d frames", slotCount, slotFrames)
	}
	slotBytes := slotFrames * format.BytesPerFrame()
	return &PassthroughEncoder{
		format:    format,
		slotBytes: slotBytes,
		ring:      circular.NewBuffer(slotBytes * slotCount),
		ringSize:  slotBytes * slotCount,
		outputBuf: make([]byte, slotBytes),
	}, nil
}

// PassthroughEncoderFactory returns a samplepipeline.EncoderFactory
// creating a PassthroughEncoder with the given slots.
func PassthroughEncoderFactory(
	slotFrames int,
	slotCount int,
) samplepipeline.EncoderFactory {
	return func(ctx context.Context, inputFormat audio.Format) (samplepipeline.Encoder, error) {
		logger.Debugf(ctx, "creating a passthrough encoder for %s: %d slots of %d frames", inputFormat, slotCount, slotFrames)
		return NewPassthroughEncoder(inputFormat, slotFrames, slotCount)
	}
}

func (e *PassthroughEncoder) InputCapacity() int {
	if e.inputEnded || e.released {
		return 0
	}
	if e.ringSize-e.ringUsed < e.slotBytes {
		return 0
	}
	return e.slotBytes
}

func (e *PassthroughEncoder) QueueInput(
	ctx context.Context,
	data []byte,
	timeUs int64,
) error {
	if e.inputEnded {
		panic(fmt.Errorf("input is queued after the end of stream"))
	}
	if len(data) > e.InputCapacity() {
		return fmt.Errorf("%d bytes do not fit into the input slot of %d bytes", len(data), e.InputCapacity())
	}
	if len(data) == 0 {
		return nil
	}
	n, err := e.ring.Write(data)
	if err != nil {
		if errors.Is(err, circular.ErrNoSpace) {
			return fmt.Errorf("the ring is full (%d of %d bytes used): %w", e.ringUsed, e.ringSize, err)
		}
		return fmt.Errorf("unable to write to the circular buffer: %w", err)
	}
	if n != len(data) {
		return fmt.Errorf("wrote != queued: %d != %d", n, len(data))
	}
	e.ringUsed += n
	e.pending = append(e.pending, pendingSample{size: n, timeUs: timeUs})
	return nil
}

func (e *PassthroughEncoder) QueueEndOfStream(
	ctx context.Context,
	timeUs int64,
) error {
	if e.inputEnded {
		return fmt.Errorf("the end of stream is already queued")
	}
	logger.Debugf(ctx, "the end of stream at %d us", timeUs)
	e.inputEnded = true
	return nil
}

func (e *PassthroughEncoder) OutputFormat() audio.Format {
	return e.format
}

func (e *PassthroughEncoder) GetOutput(ctx context.Context) (*samplepipeline.Sample, error) {
	if e.hasOutput {
		return &e.output, nil
	}
	if len(e.pending) == 0 {
		return nil, nil
	}
	next := e.pending[0]
	buf := e.outputBuf[:next.size]
	for read := 0; read < next.size; {
		n, err := e.ring.Read(buf[read:])
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("unable to read from the circular buffer: %w", err)
		}
		if n == 0 {
			return nil, fmt.Errorf("the circular buffer has %d bytes less than queued", next.size-read)
		}
		read += n
	}
	e.pending = e.pending[1:]
	e.ringUsed -= next.size
	e.output = samplepipeline.Sample{
		Data:     buf,
		TimeUs:   next.timeUs,
		KeyFrame: true,
	}
	e.hasOutput = true
	return &e.output, nil
}

func (e *PassthroughEncoder) ReleaseOutput(ctx context.Context) error {
	if !e.hasOutput {
		return fmt.Errorf("there is no output to release")
	}
	e.hasOutput = false
	return nil
}

func (e *PassthroughEncoder) IsEnded() bool {
	return e.inputEnded && len(e.pending) == 0 && !e.hasOutput
}

func (e *PassthroughEncoder) Release(ctx context.Context) error {
	if e.released {
		return fmt.Errorf("the encoder is already released")
	}
	e.released = true
	e.pending = nil
	e.hasOutput = false
	return nil
}
