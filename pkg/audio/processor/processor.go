// Package processor contains the audio processor contract, a chain of
// processors (Pipeline) and the processors used around the mixer.
package processor

import (
	"context"

	"github.com/xaionaro-go/audiomix/pkg/audio"
)

// StreamMetadata is passed on Flush.
type StreamMetadata struct {
	// PositionOffsetUs is the position of the first sample queued after
	// the flush, relative to the start of the stream.
	PositionOffsetUs int64
}

// Processor transforms a PCM stream. It is driven in a pull loop:
// QueueInput consumes what it can, GetOutput hands out what is ready.
//
// Configure only stages a format; it takes effect on the next Flush.
type Processor interface {
	// Configure returns the output format for the given input format.
	// Errors wrap audio.ErrUnhandledFormat.
	Configure(ctx context.Context, inputFormat audio.Format) (audio.Format, error)

	// IsActive reports whether the staged configuration transforms the
	// stream; inactive processors are skipped by Pipeline.
	IsActive() bool

	QueueInput(ctx context.Context, input *audio.Buffer)
	QueueEndOfStream(ctx context.Context)

	// GetOutput returns the pending output; after the call the
	// processor holds no output until more input is queued.
	GetOutput(ctx context.Context) *audio.Buffer

	IsEnded() bool
	Flush(ctx context.Context, metadata StreamMetadata)
	Reset(ctx context.Context)
}

// Base carries the state every processor needs. Processors embed it
// and call the lower-case helpers from their own methods.
type Base struct {
	pendingInputFormat  audio.Format
	pendingOutputFormat audio.Format
	inputFormat         audio.Format
	outputFormat        audio.Format
	storage             []byte
	outputBuffer        *audio.Buffer
	inputEnded          bool
}

func (b *Base) stageFormats(in, out audio.Format) {
	b.pendingInputFormat = in
	b.pendingOutputFormat = out
}

func (b *Base) IsActive() bool {
	return b.pendingOutputFormat != audio.FormatNotSet
}

func (b *Base) InputFormat() audio.Format {
	return b.inputFormat
}

func (b *Base) OutputFormat() audio.Format {
	return b.outputFormat
}

func (b *Base) GetOutput(ctx context.Context) *audio.Buffer {
	out := b.outputBuffer
	b.outputBuffer = audio.EmptyBuffer()
	if out == nil {
		return audio.EmptyBuffer()
	}
	return out
}

func (b *Base) IsEnded() bool {
	return b.inputEnded && !b.outputBuffer.HasRemaining()
}

// replaceOutputBuffer returns a zeroed slice of the requested size that
// becomes the pending output. The storage is reused, so the previous
// output must have been consumed already.
func (b *Base) replaceOutputBuffer(size int) []byte {
	if cap(b.storage) < size {
		b.storage = make([]byte, size)
	} else {
		b.storage = b.storage[:size]
		clear(b.storage)
	}
	b.outputBuffer = audio.NewBuffer(b.storage)
	return b.storage
}

func (b *Base) setOutput(data []byte) {
	b.outputBuffer = audio.NewBuffer(data)
}

func (b *Base) markInputEnded() {
	b.inputEnded = true
}

func (b *Base) flushBase() {
	b.outputBuffer = audio.EmptyBuffer()
	b.inputEnded = false
	b.inputFormat = b.pendingInputFormat
	b.outputFormat = b.pendingOutputFormat
}

func (b *Base) resetBase() {
	b.flushBase()
	b.storage = nil
	b.pendingInputFormat = audio.FormatNotSet
	b.pendingOutputFormat = audio.FormatNotSet
	b.inputFormat = audio.FormatNotSet
	b.outputFormat = audio.FormatNotSet
}

func checkInputFormat(format audio.Format) error {
	if !format.IsValid() {
		return audio.NewUnhandledFormatError(format, "encoding, sample rate and channel count must all be set")
	}
	return nil
}
