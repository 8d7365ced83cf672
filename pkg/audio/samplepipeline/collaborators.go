package samplepipeline

import (
	"context"

	"github.com/xaionaro-go/audiomix/pkg/audio"
)

// Sample is a unit of encoded data handed to the muxer.
type Sample struct {
	Data     []byte
	TimeUs   int64
	KeyFrame bool
}

// Encoder consumes PCM audio and produces samples for the muxer.
type Encoder interface {
	// InputCapacity returns how many bytes the next QueueInput accepts,
	// or 0 if the encoder cannot take input right now.
	InputCapacity() int

	// QueueInput copies data (at most InputCapacity bytes) into the
	// encoder; timeUs is the presentation time of its first frame.
	QueueInput(ctx context.Context, data []byte, timeUs int64) error

	QueueEndOfStream(ctx context.Context, timeUs int64) error

	// OutputFormat returns the format of the produced samples, or
	// audio.FormatNotSet while it is not known yet.
	OutputFormat() audio.Format

	// GetOutput returns the next sample, or nil if none is ready. The
	// sample stays valid until ReleaseOutput.
	GetOutput(ctx context.Context) (*Sample, error)
	ReleaseOutput(ctx context.Context) error

	// IsEnded reports whether the end of stream was queued and every
	// sample was released.
	IsEnded() bool

	Release(ctx context.Context) error
}

// EncoderFactory creates an Encoder for PCM audio in the given format.
type EncoderFactory func(ctx context.Context, inputFormat audio.Format) (Encoder, error)

// Muxer writes the samples of a track into a container.
type Muxer interface {
	// AddTrack is called once, before any sample.
	AddTrack(ctx context.Context, format audio.Format) error

	// WriteSample returns false if the muxer cannot take the sample
	// right now; it is retried later.
	WriteSample(ctx context.Context, data []byte, presentationTimeUs int64, keyFrame bool) (bool, error)

	EndTrack(ctx context.Context) error
}
