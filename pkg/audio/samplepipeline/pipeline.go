// Package samplepipeline moves mixed PCM audio through the post-mix
// effects into an encoder, and the encoded samples into a muxer.
package samplepipeline

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/audiomix/internal/bufferqueue"
	"github.com/xaionaro-go/audiomix/pkg/audio"
	"github.com/xaionaro-go/audiomix/pkg/audio/graph"
	"github.com/xaionaro-go/audiomix/pkg/audio/processor"
)

// MaxInputBufferCount is the amount of transfer buffers the pipeline
// hands out to its producer.
const MaxInputBufferCount = 10

type Config struct {
	// InputFormat is the format of the data queued through the transfer
	// buffers. It is ignored if Graph is set.
	InputFormat audio.Format

	// Graph, if set, is the source of the data instead of the transfer
	// buffers. The pipeline becomes the only caller of its GetOutput.
	Graph *graph.Graph

	// StreamStartPositionUs is the timestamp of the first input frame.
	// It is subtracted from the sample timestamps given to the muxer.
	StreamStartPositionUs int64

	Effects    []processor.Processor
	NewEncoder EncoderFactory
	Muxer      Muxer
}

// Pipeline is driven by calling ProcessData until it returns false.
//
// GetInputBuffer, QueueInputBuffer and OnMediaItemChanged may be called
// from the producer goroutine; everything else belongs to the driving
// goroutine.
type Pipeline struct {
	graph                 *graph.Graph
	silence               *SilenceGenerator
	availableBuffers      *bufferqueue.Queue[*audio.InputBuffer]
	pendingBuffers        *bufferqueue.Queue[*audio.InputBuffer]
	processing            *processor.Pipeline
	encoder               Encoder
	encoderInputFormat    audio.Format
	muxer                 Muxer
	streamStartPositionUs int64

	nextEncoderInputBufferTimeUs   int64
	encoderBufferDurationRemainder int64
	encoderInputEnded              bool
	muxerTrackAdded                bool
	muxerTrackEnded                bool

	queueEndOfStreamAfterSilence atomic.Bool
}

func New(
	ctx context.Context,
	cfg Config,
) (_ret *Pipeline, _err error) {
	logger.Tracef(ctx, "New")
	defer func() { logger.Tracef(ctx, "/New: %v", _err) }()

	if cfg.NewEncoder == nil {
		return nil, fmt.Errorf("the encoder factory is not set")
	}
	if cfg.Muxer == nil {
		return nil, fmt.Errorf("the muxer is not set")
	}

	inputFormat := cfg.InputFormat
	if cfg.Graph != nil {
		inputFormat = cfg.Graph.OutputFormat()
	}
	if !inputFormat.IsValid() {
		return nil, audio.NewUnhandledFormatError(inputFormat, "the input format of the sample pipeline must be fully set")
	}

	processing := processor.NewPipeline(cfg.Effects...)
	encoderInputFormat, err := processing.Configure(ctx, inputFormat)
	if err != nil {
		return nil, fmt.Errorf("unable to configure the audio processing of %s: %w", inputFormat, err)
	}
	processing.Flush(ctx, processor.StreamMetadata{})

	encoder, err := cfg.NewEncoder(ctx, encoderInputFormat)
	if err != nil {
		return nil, fmt.Errorf("unable to create an encoder for %s: %w", encoderInputFormat, err)
	}

	return &Pipeline{
		graph:                        cfg.Graph,
		silence:                      NewSilenceGenerator(inputFormat),
		availableBuffers:             bufferqueue.NewFilled(MaxInputBufferCount),
		pendingBuffers:               bufferqueue.New[*audio.InputBuffer](MaxInputBufferCount),
		processing:                   processing,
		encoder:                      encoder,
		encoderInputFormat:           encoderInputFormat,
		muxer:                        cfg.Muxer,
		streamStartPositionUs:        cfg.StreamStartPositionUs,
		nextEncoderInputBufferTimeUs: cfg.StreamStartPositionUs,
	}, nil
}

// EncoderInputFormat returns the format of the audio given to the
// encoder, i.e. the output format of the effects.
func (p *Pipeline) EncoderInputFormat() audio.Format {
	return p.encoderInputFormat
}

// OnMediaItemChanged reports the next item of the input sequence. An
// item with the format audio.FormatNotSet has no audio, so durationUs
// of silence is generated for it. If such an item is the last one, the
// end of stream follows the silence.
func (p *Pipeline) OnMediaItemChanged(
	durationUs int64,
	format audio.Format,
	isLast bool,
) {
	if format != audio.FormatNotSet {
		return
	}
	p.silence.AddSilence(durationUs)
	if isLast {
		p.queueEndOfStreamAfterSilence.Store(true)
	}
}

// GetInputBuffer returns the transfer buffer to fill next, or nil if
// the pipeline does not accept data right now.
func (p *Pipeline) GetInputBuffer() *audio.InputBuffer {
	if p.graph != nil {
		return nil
	}
	if p.silence.HasRemaining() && p.pendingBuffers.IsEmpty() {
		return nil
	}
	return p.availableBuffers.Peek()
}

// QueueInputBuffer submits the buffer previously returned by
// GetInputBuffer.
func (p *Pipeline) QueueInputBuffer() bool {
	b := p.availableBuffers.Pop()
	if b == nil {
		panic(fmt.Errorf("an input buffer is queued, but none was taken"))
	}
	p.pendingBuffers.Push(b)
	return true
}

// ProcessData moves data one step forward and reports whether calling
// it again immediately may make more progress.
func (p *Pipeline) ProcessData(ctx context.Context) (bool, error) {
	progress, err := p.feedMuxer(ctx)
	if err != nil || progress {
		return progress, err
	}
	return p.processDataUpToMuxer(ctx)
}

// IsEnded reports whether the track was ended in the muxer.
func (p *Pipeline) IsEnded() bool {
	return p.muxerTrackEnded
}

// Release resets the effects and releases the encoder. It must be
// called once.
func (p *Pipeline) Release(ctx context.Context) (_err error) {
	logger.Tracef(ctx, "Release")
	defer func() { logger.Tracef(ctx, "/Release: %v", _err) }()

	p.processing.Reset(ctx)
	if err := p.encoder.Release(ctx); err != nil {
		return fmt.Errorf("unable to release the encoder: %w", err)
	}
	return nil
}

func (p *Pipeline) feedMuxer(ctx context.Context) (bool, error) {
	if !p.muxerTrackAdded {
		format := p.encoder.OutputFormat()
		if format == audio.FormatNotSet {
			return false, nil
		}
		if err := p.muxer.AddTrack(ctx, format); err != nil {
			return false, fmt.Errorf("unable to add a %s track to the muxer: %w", format, err)
		}
		p.muxerTrackAdded = true
		logger.Debugf(ctx, "added a %s track to the muxer", format)
	}

	if p.encoder.IsEnded() {
		if !p.muxerTrackEnded {
			if err := p.muxer.EndTrack(ctx); err != nil {
				return false, fmt.Errorf("unable to end the track: %w", err)
			}
			p.muxerTrackEnded = true
			logger.Debugf(ctx, "the track ended")
		}
		return false, nil
	}

	sample, err := p.encoder.GetOutput(ctx)
	if err != nil {
		return false, fmt.Errorf("unable to get the output of the encoder: %w", err)
	}
	if sample == nil {
		return false, nil
	}

	presentationTimeUs := sample.TimeUs - p.streamStartPositionUs
	written, err := p.muxer.WriteSample(ctx, sample.Data, presentationTimeUs, sample.KeyFrame)
	if err != nil {
		return false, fmt.Errorf("unable to write a sample at %d us: %w", presentationTimeUs, err)
	}
	if !written {
		return false, nil
	}
	if err := p.encoder.ReleaseOutput(ctx); err != nil {
		return false, fmt.Errorf("unable to release the output of the encoder: %w", err)
	}
	return true, nil
}

func (p *Pipeline) processDataUpToMuxer(ctx context.Context) (bool, error) {
	if p.encoderInputEnded {
		return false, nil
	}
	if !p.processing.IsOperational() {
		return p.feedEncoderFromInput(ctx)
	}
	progress, err := p.feedEncoderFromProcessingPipeline(ctx)
	if err != nil || progress {
		return progress, err
	}
	return p.feedProcessingPipelineFromInput(ctx)
}

func (p *Pipeline) feedEncoderFromInput(ctx context.Context) (bool, error) {
	capacity := p.encoder.InputCapacity()
	if capacity == 0 {
		return false, nil
	}

	if p.graph != nil {
		out, err := p.graph.GetOutput(ctx)
		if err != nil {
			return false, fmt.Errorf("unable to get the output of the audio graph: %w", err)
		}
		if !out.HasRemaining() {
			if p.graph.IsEnded() {
				return false, p.queueEndOfStreamToEncoder(ctx)
			}
			return false, nil
		}
		return true, p.feedEncoder(ctx, out, capacity)
	}

	if silence := p.silenceToGenerate(); silence != nil {
		return true, p.feedEncoder(ctx, silence, capacity)
	}

	b := p.pendingBuffers.Peek()
	if b == nil {
		if !p.silence.HasRemaining() && p.queueEndOfStreamAfterSilence.Load() {
			return false, p.queueEndOfStreamToEncoder(ctx)
		}
		return false, nil
	}
	if b.EndOfStream {
		err := p.queueEndOfStreamToEncoder(ctx)
		p.removePendingInputBuffer()
		return false, err
	}
	if !b.Data.HasRemaining() {
		p.removePendingInputBuffer()
		return true, nil
	}

	err := p.feedEncoder(ctx, &b.Data, capacity)
	if !b.Data.HasRemaining() {
		p.removePendingInputBuffer()
	}
	return err == nil, err
}

func (p *Pipeline) feedEncoderFromProcessingPipeline(ctx context.Context) (bool, error) {
	capacity := p.encoder.InputCapacity()
	if capacity == 0 {
		return false, nil
	}

	out := p.processing.GetOutput(ctx)
	if !out.HasRemaining() {
		if p.processing.IsEnded() {
			return false, p.queueEndOfStreamToEncoder(ctx)
		}
		return false, nil
	}
	return true, p.feedEncoder(ctx, out, capacity)
}

func (p *Pipeline) feedProcessingPipelineFromInput(ctx context.Context) (bool, error) {
	if p.graph != nil {
		out, err := p.graph.GetOutput(ctx)
		if err != nil {
			return false, fmt.Errorf("unable to get the output of the audio graph: %w", err)
		}
		if !out.HasRemaining() {
			if p.graph.IsEnded() {
				p.processing.QueueEndOfStream(ctx)
			}
			return false, nil
		}
		p.processing.QueueInput(ctx, out)
		return !out.HasRemaining(), nil
	}

	if silence := p.silenceToGenerate(); silence != nil {
		p.processing.QueueInput(ctx, silence)
		return !silence.HasRemaining(), nil
	}

	b := p.pendingBuffers.Peek()
	if b == nil {
		if !p.silence.HasRemaining() && p.queueEndOfStreamAfterSilence.Load() {
			p.processing.QueueEndOfStream(ctx)
		}
		return false, nil
	}
	if b.EndOfStream {
		p.processing.QueueEndOfStream(ctx)
		p.removePendingInputBuffer()
		return false, nil
	}

	p.processing.QueueInput(ctx, &b.Data)
	if b.Data.HasRemaining() {
		return false, nil
	}
	p.removePendingInputBuffer()
	return true, nil
}

// silenceToGenerate returns the silence to output next, or nil if real
// input (or nothing) is to be output.
func (p *Pipeline) silenceToGenerate() *audio.Buffer {
	if !p.pendingBuffers.IsEmpty() || !p.silence.HasRemaining() {
		return nil
	}
	b := p.silence.Buffer()
	if !b.HasRemaining() {
		return nil
	}
	return b
}

func (p *Pipeline) removePendingInputBuffer() {
	b := p.pendingBuffers.Pop()
	b.Clear()
	p.availableBuffers.Push(b)
}

// feedEncoder gives the encoder as much of input as fits into its input
// slot and advances input accordingly.
func (p *Pipeline) feedEncoder(
	ctx context.Context,
	input *audio.Buffer,
	capacity int,
) error {
	size := input.Remaining()
	if size > capacity {
		size = capacity
	}
	timeUs := p.nextEncoderInputBufferTimeUs
	if err := p.encoder.QueueInput(ctx, input.Bytes()[:size], timeUs); err != nil {
		return fmt.Errorf("unable to queue %d bytes at %d us to the encoder: %w", size, timeUs, err)
	}
	input.Advance(size)
	p.computeNextEncoderInputBufferTimeUs(int64(size))
	return nil
}

func (p *Pipeline) queueEndOfStreamToEncoder(ctx context.Context) error {
	if err := p.encoder.QueueEndOfStream(ctx, p.nextEncoderInputBufferTimeUs); err != nil {
		return fmt.Errorf("unable to queue the end of stream to the encoder: %w", err)
	}
	p.encoderInputEnded = true
	logger.Debugf(ctx, "queued the end of stream to the encoder at %d us", p.nextEncoderInputBufferTimeUs)
	return nil
}

// computeNextEncoderInputBufferTimeUs advances the timestamp by the
// duration of bytesWritten. The remainder of the division is carried to
// the next call, and the duration is rounded up, so the timestamps never
// fall behind the audio.
func (p *Pipeline) computeNextEncoderInputBufferTimeUs(bytesWritten int64) {
	numerator := bytesWritten*audio.MicrosPerSecond + p.encoderBufferDurationRemainder
	denominator := int64(p.encoderInputFormat.BytesPerFrame()) * int64(p.encoderInputFormat.SampleRate)
	bufferDurationUs := numerator / denominator
	p.encoderBufferDurationRemainder = numerator - bufferDurationUs*denominator
	if p.encoderBufferDurationRemainder > 0 {
		bufferDurationUs++
		p.encoderBufferDurationRemainder -= denominator
	}
	p.nextEncoderInputBufferTimeUs += bufferDurationUs
}
