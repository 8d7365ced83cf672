package graph

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/audiomix/internal/bufferqueue"
	"github.com/xaionaro-go/audiomix/pkg/audio"
	"github.com/xaionaro-go/audiomix/pkg/audio/processor"
)

// MaxInputBufferCount is the amount of transfer buffers an Input hands
// out to its producer.
const MaxInputBufferCount = 10

// MediaItem is one item of the sequence an Input plays.
type MediaItem struct {
	// Effects are applied to the item before it is converted to the
	// output format of the input.
	Effects []processor.Processor
}

type mediaItemChange struct {
	item             MediaItem
	durationUs       int64
	format           audio.Format
	isLast           bool
	positionOffsetUs int64
}

// Input normalizes the audio of one sequence of media items to the
// output format and resolves its start time.
//
// GetInputBuffer, QueueInputBuffer, OnMediaItemChanged, BlockInput and
// UnblockInput may be called from the producer goroutine. Everything
// else belongs to the goroutine driving the graph.
type Input struct {
	outputFormat     audio.Format
	availableBuffers *bufferqueue.Queue[*audio.InputBuffer]
	pendingBuffers   *bufferqueue.Queue[*audio.InputBuffer]
	pendingChanges   *bufferqueue.Queue[mediaItemChange]
	startTimeUs      atomic.Int64
	inputBlocked     atomic.Bool

	silenceAppending *processor.SilenceAppending
	pipeline         *processor.Pipeline
	lastInputFormat  audio.Format

	processedFirstMediaItemChange bool
	receivedEndOfStream           bool
	currentItemExpectedDurationUs int64
	isCurrentItemLast             bool
	released                      bool
}

// NewInput returns an Input converting inputFormat to requestedFormat.
// Unset fields of requestedFormat are taken from the processed input.
func NewInput(
	ctx context.Context,
	requestedFormat audio.Format,
	item MediaItem,
	inputFormat audio.Format,
) (_ret *Input, _err error) {
	logger.Tracef(ctx, "NewInput(%s, %s)", requestedFormat, inputFormat)
	defer func() { logger.Tracef(ctx, "/NewInput(%s, %s): %v", requestedFormat, inputFormat, _err) }()

	if !inputFormat.IsValid() {
		return nil, audio.NewUnhandledFormatError(inputFormat, "encoding, sample rate and channel count must all be set")
	}

	i := &Input{
		availableBuffers:              bufferqueue.NewFilled(MaxInputBufferCount),
		pendingBuffers:                bufferqueue.New[*audio.InputBuffer](MaxInputBufferCount),
		pendingChanges:                bufferqueue.New[mediaItemChange](1),
		silenceAppending:              processor.NewSilenceAppending(),
		lastInputFormat:               inputFormat,
		currentItemExpectedDurationUs: audio.TimeUnset,
	}
	i.startTimeUs.Store(audio.TimeUnset)

	pipeline, err := configureProcessing(ctx, item, inputFormat, requestedFormat, i.silenceAppending)
	if err != nil {
		return nil, err
	}
	pipeline.Flush(ctx, processor.StreamMetadata{})
	i.pipeline = pipeline
	i.outputFormat = pipeline.OutputFormat()
	return i, nil
}

func configureProcessing(
	ctx context.Context,
	item MediaItem,
	inputFormat audio.Format,
	requestedFormat audio.Format,
	silenceAppending *processor.SilenceAppending,
) (*processor.Pipeline, error) {
	processors := []processor.Processor{silenceAppending}
	processors = append(processors, item.Effects...)
	if requestedFormat.SampleRate != 0 {
		processors = append(processors, processor.NewSampleRate(requestedFormat.SampleRate))
	}
	if requestedFormat.Channels == 1 || requestedFormat.Channels == 2 {
		channelMixing, err := processor.NewChannelMixingTo(requestedFormat.Channels)
		if err != nil {
			return nil, fmt.Errorf("unable to initialize the channel mixing: %w", err)
		}
		processors = append(processors, channelMixing)
	}
	if requestedFormat.PCMFormat != audio.PCMFormatUndefined {
		processors = append(processors, processor.NewEncodingConversion(requestedFormat.PCMFormat))
	}

	pipeline := processor.NewPipeline(processors...)
	outputFormat, err := pipeline.Configure(ctx, inputFormat)
	if err != nil {
		return nil, fmt.Errorf("unable to configure the processing of %s: %w", inputFormat, err)
	}
	if requestedFormat.Merge(outputFormat) != outputFormat {
		return nil, audio.NewUnhandledFormatError(inputFormat, "cannot be converted to %s, the processing outputs %s", requestedFormat, outputFormat)
	}
	return pipeline, nil
}

func (i *Input) OutputFormat() audio.Format {
	return i.outputFormat
}

// StartTimeUs returns the timestamp of the first queued buffer,
// audio.TimeUnset while nothing was queued, or audio.TimeEndOfSource
// if the producer reported there is no audio at all.
func (i *Input) StartTimeUs() int64 {
	return i.startTimeUs.Load()
}

func (i *Input) BlockInput() {
	i.inputBlocked.Store(true)
}

func (i *Input) UnblockInput() {
	i.inputBlocked.Store(false)
}

// OnMediaItemChanged queues the switch to the next item of the
// sequence. A FormatNotSet format means the item has no audio and
// durationUs of silence is generated instead. positionOffsetUs is the
// position within the item the data starts at.
func (i *Input) OnMediaItemChanged(
	item MediaItem,
	durationUs int64,
	format audio.Format,
	isLast bool,
	positionOffsetUs int64,
) error {
	if positionOffsetUs < 0 {
		panic(fmt.Errorf("the position offset must not be negative: %d", positionOffsetUs))
	}
	if format == audio.FormatNotSet {
		if durationUs == audio.TimeUnset {
			return fmt.Errorf("unable to generate silence, because the duration is unknown")
		}
	} else if !format.IsValid() {
		return audio.NewUnhandledFormatError(format, "encoding, sample rate and channel count must all be set")
	}
	i.pendingChanges.Push(mediaItemChange{
		item:             item,
		durationUs:       durationUs,
		format:           format,
		isLast:           isLast,
		positionOffsetUs: positionOffsetUs,
	})
	return nil
}

// GetInputBuffer returns the transfer buffer to fill next, or nil if
// the input does not accept data right now.
func (i *Input) GetInputBuffer() *audio.InputBuffer {
	if i.inputBlocked.Load() || !i.pendingChanges.IsEmpty() {
		return nil
	}
	return i.availableBuffers.Peek()
}

// QueueInputBuffer submits the buffer previously returned by
// GetInputBuffer. It returns false if the input is blocked.
func (i *Input) QueueInputBuffer() bool {
	if i.inputBlocked.Load() {
		return false
	}
	if !i.pendingChanges.IsEmpty() {
		panic(fmt.Errorf("an input buffer is queued while a media item change is pending"))
	}
	b := i.availableBuffers.Pop()
	if b == nil {
		panic(fmt.Errorf("an input buffer is queued, but none was taken"))
	}
	i.pendingBuffers.Push(b)
	i.startTimeUs.CompareAndSwap(audio.TimeUnset, b.TimeUs)
	return true
}

// GetOutput returns the processed audio. The returned buffer must be
// consumed (fully or partially) before the next call.
func (i *Input) GetOutput(ctx context.Context) (*audio.Buffer, error) {
	out := i.getOutputInternal(ctx)
	if out.HasRemaining() {
		return out, nil
	}
	if !i.hasDataToOutput() && !i.pendingChanges.IsEmpty() {
		if err := i.configureForPendingMediaItemChange(ctx); err != nil {
			return audio.EmptyBuffer(), fmt.Errorf("unable to switch to the next media item: %w", err)
		}
	}
	return audio.EmptyBuffer(), nil
}

func (i *Input) IsEnded() bool {
	if i.hasDataToOutput() {
		return false
	}
	if !i.pendingChanges.IsEmpty() {
		return false
	}
	if i.currentItemExpectedDurationUs != audio.TimeUnset {
		// Items of a sequence are padded to their duration, so the end of
		// the last item is the end of the input.
		return i.isCurrentItemLast
	}
	return i.receivedEndOfStream
}

// Flush drops everything queued so far. The data queued next starts at
// positionOffsetUs.
func (i *Input) Flush(
	ctx context.Context,
	positionOffsetUs int64,
) {
	logger.Tracef(ctx, "Flush(%d)", positionOffsetUs)
	defer func() { logger.Tracef(ctx, "/Flush(%d)", positionOffsetUs) }()
	if positionOffsetUs < 0 {
		panic(fmt.Errorf("the position offset must not be negative: %d", positionOffsetUs))
	}

	i.pendingChanges.Drain()
	i.processedFirstMediaItemChange = true
	for _, b := range i.availableBuffers.Drain() {
		// the producer may have written into it without queueing
		i.recycle(b)
	}
	for _, b := range i.pendingBuffers.Drain() {
		i.recycle(b)
	}
	if count := i.availableBuffers.Len(); count != MaxInputBufferCount {
		panic(fmt.Errorf("expected %d available input buffers after a flush, but have %d", MaxInputBufferCount, count))
	}

	i.silenceAppending.SetExpectedDurationUs(audio.TimeUnset)
	i.pipeline.Flush(ctx, processor.StreamMetadata{PositionOffsetUs: positionOffsetUs})
	i.receivedEndOfStream = false
	i.startTimeUs.Store(audio.TimeUnset)
	i.currentItemExpectedDurationUs = audio.TimeUnset
	i.isCurrentItemLast = false
}

// Release resets the processing of the input; it must be called once.
func (i *Input) Release(ctx context.Context) (_err error) {
	logger.Tracef(ctx, "Release")
	defer func() { logger.Tracef(ctx, "/Release: %v", _err) }()
	if i.released {
		return fmt.Errorf("the input is already released")
	}
	i.released = true
	i.pipeline.Reset(ctx)
	i.lastInputFormat = audio.FormatNotSet
	return nil
}

func (i *Input) getOutputInternal(ctx context.Context) *audio.Buffer {
	if !i.processedFirstMediaItemChange {
		return audio.EmptyBuffer()
	}
	if !i.pipeline.IsOperational() {
		return i.queuedInput()
	}
	i.feedPipeline(ctx)
	return i.pipeline.GetOutput(ctx)
}

func (i *Input) feedPipeline(ctx context.Context) {
	for {
		input := i.queuedInput()
		if !input.HasRemaining() {
			if i.hasMediaItemInputEnded() {
				i.pipeline.QueueEndOfStream(ctx)
			}
			return
		}
		i.pipeline.QueueInput(ctx, input)
		if input.HasRemaining() {
			return
		}
	}
}

func (i *Input) hasMediaItemInputEnded() bool {
	return i.receivedEndOfStream || !i.pendingChanges.IsEmpty()
}

func (i *Input) queuedInput() *audio.Buffer {
	for {
		b := i.pendingBuffers.Peek()
		if b == nil {
			return audio.EmptyBuffer()
		}
		i.receivedEndOfStream = b.EndOfStream
		if b.EndOfStream {
			i.recycle(i.pendingBuffers.Pop())
			return audio.EmptyBuffer()
		}
		if b.Data.HasRemaining() {
			return &b.Data
		}
		i.recycle(i.pendingBuffers.Pop())
	}
}

func (i *Input) hasDataToOutput() bool {
	if !i.processedFirstMediaItemChange {
		return false
	}
	if !i.pendingBuffers.IsEmpty() {
		return true
	}
	return i.pipeline.IsOperational() && !i.pipeline.IsEnded()
}

func (i *Input) recycle(b *audio.InputBuffer) {
	b.Clear()
	i.availableBuffers.Push(b)
}

func (i *Input) configureForPendingMediaItemChange(ctx context.Context) (_err error) {
	logger.Tracef(ctx, "configureForPendingMediaItemChange")
	defer func() { logger.Tracef(ctx, "/configureForPendingMediaItemChange: %v", _err) }()

	change, ok := i.pendingChanges.TryPop()
	if !ok {
		return nil
	}
	i.isCurrentItemLast = change.isLast
	i.currentItemExpectedDurationUs = change.durationUs

	format := change.format
	onlyGenerateSilence := false
	if format == audio.FormatNotSet {
		format = i.lastInputFormat
		i.startTimeUs.CompareAndSwap(audio.TimeUnset, 0)
		onlyGenerateSilence = true
	}
	i.silenceAppending.SetExpectedDurationUs(i.currentItemExpectedDurationUs)

	pipeline, err := configureProcessing(ctx, change.item, format, i.outputFormat, i.silenceAppending)
	if err != nil {
		return err
	}
	i.pipeline = pipeline
	i.lastInputFormat = format
	i.pipeline.Flush(ctx, processor.StreamMetadata{PositionOffsetUs: change.positionOffsetUs})
	i.receivedEndOfStream = false
	i.processedFirstMediaItemChange = true
	if onlyGenerateSilence {
		i.pipeline.QueueEndOfStream(ctx)
	}
	logger.Debugf(ctx, "switched to a media item: format %s, duration %d us, last %v, silence only %v", format, change.durationUs, change.isLast, onlyGenerateSilence)
	return nil
}
