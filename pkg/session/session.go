// Package session mixes the tracks described by a Config into a single
// output file.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/facebookincubator/go-belt"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/xaionaro-go/audiomix/pkg/audio"
	"github.com/xaionaro-go/audiomix/pkg/audio/graph"
	"github.com/xaionaro-go/audiomix/pkg/audio/processor"
	"github.com/xaionaro-go/audiomix/pkg/audio/samplepipeline"
	"github.com/xaionaro-go/audiomix/pkg/audio/sink"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	pollInterval    = time.Millisecond
	readChunkFrames = 1024
)

type trackItem struct {
	decoder    Decoder
	durationUs int64
	format     audio.Format
	effects    []processor.Processor
}

type track struct {
	index int
	name  string
	items []trackItem
	input *graph.Input
}

// Session is a single mixing run. The producers of the tracks run in
// their own goroutines, the graph and the pipeline are driven by the
// goroutine calling Run.
type Session struct {
	ID string

	config    Config
	graph     *graph.Graph
	pipeline  *samplepipeline.Pipeline
	muxer     *meteredMuxer
	closer    io.Closer
	tracks    []*track
	analyzers []*processor.SpectrumAnalyzer
}

// Run is a shorthand for New followed by Session.Run.
func Run(
	ctx context.Context,
	cfg Config,
	output io.WriteSeeker,
) error {
	s, err := New(ctx, cfg, output)
	if err != nil {
		return err
	}
	return s.Run(ctx)
}

// New opens the items of every track and builds the mixing graph
// writing into output. All items must have a known duration.
func New(
	ctx context.Context,
	cfg Config,
	output io.WriteSeeker,
) (_ret *Session, _err error) {
	id := uuid.New().String()
	ctx = belt.WithField(ctx, "session_id", id)
	logger.Tracef(ctx, "New")
	defer func() { logger.Tracef(ctx, "/New: %v", _err) }()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	container, err := cfg.Output.container()
	if err != nil {
		return nil, err
	}

	s := &Session{
		ID:     id,
		config: cfg,
	}
	defer func() {
		if _err == nil {
			return
		}
		if s.graph != nil {
			s.graph.Reset(ctx)
		}
		s.closeDecoders()
	}()

	for idx, trackCfg := range cfg.Tracks {
		t, err := s.openTrack(ctx, idx, trackCfg)
		s.tracks = append(s.tracks, t)
		if err != nil {
			return nil, fmt.Errorf("unable to open track #%d (%s): %w", idx, trackCfg.Name, err)
		}
	}

	var effects []processor.Processor
	for idx, effectCfg := range cfg.Effects {
		effect, err := effectCfg.Build()
		if err != nil {
			return nil, fmt.Errorf("unable to build effect #%d: %w", idx, err)
		}
		if analyzer, ok := effect.(*processor.SpectrumAnalyzer); ok {
			s.analyzers = append(s.analyzers, analyzer)
		}
		effects = append(effects, effect)
	}

	windowUs := audio.TimeUnset
	if cfg.Mixer.Window > 0 {
		windowUs = durationToUs(cfg.Mixer.Window)
	}
	startUs := durationToUs(cfg.Mixer.Start)
	s.graph = graph.New(graph.Config{
		RequestedFormat:  cfg.Output.Format,
		WindowDurationUs: windowUs,
		StartTimeUs:      startUs,
	}, effects...)
	if cfg.Mixer.End != nil {
		s.graph.SetEndTimeUs(ctx, durationToUs(*cfg.Mixer.End))
	}

	fallbackFormat := s.firstAudioFormat()
	for _, t := range s.tracks {
		format := audio.FormatNotSet
		for _, item := range t.items {
			if item.format != audio.FormatNotSet {
				format = item.format
				break
			}
		}
		if format == audio.FormatNotSet {
			format = fallbackFormat
		}
		t.input, err = s.graph.RegisterInput(ctx, graph.MediaItem{}, format)
		if err != nil {
			return nil, fmt.Errorf("unable to register track #%d (%s): %w", t.index, t.name, err)
		}
		if volume := cfg.Tracks[t.index].Volume; volume != nil {
			if err := s.graph.SetInputVolume(t.input, *volume); err != nil {
				return nil, fmt.Errorf("unable to set the volume of track #%d (%s): %w", t.index, t.name, err)
			}
		}
	}

	var muxer samplepipeline.Muxer
	switch container {
	case ContainerWAV:
		wavMuxer := sink.NewWAVMuxer(output)
		muxer = wavMuxer
		s.closer = wavMuxer
	case ContainerRaw:
		muxer = sink.NewRawMuxer(output)
	default:
		return nil, fmt.Errorf("unknown container '%s'", container)
	}

	slotFrames := cfg.Output.SlotFrames
	if slotFrames == 0 {
		slotFrames = sink.DefaultSlotFrames
	}
	outputFormat := s.graph.OutputFormat()
	s.muxer = newMeteredMuxer(muxer, outputFormat)
	if cfg.Realtime {
		bytesPerSecond := outputFormat.BytesPerFrame() * int(outputFormat.SampleRate)
		burst := max(bytesPerSecond, slotFrames*outputFormat.BytesPerFrame())
		s.muxer.limiter = rate.NewLimiter(rate.Limit(bytesPerSecond), burst)
	}

	s.pipeline, err = samplepipeline.New(ctx, samplepipeline.Config{
		Graph:                 s.graph,
		StreamStartPositionUs: startUs,
		NewEncoder:            sink.PassthroughEncoderFactory(slotFrames, sink.DefaultSlotCount),
		Muxer:                 s.muxer,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to initialize the sample pipeline: %w", err)
	}
	logger.Debugf(ctx, "mixing %d tracks into %s (%s)", len(s.tracks), cfg.Output.Path, outputFormat)
	return s, nil
}

func (s *Session) openTrack(
	ctx context.Context,
	idx int,
	cfg TrackConfig,
) (*track, error) {
	t := &track{
		index: idx,
		name:  cfg.Name,
	}
	if cfg.Start > 0 {
		t.items = append(t.items, trackItem{
			durationUs: durationToUs(cfg.Start),
			format:     audio.FormatNotSet,
		})
	}
	for itemIdx, itemCfg := range cfg.Items {
		var effects []processor.Processor
		for effectIdx, effectCfg := range itemCfg.Effects {
			effect, err := effectCfg.Build()
			if err != nil {
				return t, fmt.Errorf("item #%d: unable to build effect #%d: %w", itemIdx, effectIdx, err)
			}
			effects = append(effects, effect)
		}

		if itemCfg.Path == "" {
			t.items = append(t.items, trackItem{
				durationUs: durationToUs(itemCfg.Silence),
				format:     audio.FormatNotSet,
				effects:    effects,
			})
			continue
		}

		decoder, err := OpenDecoder(ctx, itemCfg)
		if err != nil {
			return t, fmt.Errorf("item #%d: %w", itemIdx, err)
		}
		t.items = append(t.items, trackItem{
			decoder:    decoder,
			durationUs: decoder.DurationUs(),
			format:     decoder.Format(),
			effects:    effects,
		})
		if decoder.DurationUs() == audio.TimeUnset {
			return t, fmt.Errorf("item #%d: the duration of '%s' is unknown", itemIdx, itemCfg.Path)
		}
	}
	return t, nil
}

// firstAudioFormat returns the format silence-only tracks are
// registered with.
func (s *Session) firstAudioFormat() audio.Format {
	for _, t := range s.tracks {
		for _, item := range t.items {
			if item.format != audio.FormatNotSet {
				return item.format
			}
		}
	}
	return s.config.Output.Format
}

// OutputFormat returns the format of the written audio.
func (s *Session) OutputFormat() audio.Format {
	return s.pipeline.EncoderInputFormat()
}

// SpectrumAnalyzers returns the analyzers among the post-mix effects.
func (s *Session) SpectrumAnalyzers() []*processor.SpectrumAnalyzer {
	return s.analyzers
}

// MuxedBytes returns the amount of audio data written so far. It is
// safe to call from any goroutine.
func (s *Session) MuxedBytes() int64 {
	return s.muxer.bytesWritten.Load()
}

// MuxedDurationUs returns the duration of the audio written so far. It
// is safe to call from any goroutine.
func (s *Session) MuxedDurationUs() int64 {
	return s.muxer.durationUs()
}

// Run mixes the tracks until the output ends, ctx is cancelled or an
// error happens, and releases the session. It may be called once.
func (s *Session) Run(ctx context.Context) (_err error) {
	ctx = belt.WithField(ctx, "session_id", s.ID)
	logger.Tracef(ctx, "Run")
	defer func() { logger.Tracef(ctx, "/Run: %v", _err) }()

	ctx, cancelFn := context.WithCancel(ctx)
	defer cancelFn()

	errGroup, errGroupCtx := errgroup.WithContext(ctx)
	for _, t := range s.tracks {
		t := t
		errGroup.Go(func() error {
			return s.produce(errGroupCtx, t)
		})
	}

	driveErr := s.drive(errGroupCtx)
	// the producers of cut tracks are still waiting for input buffers
	cancelFn()
	produceErr := errGroup.Wait()

	var mErr *multierror.Error
	switch {
	case driveErr == nil:
		if produceErr != nil && !errors.Is(produceErr, context.Canceled) {
			mErr = multierror.Append(mErr, produceErr)
		}
	case errors.Is(driveErr, context.Canceled) && produceErr != nil && !errors.Is(produceErr, context.Canceled):
		mErr = multierror.Append(mErr, produceErr)
	default:
		mErr = multierror.Append(mErr, driveErr)
		if produceErr != nil && !errors.Is(produceErr, context.Canceled) {
			mErr = multierror.Append(mErr, produceErr)
		}
	}
	if err := s.release(ctx); err != nil {
		mErr = multierror.Append(mErr, err)
	}
	return mErr.ErrorOrNil()
}

func (s *Session) drive(ctx context.Context) error {
	s.graph.ReleaseOwnership()
	for !s.pipeline.IsEnded() {
		progress, err := s.pipeline.ProcessData(ctx)
		if err != nil {
			return fmt.Errorf("unable to process the data: %w", err)
		}
		if progress {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
	logger.Debugf(ctx, "the output ended after %d us", s.MuxedDurationUs())
	return nil
}

func (s *Session) produce(
	ctx context.Context,
	t *track,
) (_err error) {
	ctx = belt.WithField(ctx, "track", t.index)
	logger.Tracef(ctx, "produce")
	defer func() { logger.Tracef(ctx, "/produce: %v", _err) }()

	var timeUs int64
	for idx, item := range t.items {
		isLast := idx == len(t.items)-1
		err := t.input.OnMediaItemChanged(graph.MediaItem{Effects: item.effects}, item.durationUs, item.format, isLast, 0)
		if err != nil {
			return fmt.Errorf("track #%d: unable to switch to item #%d: %w", t.index, idx, err)
		}
		if item.decoder == nil {
			timeUs += item.durationUs
			continue
		}
		if err := queueItem(ctx, t.input, item, timeUs); err != nil {
			return fmt.Errorf("track #%d: unable to queue item #%d: %w", t.index, idx, err)
		}
		timeUs += item.durationUs
	}
	return nil
}

// queueItem copies the decoded audio of the item into the input and
// ends it with an end-of-stream buffer.
func queueItem(
	ctx context.Context,
	input *graph.Input,
	item trackItem,
	timeUs int64,
) error {
	bpf := item.format.BytesPerFrame()
	chunk := make([]byte, readChunkFrames*bpf)
	var frames int64
	pending := 0
	for {
		n, readErr := item.decoder.Read(chunk[pending:])
		pending += n
		if whole := pending / bpf * bpf; whole > 0 {
			b, err := waitInputBuffer(ctx, input)
			if err != nil {
				return err
			}
			b.Fill(chunk[:whole], timeUs+audio.FramesToDurationUs(frames, item.format.SampleRate))
			if !input.QueueInputBuffer() {
				return fmt.Errorf("the input is blocked")
			}
			frames += int64(whole / bpf)
			pending = copy(chunk, chunk[whole:pending])
		}
		if readErr == nil {
			continue
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		return fmt.Errorf("unable to read: %w", readErr)
	}

	b, err := waitInputBuffer(ctx, input)
	if err != nil {
		return err
	}
	b.SetEndOfStream(timeUs + audio.FramesToDurationUs(frames, item.format.SampleRate))
	if !input.QueueInputBuffer() {
		return fmt.Errorf("the input is blocked")
	}
	return nil
}

func waitInputBuffer(
	ctx context.Context,
	input *graph.Input,
) (*audio.InputBuffer, error) {
	for {
		if b := input.GetInputBuffer(); b != nil {
			return b, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (s *Session) release(ctx context.Context) error {
	var mErr *multierror.Error
	if err := s.pipeline.Release(ctx); err != nil {
		mErr = multierror.Append(mErr, fmt.Errorf("unable to release the sample pipeline: %w", err))
	}
	if err := s.graph.Reset(ctx); err != nil {
		mErr = multierror.Append(mErr, fmt.Errorf("unable to reset the graph: %w", err))
	}
	if s.closer != nil {
		if err := s.closer.Close(); err != nil {
			mErr = multierror.Append(mErr, fmt.Errorf("unable to finalize the output: %w", err))
		}
	}
	if err := s.closeDecoders(); err != nil {
		mErr = multierror.Append(mErr, err)
	}
	return mErr.ErrorOrNil()
}

func (s *Session) closeDecoders() error {
	var mErr *multierror.Error
	for _, t := range s.tracks {
		for idx, item := range t.items {
			if item.decoder == nil {
				continue
			}
			if err := item.decoder.Close(); err != nil {
				mErr = multierror.Append(mErr, fmt.Errorf("unable to close item #%d of track #%d: %w", idx, t.index, err))
			}
		}
	}
	return mErr.ErrorOrNil()
}
