// Package graph mixes the audio of several inputs and applies the
// post-mix effects.
//
// The lifecycle of a Graph is:
//
//	UNCONFIGURED -> (RegisterInput) -> CONFIGURING -> READY -> ENDED
//
// CONFIGURING lasts while some input start time is unresolved. Flush
// returns the graph to CONFIGURING; Reset returns it to UNCONFIGURED.
package graph

import (
	"context"
	"fmt"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/hashicorp/go-multierror"
	"github.com/xaionaro-go/audiomix/internal/ownercheck"
	"github.com/xaionaro-go/audiomix/pkg/audio"
	"github.com/xaionaro-go/audiomix/pkg/audio/mixer"
	"github.com/xaionaro-go/audiomix/pkg/audio/processor"
)

type inputState uint

const (
	inputStateUnresolved = inputState(iota)
	inputStateActive
	inputStateEnded
)

func (s inputState) String() string {
	switch s {
	case inputStateUnresolved:
		return "unresolved"
	case inputStateActive:
		return "active"
	case inputStateEnded:
		return "ended"
	default:
		return fmt.Sprintf("unknown_input_state_%d", uint(s))
	}
}

type inputInfo struct {
	input    *Input
	state    inputState
	sourceID int
	volume   float32
}

type Config struct {
	// RequestedFormat is the format the inputs are converted to before
	// mixing. Unset fields are taken from the first registered input.
	RequestedFormat audio.Format

	// WindowDurationUs is the mixer window; audio.TimeUnset (or zero)
	// selects mixer.DefaultWindowDurationUs.
	WindowDurationUs int64

	// StartTimeUs is the timeline position the mix starts at. Audio of
	// the inputs before it is dropped.
	StartTimeUs int64
}

// Graph owns the inputs, the mixer and the post-mix effects. All the
// methods must be called from the same goroutine.
type Graph struct {
	ownerCheck ownercheck.Checker

	config      Config
	inputs      []*inputInfo
	mixer       *mixer.Mixer
	pipeline    *processor.Pipeline
	mixerFormat audio.Format

	isMixerConfigured  bool
	isMixerReady       bool
	pendingStartTimeUs int64
	endTimeUs          int64
	mixerOutput        *audio.Buffer
	finishedInputs     int
}

func New(
	cfg Config,
	effects ...processor.Processor,
) *Graph {
	if cfg.WindowDurationUs == 0 {
		cfg.WindowDurationUs = audio.TimeUnset
	}
	return &Graph{
		config:             cfg,
		mixer:              mixer.New(),
		pipeline:           processor.NewPipeline(effects...),
		mixerFormat:        audio.FormatNotSet,
		pendingStartTimeUs: cfg.StartTimeUs,
		endTimeUs:          audio.TimeUnset,
		mixerOutput:        audio.EmptyBuffer(),
	}
}

// SetOwnerCheckEnabled toggles the assertion that every call comes
// from the goroutine that made the first one.
func (g *Graph) SetOwnerCheckEnabled(enabled bool) {
	g.ownerCheck.SetEnabled(enabled)
}

// ReleaseOwnership lets another goroutine drive the graph.
func (g *Graph) ReleaseOwnership() {
	g.ownerCheck.Release()
}

// RegisterInput adds an input producing audio in the given format.
// The first input determines the mixer format.
func (g *Graph) RegisterInput(
	ctx context.Context,
	item MediaItem,
	format audio.Format,
) (_ret *Input, _err error) {
	g.ownerCheck.Check("RegisterInput")
	logger.Tracef(ctx, "RegisterInput(%s)", format)
	defer func() { logger.Tracef(ctx, "/RegisterInput(%s): %v", format, _err) }()

	idx := len(g.inputs)
	requestedFormat := g.mixerFormat
	if requestedFormat == audio.FormatNotSet {
		requestedFormat = g.config.RequestedFormat
	}
	input, err := NewInput(ctx, requestedFormat, item, format)
	if err != nil {
		return nil, fmt.Errorf("unable to register input #%d: %w", idx, err)
	}
	if g.mixerFormat == audio.FormatNotSet {
		mixerFormat := input.OutputFormat()
		if !mixerFormat.IsValid() {
			return nil, fmt.Errorf("unable to register input #%d: %w", idx, audio.NewUnhandledFormatError(mixerFormat, "invalid mixer format"))
		}
		if _, err := g.pipeline.Configure(ctx, mixerFormat); err != nil {
			return nil, fmt.Errorf("unable to register input #%d: unable to configure the post-mix effects: %w", idx, err)
		}
		g.pipeline.Flush(ctx, processor.StreamMetadata{})
		g.mixerFormat = mixerFormat
		logger.Debugf(ctx, "the mixer format is %s", mixerFormat)
	}

	g.inputs = append(g.inputs, &inputInfo{
		input:  input,
		state:  inputStateUnresolved,
		volume: 1,
	})
	g.isMixerReady = false
	return input, nil
}

// SetInputVolume sets the gain the input is mixed with.
func (g *Graph) SetInputVolume(
	input *Input,
	volume float32,
) error {
	g.ownerCheck.Check("SetInputVolume")
	if volume < 0 {
		return fmt.Errorf("the volume must not be negative, but it is %v", volume)
	}
	info := g.findInput(input)
	if info == nil {
		return fmt.Errorf("the input is not registered")
	}
	info.volume = volume
	if info.state != inputStateActive {
		return nil
	}
	return g.mixer.SetSourceVolume(info.sourceID, volume)
}

func (g *Graph) findInput(input *Input) *inputInfo {
	for _, info := range g.inputs {
		if info.input == input {
			return info
		}
	}
	return nil
}

// MixerFormat returns the format every input is converted to.
func (g *Graph) MixerFormat() audio.Format {
	return g.mixerFormat
}

// OutputFormat returns the format of the buffers returned by GetOutput.
func (g *Graph) OutputFormat() audio.Format {
	return g.pipeline.OutputFormat()
}

// GetOutput returns the next mixed (and post-processed) audio. An empty
// buffer means there is nothing to output right now.
func (g *Graph) GetOutput(ctx context.Context) (*audio.Buffer, error) {
	g.ownerCheck.Check("GetOutput")

	ready, err := g.ensureMixerReady(ctx)
	if err != nil {
		return audio.EmptyBuffer(), err
	}
	if !ready {
		return audio.EmptyBuffer(), nil
	}

	if !g.mixer.IsEnded() {
		if err := g.feedMixer(ctx); err != nil {
			return audio.EmptyBuffer(), err
		}
	}
	if !g.mixerOutput.HasRemaining() {
		g.mixerOutput = g.mixer.GetOutput(ctx)
	}

	if g.pipeline.IsOperational() {
		g.feedPipelineFromMixer(ctx)
		return g.pipeline.GetOutput(ctx), nil
	}
	return g.mixerOutput, nil
}

func (g *Graph) ensureMixerReady(ctx context.Context) (bool, error) {
	if g.isMixerReady {
		return true, nil
	}
	if g.mixerFormat == audio.FormatNotSet {
		return false, nil
	}
	if !g.isMixerConfigured {
		err := g.mixer.Configure(ctx, g.mixerFormat, g.config.WindowDurationUs, g.pendingStartTimeUs)
		if err != nil {
			return false, fmt.Errorf("unable to configure the mixer: %w", err)
		}
		if g.endTimeUs != audio.TimeUnset {
			g.mixer.SetEndTimeUs(ctx, g.endTimeUs)
		}
		g.isMixerConfigured = true
	}

	g.isMixerReady = true
	for idx, info := range g.inputs {
		if info.state != inputStateUnresolved {
			continue
		}
		// makes the input apply its first media item
		if _, err := info.input.GetOutput(ctx); err != nil {
			return false, fmt.Errorf("unable to get the output of input #%d: %w", idx, err)
		}
		startTimeUs := info.input.StartTimeUs()
		switch startTimeUs {
		case audio.TimeUnset:
			g.isMixerReady = false
			continue
		case audio.TimeEndOfSource:
			logger.Debugf(ctx, "input #%d has no audio", idx)
			info.state = inputStateEnded
			g.finishedInputs++
			continue
		}
		sourceID, err := g.mixer.AddSource(ctx, info.input.OutputFormat(), startTimeUs)
		if err != nil {
			return false, fmt.Errorf("unable to add input #%d to the mixer: %w", idx, err)
		}
		if err := g.mixer.SetSourceVolume(sourceID, info.volume); err != nil {
			return false, fmt.Errorf("unable to set the volume of input #%d: %w", idx, err)
		}
		info.sourceID = sourceID
		info.state = inputStateActive
		logger.Debugf(ctx, "input #%d starts at %d us", idx, startTimeUs)
	}
	return g.isMixerReady, nil
}

func (g *Graph) feedMixer(ctx context.Context) error {
	for idx, info := range g.inputs {
		if info.state != inputStateActive {
			continue
		}
		if info.input.IsEnded() {
			g.mixer.RemoveSource(ctx, info.sourceID)
			info.state = inputStateEnded
			g.finishedInputs++
			logger.Debugf(ctx, "input #%d ended", idx)
			continue
		}
		out, err := info.input.GetOutput(ctx)
		if err != nil {
			return fmt.Errorf("unable to get the output of input #%d: %w", idx, err)
		}
		g.mixer.QueueInput(ctx, info.sourceID, out)
	}

	if g.endTimeUs == audio.TimeUnset && g.allInputsFinished() && g.mixer.EndTimeUs() == audio.TimeUnset {
		endTimeUs := g.mixer.RemovedSourcesEndTimeUs()
		logger.Debugf(ctx, "all the inputs finished, the mix ends at %d us", endTimeUs)
		g.mixer.SetEndTimeUs(ctx, endTimeUs)
	}
	return nil
}

func (g *Graph) allInputsFinished() bool {
	return len(g.inputs) > 0 && g.finishedInputs >= len(g.inputs)
}

func (g *Graph) feedPipelineFromMixer(ctx context.Context) {
	if g.isMixerEnded() {
		g.pipeline.QueueEndOfStream(ctx)
		return
	}
	g.pipeline.QueueInput(ctx, g.mixerOutput)
}

func (g *Graph) isMixerEnded() bool {
	if g.mixerOutput.HasRemaining() || !g.mixer.IsEnded() {
		return false
	}
	// an explicit end time cuts the inputs that are still running
	return g.allInputsFinished() || g.endTimeUs != audio.TimeUnset
}

// BlockInput makes every input refuse new data, e.g. during a seek.
func (g *Graph) BlockInput() {
	g.ownerCheck.Check("BlockInput")
	for _, info := range g.inputs {
		info.input.BlockInput()
	}
}

func (g *Graph) UnblockInput() {
	g.ownerCheck.Check("UnblockInput")
	for _, info := range g.inputs {
		info.input.UnblockInput()
	}
}

// SetEndTimeUs sets the time the mix is cut at; audio.TimeUnset lets
// it end together with the inputs. It survives Flush.
func (g *Graph) SetEndTimeUs(
	ctx context.Context,
	endTimeUs int64,
) {
	g.ownerCheck.Check("SetEndTimeUs")
	g.endTimeUs = endTimeUs
	if g.isMixerConfigured {
		g.mixer.SetEndTimeUs(ctx, endTimeUs)
	}
}

// Flush drops the buffered data of the graph and of every input. The
// mix restarts at startTimeUs.
func (g *Graph) Flush(
	ctx context.Context,
	startTimeUs int64,
) {
	g.ownerCheck.Check("Flush")
	logger.Tracef(ctx, "Flush(%d)", startTimeUs)
	defer func() { logger.Tracef(ctx, "/Flush(%d)", startTimeUs) }()

	for _, info := range g.inputs {
		info.state = inputStateUnresolved
		info.input.Flush(ctx, 0)
	}
	g.mixer.Reset(ctx)
	g.pendingStartTimeUs = startTimeUs
	g.isMixerConfigured = false
	g.isMixerReady = false
	g.mixerOutput = audio.EmptyBuffer()
	g.pipeline.Flush(ctx, processor.StreamMetadata{})
	g.finishedInputs = 0
}

// Reset releases every input and forgets the mixer format.
func (g *Graph) Reset(ctx context.Context) (_err error) {
	g.ownerCheck.Check("Reset")
	logger.Tracef(ctx, "Reset")
	defer func() { logger.Tracef(ctx, "/Reset: %v", _err) }()

	var mErr *multierror.Error
	for idx, info := range g.inputs {
		if err := info.input.Release(ctx); err != nil {
			mErr = multierror.Append(mErr, fmt.Errorf("unable to release input #%d: %w", idx, err))
		}
	}
	g.inputs = g.inputs[:0]
	g.mixer.Reset(ctx)
	g.pipeline.Reset(ctx)
	g.mixerFormat = audio.FormatNotSet
	g.isMixerConfigured = false
	g.isMixerReady = false
	g.pendingStartTimeUs = g.config.StartTimeUs
	g.mixerOutput = audio.EmptyBuffer()
	g.finishedInputs = 0
	return mErr.ErrorOrNil()
}

// IsEnded reports whether every frame of the mix was output.
func (g *Graph) IsEnded() bool {
	g.ownerCheck.Check("IsEnded")
	if g.pipeline.IsOperational() {
		return g.pipeline.IsEnded()
	}
	return g.isMixerEnded()
}
