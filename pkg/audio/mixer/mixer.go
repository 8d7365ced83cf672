// Package mixer mixes time-aligned PCM sources into a single stream.
//
// All positions are counted in output frames relative to the start
// time passed to Configure. The mixer keeps two windows of accumulated
// samples; a source may only be queued up to the end of the window
// after the output position, which is what makes producers re-offer
// the rest of their buffers later.
//
// A Mixer is not safe for concurrent use.
package mixer

import (
	"context"
	"fmt"
	"math"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/audiomix/pkg/audio"
	"github.com/xaionaro-go/audiomix/pkg/audio/pcm"
)

// DefaultWindowDurationUs is used when Configure gets audio.TimeUnset
// as the window duration.
const DefaultWindowDurationUs = int64(500_000)

const positionUnbounded = int64(math.MaxInt64)

type source struct {
	format audio.Format

	// position is the output frame the next queued input frame lands on.
	position int64

	volume        float32
	defaultMatrix audio.ChannelMixingMatrix
	matrix        audio.ChannelMixingMatrix
}

func (s *source) setVolume(volume float32) {
	s.volume = volume
	s.matrix = s.defaultMatrix.Scale(volume)
}

type Mixer struct {
	format           audio.Format
	startTimeUs      int64
	windowFrames     int64
	endPosition      int64
	inputLimit       int64
	outputPosition   int64
	accumulatorStart int64

	// accumulator holds two windows of interleaved samples starting at
	// accumulatorStart.
	accumulator []float32

	sources                   map[int]*source
	nextSourceID              int
	removedSourcesEndPosition int64

	inSamples     []float32
	outputStorage []byte
}

func New() *Mixer {
	m := &Mixer{}
	m.reset()
	return m
}

func (m *Mixer) reset() {
	m.format = audio.FormatNotSet
	m.startTimeUs = 0
	m.windowFrames = 0
	m.endPosition = positionUnbounded
	m.inputLimit = 0
	m.outputPosition = 0
	m.accumulatorStart = 0
	m.accumulator = nil
	m.sources = map[int]*source{}
	m.removedSourcesEndPosition = 0
	m.outputStorage = nil
}

// Configure prepares the mixer for a new timeline starting at
// startTimeUs. Previously added sources and the end time are dropped.
func (m *Mixer) Configure(
	ctx context.Context,
	format audio.Format,
	windowDurationUs int64,
	startTimeUs int64,
) (_err error) {
	logger.Tracef(ctx, "Configure(%s, %d, %d)", format, windowDurationUs, startTimeUs)
	defer func() { logger.Tracef(ctx, "/Configure(%s, %d, %d): %v", format, windowDurationUs, startTimeUs, _err) }()

	if !format.IsValid() {
		return fmt.Errorf("unable to configure the mixer: %w", audio.NewUnhandledFormatError(format, "encoding, sample rate and channel count must all be set"))
	}
	if windowDurationUs == audio.TimeUnset {
		windowDurationUs = DefaultWindowDurationUs
	}
	if windowDurationUs <= 0 {
		return fmt.Errorf("the window duration must be positive, but it is %d", windowDurationUs)
	}

	m.reset()
	m.format = format
	m.startTimeUs = startTimeUs
	m.windowFrames = max(1, audio.DurationUsToFrames(windowDurationUs, format.SampleRate))
	m.accumulator = make([]float32, 2*m.windowFrames*int64(format.Channels))
	m.updateInputLimit()
	return nil
}

func (m *Mixer) isConfigured() bool {
	return m.format != audio.FormatNotSet
}

func (m *Mixer) OutputFormat() audio.Format {
	return m.format
}

// AddSource registers a source whose first frame plays at startTimeUs.
// Frames before the mixer start time are dropped; a gap before
// startTimeUs is filled with silence.
func (m *Mixer) AddSource(
	ctx context.Context,
	format audio.Format,
	startTimeUs int64,
) (_ret int, _err error) {
	logger.Tracef(ctx, "AddSource(%s, %d)", format, startTimeUs)
	defer func() { logger.Tracef(ctx, "/AddSource(%s, %d): %d %v", format, startTimeUs, _ret, _err) }()

	if !m.isConfigured() {
		return 0, fmt.Errorf("the mixer is not configured")
	}
	if err := m.checkSourceFormat(format); err != nil {
		return 0, fmt.Errorf("unable to add a source: %w", err)
	}
	matrix, err := audio.NewConstantGainChannelMixingMatrix(format.Channels, m.format.Channels)
	if err != nil {
		return 0, fmt.Errorf("unable to add a source: %w", audio.NewUnhandledFormatError(format, "%v", err))
	}

	offsetUs := startTimeUs - m.startTimeUs
	position := audio.DurationUsToFrames(offsetUs, m.format.SampleRate)
	if offsetUs*int64(m.format.SampleRate)%audio.MicrosPerSecond < 0 {
		// a frame starting before the timeline start is dropped as a whole
		position--
	}
	if position < m.outputPosition {
		// The part overlapping already delivered output is dropped on queueing.
		logger.Debugf(ctx, "a source starts at frame %d, but the output is already at %d", position, m.outputPosition)
	}

	id := m.nextSourceID
	m.nextSourceID++
	s := &source{
		format:        format,
		position:      position,
		defaultMatrix: matrix,
	}
	s.setVolume(1)
	m.sources[id] = s
	return id, nil
}

func (m *Mixer) checkSourceFormat(format audio.Format) error {
	if !format.IsValid() {
		return audio.NewUnhandledFormatError(format, "encoding, sample rate and channel count must all be set")
	}
	if format.SampleRate != m.format.SampleRate {
		return audio.NewUnhandledFormatError(format, "the sample rate does not match the mixer sample rate %d", m.format.SampleRate)
	}
	return nil
}

// SupportsSourceFormat reports whether AddSource would accept the format.
func (m *Mixer) SupportsSourceFormat(format audio.Format) bool {
	if !m.isConfigured() || m.checkSourceFormat(format) != nil {
		return false
	}
	_, err := audio.NewConstantGainChannelMixingMatrix(format.Channels, m.format.Channels)
	return err == nil
}

func (m *Mixer) HasSource(sourceID int) bool {
	_, ok := m.sources[sourceID]
	return ok
}

// SetSourceVolume sets the linear gain of a source. A source with zero
// volume still gates the output, but its input is discarded.
func (m *Mixer) SetSourceVolume(
	sourceID int,
	volume float32,
) error {
	s, ok := m.sources[sourceID]
	if !ok {
		return fmt.Errorf("source %d does not exist", sourceID)
	}
	if volume < 0 {
		return fmt.Errorf("the volume must not be negative, but it is %v", volume)
	}
	s.setVolume(volume)
	return nil
}

// RemoveSource marks the source as finished. Data already queued from
// it is still delivered.
func (m *Mixer) RemoveSource(
	ctx context.Context,
	sourceID int,
) {
	logger.Tracef(ctx, "RemoveSource(%d)", sourceID)
	defer func() { logger.Tracef(ctx, "/RemoveSource(%d)", sourceID) }()
	s, ok := m.sources[sourceID]
	if !ok {
		return
	}
	m.removedSourcesEndPosition = max(m.removedSourcesEndPosition, s.position)
	delete(m.sources, sourceID)
}

// RemovedSourcesEndTimeUs returns the latest end time among the removed
// sources (the mixer start time if none).
func (m *Mixer) RemovedSourcesEndTimeUs() int64 {
	return m.startTimeUs + framesToDurationUsCeil(m.removedSourcesEndPosition, m.format.SampleRate)
}

// QueueInput mixes as many whole frames of input as fit below the input
// limit and advances input past them.
func (m *Mixer) QueueInput(
	ctx context.Context,
	sourceID int,
	input *audio.Buffer,
) {
	if m.IsEnded() {
		return
	}
	s, ok := m.sources[sourceID]
	if !ok || s.position >= m.inputLimit {
		return
	}

	frameSize := s.format.BytesPerFrame()
	frames := int64(input.Remaining() / frameSize)
	newPosition := min(s.position+frames, m.inputLimit)
	if newPosition <= s.position {
		return
	}

	if s.matrix.IsZero() {
		m.advanceSource(s, input, newPosition-s.position)
		return
	}

	if s.position < m.outputPosition {
		// Frames before the output position are never delivered.
		skip := min(m.outputPosition, newPosition) - s.position
		m.advanceSource(s, input, skip)
		if s.position == newPosition {
			return
		}
	}

	m.mix(s, input.Bytes(), newPosition-s.position)
	m.advanceSource(s, input, newPosition-s.position)
}

func (m *Mixer) advanceSource(s *source, input *audio.Buffer, frames int64) {
	input.Advance(int(frames) * s.format.BytesPerFrame())
	s.position += frames
}

func (m *Mixer) mix(s *source, data []byte, frames int64) {
	inChannels := int(s.format.Channels)
	outChannels := int(m.format.Channels)
	frameSize := s.format.BytesPerFrame()
	if cap(m.inSamples) < inChannels {
		m.inSamples = make([]float32, inChannels)
	}
	inSamples := m.inSamples[:inChannels]

	offset := (s.position - m.accumulatorStart) * int64(outChannels)
	for frame := 0; frame < int(frames); frame++ {
		pcm.DecodeFloat32(s.format.PCMFormat, inSamples, data[frame*frameSize:(frame+1)*frameSize])
		out := m.accumulator[offset+int64(frame*outChannels):]
		for outCh := 0; outCh < outChannels; outCh++ {
			var sum float32
			for inCh := 0; inCh < inChannels; inCh++ {
				sum += s.matrix.Get(inCh, outCh) * inSamples[inCh]
			}
			out[outCh] += sum
		}
	}
}

// GetOutput returns the frames every source has already contributed to,
// or silence up to the input limit if there are no sources. The buffer
// must be consumed before the next call.
func (m *Mixer) GetOutput(ctx context.Context) *audio.Buffer {
	if !m.isConfigured() || m.IsEnded() {
		return audio.EmptyBuffer()
	}

	minSourcePosition := m.endPosition
	if len(m.sources) == 0 {
		minSourcePosition = min(minSourcePosition, m.inputLimit)
	}
	for _, s := range m.sources {
		minSourcePosition = min(minSourcePosition, s.position)
	}

	firstWindowEnd := m.accumulatorStart + m.windowFrames
	newOutputPosition := min(minSourcePosition, firstWindowEnd)
	if newOutputPosition <= m.outputPosition {
		return audio.EmptyBuffer()
	}

	channels := int64(m.format.Channels)
	samples := m.accumulator[(m.outputPosition-m.accumulatorStart)*channels : (newOutputPosition-m.accumulatorStart)*channels]
	size := len(samples) * int(m.format.PCMFormat.Size())
	if cap(m.outputStorage) < size {
		m.outputStorage = make([]byte, size)
	}
	out := m.outputStorage[:size]
	pcm.EncodeFloat32(m.format.PCMFormat, out, samples)

	if newOutputPosition == firstWindowEnd {
		m.shiftWindows()
	}
	m.outputPosition = newOutputPosition
	m.updateInputLimit()
	return audio.NewBuffer(out)
}

func (m *Mixer) shiftWindows() {
	windowSamples := m.windowFrames * int64(m.format.Channels)
	copy(m.accumulator, m.accumulator[windowSamples:])
	clear(m.accumulator[windowSamples:])
	m.accumulatorStart += m.windowFrames
}

func (m *Mixer) updateInputLimit() {
	m.inputLimit = min(m.endPosition, m.outputPosition+m.windowFrames)
}

// SetEndTimeUs sets the time the output is truncated at;
// audio.TimeUnset removes the limit.
func (m *Mixer) SetEndTimeUs(
	ctx context.Context,
	endTimeUs int64,
) {
	logger.Tracef(ctx, "SetEndTimeUs(%d)", endTimeUs)
	defer func() { logger.Tracef(ctx, "/SetEndTimeUs(%d)", endTimeUs) }()
	m.setEndTimeUs(endTimeUs)
	m.updateInputLimit()
}

func (m *Mixer) setEndTimeUs(endTimeUs int64) {
	if endTimeUs == audio.TimeUnset || !m.isConfigured() {
		m.endPosition = positionUnbounded
		return
	}
	m.endPosition = audio.DurationUsToFrames(endTimeUs-m.startTimeUs, m.format.SampleRate)
}

// EndTimeUs returns the end time, or audio.TimeUnset.
func (m *Mixer) EndTimeUs() int64 {
	if m.endPosition == positionUnbounded || !m.isConfigured() {
		return audio.TimeUnset
	}
	return m.startTimeUs + framesToDurationUsCeil(m.endPosition, m.format.SampleRate)
}

// IsEnded reports whether every frame up to the end time was output.
func (m *Mixer) IsEnded() bool {
	return m.outputPosition >= m.endPosition
}

// Reset drops the sources and the configuration.
func (m *Mixer) Reset(ctx context.Context) {
	logger.Tracef(ctx, "Reset")
	defer func() { logger.Tracef(ctx, "/Reset") }()
	m.reset()
}

// framesToDurationUsCeil rounds up, so converting the result back to
// frames yields the same frame count.
func framesToDurationUsCeil(frames int64, sampleRate audio.SampleRate) int64 {
	if sampleRate == 0 {
		return 0
	}
	rate := int64(sampleRate)
	if frames < 0 {
		return -(-frames * audio.MicrosPerSecond / rate)
	}
	return (frames*audio.MicrosPerSecond + rate - 1) / rate
}
