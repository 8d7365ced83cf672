package samplepipeline

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"testing"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/facebookincubator/go-belt/tool/logger/implementation/logrus"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/audiomix/pkg/audio"
)

// 1 frame == 1 millisecond.
var (
	stereoS16   = audio.Format{SampleRate: 1000, Channels: 2, PCMFormat: audio.PCMFormatS16LE}
	stereoFloat = audio.Format{SampleRate: 1000, Channels: 2, PCMFormat: audio.PCMFormatFloat32LE}
	cdAudio     = audio.Format{SampleRate: 44100, Channels: 2, PCMFormat: audio.PCMFormatS16LE}
)

func testCtx() context.Context {
	l := logrus.Default().WithLevel(logger.LevelWarning)
	return logger.CtxWithLogger(context.Background(), l)
}

func floatBytes(v ...float32) []byte {
	b := make([]byte, len(v)*4)
	for idx, f := range v {
		binary.LittleEndian.PutUint32(b[idx*4:], math.Float32bits(f))
	}
	return b
}

type queuedInput struct {
	data   []byte
	timeUs int64
}

type fakeEncoder struct {
	format    audio.Format
	slotSize  int
	maxOutput int

	inputs            []queuedInput
	outputs           []*Sample
	inputEnded        bool
	endOfStreamTimeUs int64
	released          bool
}

var _ Encoder = (*fakeEncoder)(nil)

func (e *fakeEncoder) InputCapacity() int {
	if e.inputEnded || len(e.outputs) >= e.maxOutput {
		return 0
	}
	return e.slotSize
}

func (e *fakeEncoder) QueueInput(ctx context.Context, data []byte, timeUs int64) error {
	if len(data) > e.slotSize {
		return fmt.Errorf("%d bytes do not fit into a slot of %d bytes", len(data), e.slotSize)
	}
	copied := append([]byte{}, data...)
	e.inputs = append(e.inputs, queuedInput{data: copied, timeUs: timeUs})
	e.outputs = append(e.outputs, &Sample{Data: copied, TimeUs: timeUs, KeyFrame: true})
	return nil
}

func (e *fakeEncoder) QueueEndOfStream(ctx context.Context, timeUs int64) error {
	if e.inputEnded {
		return fmt.Errorf("the end of stream is already queued")
	}
	e.inputEnded = true
	e.endOfStreamTimeUs = timeUs
	return nil
}

func (e *fakeEncoder) OutputFormat() audio.Format {
	return e.format
}

func (e *fakeEncoder) GetOutput(ctx context.Context) (*Sample, error) {
	if len(e.outputs) == 0 {
		return nil, nil
	}
	return e.outputs[0], nil
}

func (e *fakeEncoder) ReleaseOutput(ctx context.Context) error {
	e.outputs = e.outputs[1:]
	return nil
}

func (e *fakeEncoder) IsEnded() bool {
	return e.inputEnded && len(e.outputs) == 0
}

func (e *fakeEncoder) Release(ctx context.Context) error {
	if e.released {
		return fmt.Errorf("already released")
	}
	e.released = true
	return nil
}

func (e *fakeEncoder) inputTimes() []int64 {
	var result []int64
	for _, in := range e.inputs {
		result = append(result, in.timeUs)
	}
	return result
}

type writtenSample struct {
	data               []byte
	presentationTimeUs int64
}

type fakeMuxer struct {
	trackFormats []audio.Format
	samples      []writtenSample
	endedTracks  int
	refuse       bool
}

var _ Muxer = (*fakeMuxer)(nil)

func (m *fakeMuxer) AddTrack(ctx context.Context, format audio.Format) error {
	m.trackFormats = append(m.trackFormats, format)
	return nil
}

func (m *fakeMuxer) WriteSample(ctx context.Context, data []byte, presentationTimeUs int64, keyFrame bool) (bool, error) {
	if m.refuse {
		return false, nil
	}
	m.samples = append(m.samples, writtenSample{
		data:               append([]byte{}, data...),
		presentationTimeUs: presentationTimeUs,
	})
	return true, nil
}

func (m *fakeMuxer) EndTrack(ctx context.Context) error {
	m.endedTracks++
	return nil
}

func (m *fakeMuxer) data() []byte {
	var result []byte
	for _, s := range m.samples {
		result = append(result, s.data...)
	}
	return result
}

func newTestPipeline(
	t *testing.T,
	cfg Config,
	slotSize int,
) (*Pipeline, *fakeEncoder, *fakeMuxer) {
	encoder := &fakeEncoder{slotSize: slotSize, maxOutput: 4}
	muxer := &fakeMuxer{}
	cfg.Muxer = muxer
	cfg.NewEncoder = func(ctx context.Context, inputFormat audio.Format) (Encoder, error) {
		encoder.format = inputFormat
		return encoder, nil
	}
	p, err := New(testCtx(), cfg)
	require.NoError(t, err)
	return p, encoder, muxer
}

func queueData(t *testing.T, p *Pipeline, timeUs int64, data []byte) {
	b := p.GetInputBuffer()
	require.NotNil(t, b, "no input buffer is available")
	b.Fill(data, timeUs)
	require.True(t, p.QueueInputBuffer())
}

func queueEndOfStream(t *testing.T, p *Pipeline, timeUs int64) {
	b := p.GetInputBuffer()
	require.NotNil(t, b, "no input buffer is available")
	b.SetEndOfStream(timeUs)
	require.True(t, p.QueueInputBuffer())
}

func drive(t *testing.T, p *Pipeline) {
	ctx := testCtx()
	for iteration := 0; !p.IsEnded(); iteration++ {
		require.Less(t, iteration, 100_000, "the pipeline never ends")
		_, err := p.ProcessData(ctx)
		require.NoError(t, err)
	}
}

// processAvailable calls ProcessData until it reports no progress.
func processAvailable(t *testing.T, p *Pipeline) {
	ctx := testCtx()
	for iteration := 0; ; iteration++ {
		require.Less(t, iteration, 100_000, "the pipeline never stops")
		progress, err := p.ProcessData(ctx)
		require.NoError(t, err)
		if !progress {
			return
		}
	}
}
