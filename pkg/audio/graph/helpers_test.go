package graph

import (
	"context"
	"encoding/binary"
	"math"
	"testing"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/facebookincubator/go-belt/tool/logger/implementation/logrus"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/audiomix/pkg/audio"
)

// 1 frame == 1 millisecond.
var (
	stereoFloat = audio.Format{SampleRate: 1000, Channels: 2, PCMFormat: audio.PCMFormatFloat32LE}
	stereoS16   = audio.Format{SampleRate: 1000, Channels: 2, PCMFormat: audio.PCMFormatS16LE}
	monoS16     = audio.Format{SampleRate: 1000, Channels: 1, PCMFormat: audio.PCMFormatS16LE}
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

func int16Bytes(v ...int16) []byte {
	b := make([]byte, len(v)*2)
	for idx, s := range v {
		binary.LittleEndian.PutUint16(b[idx*2:], uint16(s))
	}
	return b
}

func toFloats(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for idx := range v {
		v[idx] = math.Float32frombits(binary.LittleEndian.Uint32(b[idx*4:]))
	}
	return v
}

func queueData(t *testing.T, input *Input, timeUs int64, data []byte) {
	b := input.GetInputBuffer()
	require.NotNil(t, b, "no input buffer is available")
	b.Fill(data, timeUs)
	require.True(t, input.QueueInputBuffer())
}

func queueEndOfStream(t *testing.T, input *Input, timeUs int64) {
	b := input.GetInputBuffer()
	require.NotNil(t, b, "no input buffer is available")
	b.SetEndOfStream(timeUs)
	require.True(t, input.QueueInputBuffer())
}

type outputSource interface {
	GetOutput(ctx context.Context) (*audio.Buffer, error)
	IsEnded() bool
}

func drain(t *testing.T, ctx context.Context, src outputSource) []byte {
	var result []byte
	for iteration := 0; !src.IsEnded(); iteration++ {
		require.Less(t, iteration, 10_000, "the output never ends")
		out, err := src.GetOutput(ctx)
		require.NoError(t, err)
		result = append(result, out.Bytes()...)
		out.Skip()
	}
	return result
}
