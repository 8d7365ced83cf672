package processor

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

func testCtx() context.Context {
	l := logrus.Default().WithLevel(logger.LevelWarning)
	return logger.CtxWithLogger(context.Background(), l)
}

func floatsToBytes(v ...float32) []byte {
	b := make([]byte, len(v)*4)
	for idx, f := range v {
		binary.LittleEndian.PutUint32(b[idx*4:], math.Float32bits(f))
	}
	return b
}

func bytesToFloats(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for idx := range v {
		v[idx] = math.Float32frombits(binary.LittleEndian.Uint32(b[idx*4:]))
	}
	return v
}

func int16sToBytes(v ...int16) []byte {
	b := make([]byte, len(v)*2)
	for idx, s := range v {
		binary.LittleEndian.PutUint16(b[idx*2:], uint16(s))
	}
	return b
}

func bytesToInt16s(b []byte) []int16 {
	v := make([]int16, len(b)/2)
	for idx := range v {
		v[idx] = int16(binary.LittleEndian.Uint16(b[idx*2:]))
	}
	return v
}

type drainable interface {
	GetOutput(ctx context.Context) *audio.Buffer
	IsEnded() bool
}

func drain(t *testing.T, ctx context.Context, p drainable) []byte {
	var result []byte
	for iteration := 0; ; iteration++ {
		require.Less(t, iteration, 1_000_000, "the stream never ends")
		out := p.GetOutput(ctx)
		if out.HasRemaining() {
			result = append(result, out.Bytes()...)
			out.Skip()
			continue
		}
		if p.IsEnded() {
			return result
		}
	}
}
