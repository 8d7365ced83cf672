package pcm

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/audiomix/pkg/audio/types"
)

func TestSample(t *testing.T) {
	t.Run("RoundTrip_AllFormats", func(t *testing.T) {
		for f := types.PCMFormatU8; f < types.EndOfPCMFormat; f++ {
			buf := make([]byte, f.Size())
			for _, v := range []float64{-0.5, 0, 0.25, 0.5} {
				PutSample(f, buf, v)
				tolerance := 1.0 / 32768
				if f == types.PCMFormatU8 {
					tolerance = 1.0 / 128
				}
				assert.InDelta(t, v, Sample(f, buf), tolerance, f.String())
			}
		}
	})

	t.Run("S16LE_Clamps", func(t *testing.T) {
		buf := make([]byte, 2)
		PutSample(types.PCMFormatS16LE, buf, 1.5)
		assert.Equal(t, int16(math.MaxInt16), int16(binary.LittleEndian.Uint16(buf)))
		PutSample(types.PCMFormatS16LE, buf, -1.5)
		assert.Equal(t, int16(math.MinInt16), int16(binary.LittleEndian.Uint16(buf)))
	})

	t.Run("S24BE_Negative", func(t *testing.T) {
		buf := []byte{0xff, 0xff, 0xff}
		assert.InDelta(t, -1.0/8388608, Sample(types.PCMFormatS24BE, buf), 1e-12)
	})

	t.Run("S64LE_Saturates", func(t *testing.T) {
		buf := make([]byte, 8)
		PutSample(types.PCMFormatS64LE, buf, 1)
		assert.Equal(t, int64(math.MaxInt64), int64(binary.LittleEndian.Uint64(buf)))
	})
}

func TestFloat32Slices(t *testing.T) {
	t.Run("Float32LE_Exact", func(t *testing.T) {
		in := []float32{0.1, -0.1, 0.2, -0.2}
		raw := make([]byte, len(in)*4)
		require.Equal(t, 4, EncodeFloat32(types.PCMFormatFloat32LE, raw, in))
		out := make([]float32, 4)
		require.Equal(t, 4, DecodeFloat32(types.PCMFormatFloat32LE, out, raw))
		assert.Equal(t, in, out)
	})

	t.Run("S16LE_Within_Tolerance", func(t *testing.T) {
		in := []float32{0.5, -0.25, 0.999}
		raw := make([]byte, len(in)*2)
		require.Equal(t, 3, EncodeFloat32(types.PCMFormatS16LE, raw, in))
		out := make([]float32, 3)
		require.Equal(t, 3, DecodeFloat32(types.PCMFormatS16LE, out, raw))
		for i := range in {
			assert.InDelta(t, in[i], out[i], 1.0/32768)
		}
	})

	t.Run("Partial_Destination", func(t *testing.T) {
		out := make([]float32, 1)
		assert.Equal(t, 1, DecodeFloat32(types.PCMFormatS16LE, out, []byte{0, 0, 0, 0}))
	})
}
