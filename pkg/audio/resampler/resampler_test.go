package resampler

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/audiomix/pkg/audio"
)

func TestResampler(t *testing.T) {
	t.Run("Identity_S16LE_Mono_44100", func(t *testing.T) {
		inFmt := audio.Format{
			Channels:   1,
			SampleRate: 44100,
			PCMFormat:  audio.PCMFormatS16LE,
		}
		// S16 is 2 bytes per sample. 100 samples = 200 bytes.
		data := make([]byte, 200)
		for i := 0; i < 100; i++ {
			binary.LittleEndian.PutUint16(data[i*2:], uint16(i*100))
		}
		r, err := New(inFmt, inFmt)
		require.NoError(t, err)

		out := make([]byte, 200)
		consumed, produced := r.Resample(out, data)
		assert.Equal(t, 200, consumed)
		assert.Equal(t, 200, produced)
		assert.Equal(t, data, out)
	})

	t.Run("Conversion_U8_to_Float32LE_Mono", func(t *testing.T) {
		inFmt := audio.Format{
			Channels:   1,
			SampleRate: 44100,
			PCMFormat:  audio.PCMFormatU8,
		}
		outFmt := inFmt
		outFmt.PCMFormat = audio.PCMFormatFloat32LE
		// 128 in U8 is approx 0.0 in Float32
		data := []byte{0, 128, 255}
		r, err := New(inFmt, outFmt)
		require.NoError(t, err)

		out := make([]byte, 3*4)
		_, produced := r.Resample(out, data)
		assert.Equal(t, 12, produced)

		v0 := math.Float32frombits(binary.LittleEndian.Uint32(out[0:4]))
		v1 := math.Float32frombits(binary.LittleEndian.Uint32(out[4:8]))
		v2 := math.Float32frombits(binary.LittleEndian.Uint32(out[8:12]))

		assert.InDelta(t, -1.0, v0, 0.01)
		assert.InDelta(t, 0.0, v1, 0.01)
		assert.InDelta(t, 1.0, v2, 0.01)
	})

	t.Run("Resampling_44100_to_22050", func(t *testing.T) {
		inFmt := audio.Format{
			Channels:   1,
			SampleRate: 44100,
			PCMFormat:  audio.PCMFormatU8,
		}
		outFmt := inFmt
		outFmt.SampleRate = 22050
		data := make([]byte, 100)
		for i := range data {
			data[i] = byte(i)
		}
		r, err := New(inFmt, outFmt)
		require.NoError(t, err)

		out := make([]byte, 50)
		consumed, produced := r.Resample(out, data)
		assert.Equal(t, 50, produced)
		assert.LessOrEqual(t, consumed, 100)
		// Basic check: should take roughly every second sample
		assert.Equal(t, data[0], out[0])
		assert.Equal(t, data[2], out[1])
	})

	t.Run("Resampling_Stereo_KeepsChannelsApart", func(t *testing.T) {
		format := audio.Format{
			Channels:   2,
			SampleRate: 1000,
			PCMFormat:  audio.PCMFormatU8,
		}
		outFmt := format
		outFmt.SampleRate = 2000
		r, err := New(format, outFmt)
		require.NoError(t, err)

		out := make([]byte, 8)
		consumed, produced := r.Resample(out, []byte{10, 20, 30, 40})
		assert.Equal(t, 4, consumed)
		assert.Equal(t, 8, produced)
		assert.Equal(t, []byte{10, 20, 10, 20, 30, 40, 30, 40}, out)
	})

	t.Run("Resampling_Resumes_AcrossCalls", func(t *testing.T) {
		format := audio.Format{
			Channels:   1,
			SampleRate: 1000,
			PCMFormat:  audio.PCMFormatU8,
		}
		outFmt := format
		outFmt.SampleRate = 3000
		r, err := New(format, outFmt)
		require.NoError(t, err)

		in := []byte{1, 2}
		out := make([]byte, 4)
		consumed, produced := r.Resample(out, in)
		require.Equal(t, 4, produced)
		assert.Equal(t, []byte{1, 1, 1, 2}, out)
		in = in[consumed:]

		out = make([]byte, 4)
		consumed, produced = r.Resample(out, in)
		assert.Equal(t, []byte{2, 2}, out[:produced])
		assert.Equal(t, 1, consumed)
	})

	t.Run("Channels_Mono_to_Stereo", func(t *testing.T) {
		inFmt := audio.Format{
			Channels:   1,
			SampleRate: 44100,
			PCMFormat:  audio.PCMFormatU8,
		}
		outFmt := inFmt
		outFmt.Channels = 2
		data := []byte{10, 20, 30}
		r, err := New(inFmt, outFmt)
		require.NoError(t, err)

		out := make([]byte, 6)
		_, produced := r.Resample(out, data)
		assert.Equal(t, 6, produced)
		assert.Equal(t, []byte{10, 10, 20, 20, 30, 30}, out)
	})

	t.Run("Channels_Stereo_to_Mono", func(t *testing.T) {
		inFmt := audio.Format{
			Channels:   2,
			SampleRate: 44100,
			PCMFormat:  audio.PCMFormatU8,
		}
		outFmt := inFmt
		outFmt.Channels = 1
		data := []byte{100, 200, 50, 150}
		r, err := New(inFmt, outFmt)
		require.NoError(t, err)

		out := make([]byte, 2)
		_, produced := r.Resample(out, data)
		assert.Equal(t, 2, produced)
		// (100+200)/2 = 150 -> approx (scaled back to U8)
		assert.Equal(t, byte(150), out[0])
		assert.Equal(t, byte(100), out[1]) // (50+150)/2 = 100
	})

	t.Run("Channels_Unsupported", func(t *testing.T) {
		_, err := New(
			audio.Format{Channels: 3, SampleRate: 44100, PCMFormat: audio.PCMFormatU8},
			audio.Format{Channels: 2, SampleRate: 44100, PCMFormat: audio.PCMFormatU8},
		)
		assert.ErrorIs(t, err, audio.ErrUnhandledFormat)
	})
}
