package session

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/audiomix/pkg/audio"
)

func TestOpenDecoder(t *testing.T) {
	ctx := testCtx()

	t.Run("WAV", func(t *testing.T) {
		path := writeWAV(t, t.TempDir(), "a.wav", 1000, 2, 1, 2, 3, 4, 5, 6)
		d, err := OpenDecoder(ctx, ItemConfig{Path: path})
		require.NoError(t, err)
		defer d.Close()

		assert.Equal(t, audio.Format{SampleRate: 1000, Channels: 2, PCMFormat: audio.PCMFormatS16LE}, d.Format())
		assert.Equal(t, int64(3000), d.DurationUs())
		data, err := io.ReadAll(d)
		require.NoError(t, err)
		assert.Equal(t, int16Bytes(1, 2, 3, 4, 5, 6), data)
	})

	t.Run("Raw", func(t *testing.T) {
		path := writeFile(t, t.TempDir(), "a.pcm", int16Bytes(1, -2, 3, -4))
		d, err := OpenDecoder(ctx, ItemConfig{Path: path, Raw: &RawConfig{Format: monoS16}})
		require.NoError(t, err)
		defer d.Close()

		assert.Equal(t, monoS16, d.Format())
		assert.Equal(t, int64(4000), d.DurationUs())
		data, err := io.ReadAll(d)
		require.NoError(t, err)
		assert.Equal(t, int16Bytes(1, -2, 3, -4), data)
	})

	t.Run("Raw_Planar", func(t *testing.T) {
		stereo := audio.Format{SampleRate: 1000, Channels: 2, PCMFormat: audio.PCMFormatS16LE}
		// two blocks of two frames each: LLRR LLRR
		path := writeFile(t, t.TempDir(), "a.bin", int16Bytes(1, 3, 2, 4, 5, 7, 6, 8))
		d, err := OpenDecoder(ctx, ItemConfig{Path: path, Raw: &RawConfig{Format: stereo, PlanarBlockSize: 8}})
		require.NoError(t, err)
		defer d.Close()

		assert.Equal(t, int64(4000), d.DurationUs())
		data, err := io.ReadAll(d)
		require.NoError(t, err)
		assert.Equal(t, int16Bytes(1, 2, 3, 4, 5, 6, 7, 8), data)
	})

	t.Run("Raw_InvalidPlanarBlockSize", func(t *testing.T) {
		stereo := audio.Format{SampleRate: 1000, Channels: 2, PCMFormat: audio.PCMFormatS16LE}
		path := writeFile(t, t.TempDir(), "a.raw", int16Bytes(1, 2))
		_, err := OpenDecoder(ctx, ItemConfig{Path: path, Raw: &RawConfig{Format: stereo, PlanarBlockSize: 6}})
		require.Error(t, err)
	})

	t.Run("Raw_WithoutFormat", func(t *testing.T) {
		path := writeFile(t, t.TempDir(), "a.raw", int16Bytes(1, 2))
		_, err := OpenDecoder(ctx, ItemConfig{Path: path})
		require.Error(t, err)

		_, err = OpenDecoder(ctx, ItemConfig{Path: path, Raw: &RawConfig{}})
		require.ErrorAs(t, err, new(*audio.UnhandledFormatError))
	})

	for _, name := range []string{"a.wav", "a.mp3", "a.ogg", "a.flac"} {
		name := name
		t.Run("Invalid_"+name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), name, []byte("definitely not audio"))
			_, err := OpenDecoder(ctx, ItemConfig{Path: path})
			require.Error(t, err)
		})
	}

	t.Run("NoFile", func(t *testing.T) {
		_, err := OpenDecoder(ctx, ItemConfig{Path: "/nonexistent/a.wav"})
		require.Error(t, err)
	})
}
