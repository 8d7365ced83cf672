package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuffer(t *testing.T) {
	t.Run("Advance_Remaining", func(t *testing.T) {
		b := NewBuffer([]byte{1, 2, 3, 4})
		require.Equal(t, 4, b.Remaining())
		b.Advance(3)
		assert.Equal(t, []byte{4}, b.Bytes())
		assert.True(t, b.HasRemaining())
		b.Skip()
		assert.False(t, b.HasRemaining())
		assert.Panics(t, func() { b.Advance(1) })
	})

	t.Run("Nil_IsEmpty", func(t *testing.T) {
		var b *Buffer
		assert.False(t, b.HasRemaining())
		assert.Nil(t, b.Bytes())
	})

	t.Run("InputBuffer_ReusesStorage", func(t *testing.T) {
		var b InputBuffer
		b.Fill([]byte{1, 2, 3, 4, 5, 6}, 100)
		require.Equal(t, int64(100), b.TimeUs)
		b.Data.Advance(2)
		b.Clear()
		assert.False(t, b.Data.HasRemaining())
		b.Fill([]byte{7, 8}, 200)
		assert.Equal(t, []byte{7, 8}, b.Data.Bytes())
		b.SetEndOfStream(300)
		assert.True(t, b.EndOfStream)
		assert.False(t, b.Data.HasRemaining())
	})
}

func TestFormat(t *testing.T) {
	f := Format{SampleRate: 44100, Channels: 2, PCMFormat: PCMFormatS16LE}
	assert.True(t, f.IsValid())
	assert.Equal(t, 4, f.BytesPerFrame())
	assert.False(t, FormatNotSet.IsValid())
	assert.False(t, Format{SampleRate: 44100, PCMFormat: PCMFormatS16LE}.IsValid())
	assert.Equal(t, "NOT_SET", FormatNotSet.String())
	assert.Equal(t, f, Format{Channels: 2}.Merge(f))
	assert.Equal(t, Channel(1), Format{Channels: 1}.Merge(f).Channels)
}

func TestTime(t *testing.T) {
	assert.Equal(t, int64(44100), DurationUsToFrames(1_000_000, 44100))
	assert.Equal(t, int64(-1), DurationUsToFrames(-1000, 1000))
	assert.Equal(t, int64(2000), FramesToDurationUs(2, 1000))
}
