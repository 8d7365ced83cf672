package samplepipeline

import (
	"context"
	"fmt"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/audiomix/pkg/audio"
	"github.com/xaionaro-go/audiomix/pkg/audio/graph"
	"github.com/xaionaro-go/audiomix/pkg/audio/processor"
)

func TestPipeline(t *testing.T) {
	ctx := testCtx()

	t.Run("New_Errors", func(t *testing.T) {
		_, err := New(ctx, Config{InputFormat: stereoS16, Muxer: &fakeMuxer{}})
		assert.Error(t, err)

		_, err = New(ctx, Config{
			InputFormat: audio.Format{SampleRate: 1000},
			Muxer:       &fakeMuxer{},
			NewEncoder: func(ctx context.Context, inputFormat audio.Format) (Encoder, error) {
				return &fakeEncoder{}, nil
			},
		})
		assert.ErrorIs(t, err, audio.ErrUnhandledFormat)

		encoderErr := fmt.Errorf("no encoder")
		_, err = New(ctx, Config{
			InputFormat: stereoS16,
			Muxer:       &fakeMuxer{},
			NewEncoder: func(ctx context.Context, inputFormat audio.Format) (Encoder, error) {
				return nil, encoderErr
			},
		})
		assert.ErrorIs(t, err, encoderErr)
	})

	t.Run("Passthrough_SplitsIntoEncoderSlots", func(t *testing.T) {
		p, encoder, muxer := newTestPipeline(t, Config{
			InputFormat:           stereoS16,
			StreamStartPositionUs: 5_000,
		}, 8)
		data := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
		queueData(t, p, 5_000, data)
		queueEndOfStream(t, p, 8_000)
		drive(t, p)

		assert.Equal(t, []int64{5_000, 7_000}, encoder.inputTimes())
		assert.Equal(t, int64(8_000), encoder.endOfStreamTimeUs)
		assert.Equal(t, []audio.Format{stereoS16}, muxer.trackFormats)
		require.Len(t, muxer.samples, 2)
		assert.Equal(t, int64(0), muxer.samples[0].presentationTimeUs)
		assert.Equal(t, int64(2_000), muxer.samples[1].presentationTimeUs)
		assert.Equal(t, data, muxer.data(), spew.Sdump(muxer.samples))
		assert.Equal(t, 1, muxer.endedTracks)

		progress, err := p.ProcessData(ctx)
		require.NoError(t, err)
		assert.False(t, progress)
		assert.Equal(t, 1, muxer.endedTracks)
	})

	t.Run("Timestamps_AreRoundedUp", func(t *testing.T) {
		p, encoder, _ := newTestPipeline(t, Config{InputFormat: cdAudio}, 4)
		queueData(t, p, 0, make([]byte, 16))
		queueEndOfStream(t, p, 0)
		drive(t, p)

		assert.Equal(t, []int64{0, 23, 46, 69}, encoder.inputTimes())
		assert.Equal(t, int64(91), encoder.endOfStreamTimeUs)
	})

	t.Run("Timestamps_DoNotDrift", func(t *testing.T) {
		const slotSize = 4000
		p, encoder, _ := newTestPipeline(t, Config{InputFormat: cdAudio}, slotSize)
		oneSecond := make([]byte, 44100*cdAudio.BytesPerFrame())
		queueData(t, p, 0, oneSecond)
		queueEndOfStream(t, p, 0)
		drive(t, p)

		times := encoder.inputTimes()
		require.Len(t, times, 45)
		for idx, timeUs := range times {
			bytes := int64(idx * slotSize)
			denominator := int64(cdAudio.BytesPerFrame()) * int64(cdAudio.SampleRate)
			expected := (bytes*audio.MicrosPerSecond + denominator - 1) / denominator
			require.Equal(t, expected, timeUs, "input #%d", idx)
		}
		assert.Equal(t, audio.MicrosPerSecond, encoder.endOfStreamTimeUs)
	})

	t.Run("ItemWithoutAudio_IsSilence", func(t *testing.T) {
		p, encoder, muxer := newTestPipeline(t, Config{InputFormat: stereoS16}, 100)
		p.OnMediaItemChanged(3_000, audio.FormatNotSet, true)
		assert.Nil(t, p.GetInputBuffer())
		drive(t, p)

		assert.Equal(t, make([]byte, 12), muxer.data())
		assert.Equal(t, int64(3_000), encoder.endOfStreamTimeUs)
	})

	t.Run("Silence_PrecedesTheNextItem", func(t *testing.T) {
		p, encoder, muxer := newTestPipeline(t, Config{InputFormat: stereoS16}, 100)
		p.OnMediaItemChanged(2_000, audio.FormatNotSet, false)
		p.OnMediaItemChanged(audio.TimeUnset, stereoS16, true)
		for iteration := 0; p.GetInputBuffer() == nil; iteration++ {
			require.Less(t, iteration, 100)
			_, err := p.ProcessData(ctx)
			require.NoError(t, err)
		}

		queueData(t, p, 0, []byte{1, 2, 3, 4})
		queueEndOfStream(t, p, 1_000)
		drive(t, p)

		assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 0, 1, 2, 3, 4}, muxer.data())
		assert.Equal(t, []int64{0, 2_000}, encoder.inputTimes())
		assert.Equal(t, int64(3_000), encoder.endOfStreamTimeUs)
	})

	t.Run("Effects", func(t *testing.T) {
		p, encoder, muxer := newTestPipeline(t, Config{
			InputFormat: stereoFloat,
			Effects:     []processor.Processor{processor.NewGain(0.5)},
		}, 100)
		assert.Equal(t, stereoFloat, p.EncoderInputFormat())

		queueData(t, p, 0, floatBytes(0.5, 0.5, -0.5, -0.5))
		queueEndOfStream(t, p, 2_000)
		drive(t, p)

		assert.Equal(t, floatBytes(0.25, 0.25, -0.25, -0.25), muxer.data())
		assert.Equal(t, int64(2_000), encoder.endOfStreamTimeUs)
	})

	t.Run("Effects_SilentLastItem", func(t *testing.T) {
		p, _, muxer := newTestPipeline(t, Config{
			InputFormat: stereoFloat,
			Effects:     []processor.Processor{processor.NewGain(0.5)},
		}, 100)
		p.OnMediaItemChanged(2_000, audio.FormatNotSet, true)
		drive(t, p)
		assert.Equal(t, make([]byte, 16), muxer.data())
	})

	t.Run("Muxer_Backpressure", func(t *testing.T) {
		p, encoder, muxer := newTestPipeline(t, Config{InputFormat: stereoS16}, 4)
		muxer.refuse = true
		queueData(t, p, 0, make([]byte, 40))
		processAvailable(t, p)
		assert.Empty(t, muxer.samples)
		assert.Len(t, encoder.inputs, encoder.maxOutput)

		muxer.refuse = false
		queueEndOfStream(t, p, 10_000)
		drive(t, p)
		assert.Len(t, muxer.samples, 10)
	})

	t.Run("Graph", func(t *testing.T) {
		g := graph.New(graph.Config{})
		input, err := g.RegisterInput(ctx, graph.MediaItem{}, stereoFloat)
		require.NoError(t, err)
		require.NoError(t, input.OnMediaItemChanged(graph.MediaItem{}, audio.TimeUnset, stereoFloat, true, 0))

		p, encoder, muxer := newTestPipeline(t, Config{Graph: g}, 100)
		assert.Nil(t, p.GetInputBuffer())
		processAvailable(t, p)

		data := floatBytes(0.1, 0.2, 0.3, 0.4)
		b := input.GetInputBuffer()
		require.NotNil(t, b)
		b.Fill(data, 0)
		require.True(t, input.QueueInputBuffer())
		b = input.GetInputBuffer()
		require.NotNil(t, b)
		b.SetEndOfStream(2_000)
		require.True(t, input.QueueInputBuffer())
		drive(t, p)

		assert.Equal(t, data, muxer.data())
		assert.Equal(t, int64(2_000), encoder.endOfStreamTimeUs)
	})

	t.Run("Release", func(t *testing.T) {
		p, encoder, _ := newTestPipeline(t, Config{InputFormat: stereoS16}, 4)
		require.NoError(t, p.Release(ctx))
		assert.True(t, encoder.released)
		assert.Error(t, p.Release(ctx))
	})
}

func TestSilenceGenerator(t *testing.T) {
	t.Run("ShortSilence", func(t *testing.T) {
		g := NewSilenceGenerator(stereoS16)
		assert.False(t, g.HasRemaining())
		g.AddSilence(3_000)
		assert.True(t, g.HasRemaining())

		b := g.Buffer()
		assert.Equal(t, make([]byte, 12), b.Bytes())
		b.Advance(5)
		assert.Equal(t, 7, g.Buffer().Remaining())
		g.Buffer().Skip()
		assert.True(t, g.HasRemaining())
		assert.False(t, g.Buffer().HasRemaining())
		assert.False(t, g.HasRemaining())
	})

	t.Run("Chunks", func(t *testing.T) {
		g := NewSilenceGenerator(cdAudio)
		g.AddSilence(audio.MicrosPerSecond)
		total := 0
		for iteration := 0; g.HasRemaining(); iteration++ {
			require.Less(t, iteration, 100)
			b := g.Buffer()
			assert.LessOrEqual(t, b.Remaining(), silenceChunkFrames*cdAudio.BytesPerFrame())
			total += b.Remaining()
			b.Skip()
		}
		assert.Equal(t, 44100*cdAudio.BytesPerFrame(), total)
	})
}
