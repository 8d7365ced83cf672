package sink

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/facebookincubator/go-belt/tool/logger"
	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/xaionaro-go/audiomix/pkg/audio"
	"github.com/xaionaro-go/audiomix/pkg/audio/pcm"
	"github.com/xaionaro-go/audiomix/pkg/audio/samplepipeline"
)

const wavBitDepth = 16

// WAVMuxer writes a single track as 16-bit PCM WAV. Close must be
// called to finalize the header.
type WAVMuxer struct {
	writer     io.WriteSeeker
	encoder    *wav.Encoder
	format     audio.Format
	intBuffer  goaudio.IntBuffer
	lastTimeUs int64
	frames     int64
	trackEnded bool
	closed     bool
}

var _ samplepipeline.Muxer = (*WAVMuxer)(nil)

func NewWAVMuxer(w io.WriteSeeker) *WAVMuxer {
	return &WAVMuxer{
		writer:     w,
		lastTimeUs: audio.TimeUnset,
	}
}

func (m *WAVMuxer) AddTrack(
	ctx context.Context,
	format audio.Format,
) error {
	if m.encoder != nil {
		return fmt.Errorf("only one track is supported")
	}
	if !format.IsValid() {
		return audio.NewUnhandledFormatError(format, "the format must be fully set")
	}
	logger.Debugf(ctx, "WAV track: %s, written as %d-bit", format, wavBitDepth)
	m.format = format
	m.encoder = wav.NewEncoder(m.writer, int(format.SampleRate), wavBitDepth, int(format.Channels), 1)
	m.intBuffer = goaudio.IntBuffer{
		Format: &goaudio.Format{
			NumChannels: int(format.Channels),
			SampleRate:  int(format.SampleRate),
		},
		SourceBitDepth: wavBitDepth,
	}
	return nil
}

// FramesWritten returns the amount of frames written so far.
func (m *WAVMuxer) FramesWritten() int64 {
	return m.frames
}

func (m *WAVMuxer) WriteSample(
	ctx context.Context,
	data []byte,
	presentationTimeUs int64,
	keyFrame bool,
) (bool, error) {
	checkSample(m.encoder != nil, m.trackEnded, m.lastTimeUs, presentationTimeUs)
	m.lastTimeUs = presentationTimeUs

	sampleSize := int(m.format.PCMFormat.Size())
	if len(data)%m.format.BytesPerFrame() != 0 {
		return false, fmt.Errorf("the sample size %d is not a multiple of the frame size %d", len(data), m.format.BytesPerFrame())
	}
	count := len(data) / sampleSize
	ints := m.intBuffer.Data[:0]
	var s16 [2]byte
	for offset := 0; offset < count*sampleSize; offset += sampleSize {
		pcm.PutSample(audio.PCMFormatS16LE, s16[:], pcm.Sample(m.format.PCMFormat, data[offset:]))
		ints = append(ints, int(int16(binary.LittleEndian.Uint16(s16[:]))))
	}
	m.intBuffer.Data = ints

	if err := m.encoder.Write(&m.intBuffer); err != nil {
		return false, fmt.Errorf("unable to write %d samples: %w", count, err)
	}
	m.frames += int64(count / int(m.format.Channels))
	return true, nil
}

func (m *WAVMuxer) EndTrack(ctx context.Context) error {
	if m.trackEnded {
		return fmt.Errorf("the track is already ended")
	}
	logger.Debugf(ctx, "the WAV track ended after %d frames", m.frames)
	m.trackEnded = true
	return nil
}

// Close finalizes the WAV header. It does not close the underlying
// writer.
func (m *WAVMuxer) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	if m.encoder == nil {
		return nil
	}
	if err := m.encoder.Close(); err != nil {
		return fmt.Errorf("unable to finalize the WAV file: %w", err)
	}
	return nil
}
