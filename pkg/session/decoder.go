package session

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/facebookincubator/go-belt/tool/logger"
	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
	"github.com/jfreymuth/oggvorbis"
	"github.com/xaionaro-go/audiomix/pkg/audio"
	"github.com/xaionaro-go/audiomix/pkg/audio/pcm"
	"github.com/xaionaro-go/audiomix/pkg/audio/planar"
)

// Decoder reads interleaved PCM audio in Format from a file.
type Decoder interface {
	io.Reader
	io.Closer

	Format() audio.Format

	// DurationUs returns the duration of the audio, or audio.TimeUnset
	// if it is not known.
	DurationUs() int64
}

// OpenDecoder opens the file of the item with the decoder matching its
// extension (.wav, .mp3, .ogg/.oga, .raw/.pcm). Raw files require
// item.Raw.
func OpenDecoder(
	ctx context.Context,
	item ItemConfig,
) (_ret Decoder, _err error) {
	logger.Tracef(ctx, "OpenDecoder(%s)", item.Path)
	defer func() { logger.Tracef(ctx, "/OpenDecoder(%s): %v", item.Path, _err) }()

	ext := strings.ToLower(filepath.Ext(item.Path))
	if item.Raw != nil {
		ext = ".raw"
	}

	f, err := os.Open(item.Path)
	if err != nil {
		return nil, fmt.Errorf("unable to open '%s': %w", item.Path, err)
	}

	var d Decoder
	switch ext {
	case ".wav":
		d, err = newWAVDecoder(f)
	case ".mp3":
		d, err = newMP3Decoder(f)
	case ".ogg", ".oga":
		d, err = newOggVorbisDecoder(f)
	case ".raw", ".pcm":
		if item.Raw == nil {
			err = fmt.Errorf("the format of a raw file must be set explicitly")
			break
		}
		d, err = newRawDecoder(f, *item.Raw)
	default:
		err = fmt.Errorf("unknown file type '%s'", ext)
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("unable to decode '%s': %w", item.Path, err)
	}
	logger.Debugf(ctx, "'%s': %s, %d us", item.Path, d.Format(), d.DurationUs())
	return d, nil
}

func framesToDurationUs(frames int64, sampleRate audio.SampleRate) int64 {
	// rounded up, so that converting back to frames gives the same count
	return (frames*audio.MicrosPerSecond + int64(sampleRate) - 1) / int64(sampleRate)
}

type wavDecoder struct {
	file       *os.File
	decoder    *wav.Decoder
	format     audio.Format
	durationUs int64
	intBuffer  goaudio.IntBuffer
}

func newWAVDecoder(f *os.File) (*wavDecoder, error) {
	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		return nil, fmt.Errorf("not a valid WAV file")
	}
	if d.WavAudioFormat != 1 {
		return nil, fmt.Errorf("only integer PCM WAV files are supported, but the audio format is %d", d.WavAudioFormat)
	}

	var pcmFormat audio.PCMFormat
	switch d.BitDepth {
	case 8:
		pcmFormat = audio.PCMFormatU8
	case 16:
		pcmFormat = audio.PCMFormatS16LE
	case 24:
		pcmFormat = audio.PCMFormatS24LE
	case 32:
		pcmFormat = audio.PCMFormatS32LE
	default:
		return nil, fmt.Errorf("unsupported bit depth: %d", d.BitDepth)
	}
	format := audio.Format{
		SampleRate: audio.SampleRate(d.SampleRate),
		Channels:   audio.Channel(d.NumChans),
		PCMFormat:  pcmFormat,
	}
	if !format.IsValid() {
		return nil, audio.NewUnhandledFormatError(format, "invalid WAV header")
	}

	if err := d.FwdToPCM(); err != nil {
		return nil, fmt.Errorf("unable to find the PCM data: %w", err)
	}
	frames := int64(d.PCMSize) / int64(format.BytesPerFrame())
	return &wavDecoder{
		file:       f,
		decoder:    d,
		format:     format,
		durationUs: framesToDurationUs(frames, format.SampleRate),
		intBuffer: goaudio.IntBuffer{
			Format: &goaudio.Format{
				NumChannels: int(format.Channels),
				SampleRate:  int(format.SampleRate),
			},
			SourceBitDepth: int(d.BitDepth),
		},
	}, nil
}

func (d *wavDecoder) Format() audio.Format {
	return d.format
}

func (d *wavDecoder) DurationUs() int64 {
	return d.durationUs
}

func (d *wavDecoder) Read(p []byte) (int, error) {
	sampleSize := int(d.format.PCMFormat.Size())
	count := len(p) / d.format.BytesPerFrame() * int(d.format.Channels)
	if count == 0 {
		return 0, fmt.Errorf("the buffer of %d bytes is smaller than a frame", len(p))
	}
	if cap(d.intBuffer.Data) < count {
		d.intBuffer.Data = make([]int, count)
	}
	d.intBuffer.Data = d.intBuffer.Data[:count]

	n, err := d.decoder.PCMBuffer(&d.intBuffer)
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("unable to decode: %w", err)
	}
	if n == 0 {
		return 0, io.EOF
	}
	for idx, v := range d.intBuffer.Data[:n] {
		out := p[idx*sampleSize:]
		switch d.format.PCMFormat {
		case audio.PCMFormatU8:
			out[0] = byte(v)
		case audio.PCMFormatS16LE:
			binary.LittleEndian.PutUint16(out, uint16(int16(v)))
		case audio.PCMFormatS24LE:
			out[0], out[1], out[2] = byte(v), byte(v>>8), byte(v>>16)
		case audio.PCMFormatS32LE:
			binary.LittleEndian.PutUint32(out, uint32(int32(v)))
		}
	}
	return n * sampleSize, nil
}

func (d *wavDecoder) Close() error {
	return d.file.Close()
}

// mp3Decoder produces stereo 16-bit audio, whatever the file contains.
type mp3Decoder struct {
	file    *os.File
	decoder *mp3.Decoder
	format  audio.Format
}

func newMP3Decoder(f *os.File) (*mp3Decoder, error) {
	d, err := mp3.NewDecoder(f)
	if err != nil {
		return nil, fmt.Errorf("unable to initialize an MP3 decoder: %w", err)
	}
	return &mp3Decoder{
		file:    f,
		decoder: d,
		format: audio.Format{
			SampleRate: audio.SampleRate(d.SampleRate()),
			Channels:   2,
			PCMFormat:  audio.PCMFormatS16LE,
		},
	}, nil
}

func (d *mp3Decoder) Format() audio.Format {
	return d.format
}

func (d *mp3Decoder) DurationUs() int64 {
	length := d.decoder.Length()
	if length < 0 {
		return audio.TimeUnset
	}
	return framesToDurationUs(length/int64(d.format.BytesPerFrame()), d.format.SampleRate)
}

func (d *mp3Decoder) Read(p []byte) (int, error) {
	return d.decoder.Read(p)
}

func (d *mp3Decoder) Close() error {
	return d.file.Close()
}

type oggVorbisDecoder struct {
	file    *os.File
	reader  *oggvorbis.Reader
	format  audio.Format
	samples []float32
}

func newOggVorbisDecoder(f *os.File) (*oggVorbisDecoder, error) {
	r, err := oggvorbis.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("unable to initialize a vorbis reader: %w", err)
	}
	return &oggVorbisDecoder{
		file:   f,
		reader: r,
		format: audio.Format{
			SampleRate: audio.SampleRate(r.SampleRate()),
			Channels:   audio.Channel(r.Channels()),
			PCMFormat:  audio.PCMFormatFloat32LE,
		},
	}, nil
}

func (d *oggVorbisDecoder) Format() audio.Format {
	return d.format
}

func (d *oggVorbisDecoder) DurationUs() int64 {
	length := d.reader.Length()
	if length <= 0 {
		return audio.TimeUnset
	}
	return framesToDurationUs(length, d.format.SampleRate)
}

func (d *oggVorbisDecoder) Read(p []byte) (int, error) {
	count := len(p) / d.format.BytesPerFrame() * int(d.format.Channels)
	if cap(d.samples) < count {
		d.samples = make([]float32, count)
	}
	n, err := d.reader.Read(d.samples[:count])
	written := pcm.EncodeFloat32(audio.PCMFormatFloat32LE, p, d.samples[:n])
	return written * 4, err
}

func (d *oggVorbisDecoder) Close() error {
	return d.file.Close()
}

type rawDecoder struct {
	file       *os.File
	reader     io.Reader
	format     audio.Format
	durationUs int64
}

func newRawDecoder(f *os.File, cfg RawConfig) (*rawDecoder, error) {
	if !cfg.Format.IsValid() {
		return nil, audio.NewUnhandledFormatError(cfg.Format, "the format of a raw file must be fully set")
	}
	var r io.Reader = f
	if cfg.PlanarBlockSize > 0 {
		frameSize := uint(cfg.Format.BytesPerFrame())
		if cfg.PlanarBlockSize%frameSize != 0 {
			return nil, fmt.Errorf("the planar block size %d is not a multiple of the frame size %d", cfg.PlanarBlockSize, frameSize)
		}
		r = planar.NewUnplanarizeReader(f, cfg.Format.Channels, cfg.Format.PCMFormat.Size(), cfg.PlanarBlockSize)
	}

	durationUs := audio.TimeUnset
	if stat, err := f.Stat(); err == nil {
		frames := stat.Size() / int64(cfg.Format.BytesPerFrame())
		durationUs = framesToDurationUs(frames, cfg.Format.SampleRate)
	}
	return &rawDecoder{
		file:       f,
		reader:     r,
		format:     cfg.Format,
		durationUs: durationUs,
	}, nil
}

func (d *rawDecoder) Format() audio.Format {
	return d.format
}

func (d *rawDecoder) DurationUs() int64 {
	return d.durationUs
}

func (d *rawDecoder) Read(p []byte) (int, error) {
	return d.reader.Read(p)
}

func (d *rawDecoder) Close() error {
	return d.file.Close()
}
