package session

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/facebookincubator/go-belt/tool/logger/implementation/logrus"
	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/audiomix/pkg/audio"
)

// 1 frame == 1 millisecond.
var monoS16 = audio.Format{SampleRate: 1000, Channels: 1, PCMFormat: audio.PCMFormatS16LE}

func testCtx() context.Context {
	l := logrus.Default().WithLevel(logger.LevelWarning)
	return logger.CtxWithLogger(context.Background(), l)
}

func int16Bytes(v ...int16) []byte {
	b := make([]byte, len(v)*2)
	for idx, s := range v {
		binary.LittleEndian.PutUint16(b[idx*2:], uint16(s))
	}
	return b
}

// writeWAV writes a 16-bit WAV file into dir and returns its path.
func writeWAV(
	t *testing.T,
	dir string,
	name string,
	sampleRate int,
	channels int,
	samples ...int,
) string {
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	enc := wav.NewEncoder(f, sampleRate, 16, channels, 1)
	require.NoError(t, enc.Write(&goaudio.IntBuffer{
		Format: &goaudio.Format{
			NumChannels: channels,
			SampleRate:  sampleRate,
		},
		Data:           samples,
		SourceBitDepth: 16,
	}))
	require.NoError(t, enc.Close())
	return path
}

func writeFile(t *testing.T, dir string, name string, data []byte) string {
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func readWAV(t *testing.T, path string) (*wav.Decoder, []int) {
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	d := wav.NewDecoder(f)
	require.True(t, d.IsValidFile())
	buf, err := d.FullPCMBuffer()
	require.NoError(t, err)
	return d, buf.Data
}

func ms(v int) *time.Duration {
	d := time.Duration(v) * time.Millisecond
	return &d
}

func volume(v float32) *float32 {
	return &v
}
