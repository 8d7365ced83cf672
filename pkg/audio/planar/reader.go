package planar

import (
	"errors"
	"fmt"
	"io"

	"github.com/xaionaro-go/audiomix/pkg/audio"
)

// UnplanarizeReader reads block-planar PCM from Backend (every block of
// BlockSize bytes is planar on its own) and returns it interleaved.
type UnplanarizeReader struct {
	Backend    io.Reader
	Channels   audio.Channel
	SampleSize uint
	BlockSize  int

	block   []byte
	pending []byte
	offset  int
}

var _ io.Reader = (*UnplanarizeReader)(nil)

func NewUnplanarizeReader(
	backend io.Reader,
	channels audio.Channel,
	sampleSize uint,
	blockSize uint,
) *UnplanarizeReader {
	if blockSize == 0 || blockSize%(sampleSize*uint(channels)) != 0 {
		panic(fmt.Errorf("block size in not a positive multiple of sampleSize*channels: %d %% %d*%d != 0", blockSize, sampleSize, uint(channels)))
	}
	return &UnplanarizeReader{
		Backend:    backend,
		Channels:   channels,
		SampleSize: sampleSize,
		BlockSize:  int(blockSize),
		block:      make([]byte, blockSize),
		pending:    make([]byte, 0, blockSize),
	}
}

func (r *UnplanarizeReader) Read(p []byte) (int, error) {
	if r.offset >= len(r.pending) {
		n, err := io.ReadFull(r.Backend, r.block)
		switch {
		case errors.Is(err, io.ErrUnexpectedEOF):
			// the last block may be shorter; it is planar within its own length
			frameSize := int(r.SampleSize) * int(r.Channels)
			n = n / frameSize * frameSize
			if n == 0 {
				return 0, io.EOF
			}
		case err != nil:
			return 0, err
		}
		r.pending = r.pending[:n]
		if err := Unplanarize(r.Channels, r.SampleSize, r.pending, r.block[:n]); err != nil {
			return 0, fmt.Errorf("unable to unplanarize: %w", err)
		}
		r.offset = 0
	}
	n := copy(p, r.pending[r.offset:])
	r.offset += n
	return n, nil
}
