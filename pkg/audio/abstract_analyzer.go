package audio

import (
	"context"
	"io"
)

type AbstractAnalyzer interface {
	io.Closer

	Format(context.Context) (Format, error)
}

/* for easier copy&paste:

func () Close() error {
}

func () Format(
	ctx context.Context,
) (audio.Format, error) {
}

*/
