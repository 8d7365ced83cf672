// Package planar converts between interleaved PCM (LRLRLR) and planar
// PCM (LLLRRR).
package planar

import (
	"fmt"

	"github.com/xaionaro-go/audiomix/pkg/audio"
)

// Planarize converts interleaved input into planar output.
func Planarize(channels audio.Channel, sampleSize uint, output, input []byte) error {
	if err := checkLengths(channels, sampleSize, output, input); err != nil {
		return err
	}
	transpose(channels, sampleSize, output, input, true)
	return nil
}

// Unplanarize converts planar input into interleaved output.
func Unplanarize(channels audio.Channel, sampleSize uint, output, input []byte) error {
	if err := checkLengths(channels, sampleSize, output, input); err != nil {
		return err
	}
	transpose(channels, sampleSize, output, input, false)
	return nil
}

func checkLengths(channels audio.Channel, sampleSize uint, output, input []byte) error {
	shortestMessageSize := int(channels) * int(sampleSize)
	if shortestMessageSize == 0 {
		return fmt.Errorf("channels (%d) and sample size (%d) must be positive", channels, sampleSize)
	}
	if len(input) < shortestMessageSize {
		return fmt.Errorf("the provided input buffer is too short: %d < %d", len(input), shortestMessageSize)
	}
	if len(input)%shortestMessageSize != 0 {
		return fmt.Errorf("expected a message length that is a multiple of %d, but received %d", shortestMessageSize, len(input))
	}
	if len(input) != len(output) {
		return fmt.Errorf("the lengths of input and output are not equal: %d != %d", len(input), len(output))
	}
	return nil
}

func transpose(channels audio.Channel, sampleSize uint, output, input []byte, toPlanar bool) {
	size := int(sampleSize)
	frameSize := size * int(channels)
	framesCount := len(input) / frameSize
	for ch := 0; ch < int(channels); ch++ {
		for frame := 0; frame < framesCount; frame++ {
			interleavedIdx := frame*frameSize + ch*size
			planarIdx := (ch*framesCount + frame) * size
			if toPlanar {
				copy(output[planarIdx:planarIdx+size], input[interleavedIdx:interleavedIdx+size])
			} else {
				copy(output[interleavedIdx:interleavedIdx+size], input[planarIdx:planarIdx+size])
			}
		}
	}
}
