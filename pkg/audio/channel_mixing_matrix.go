package audio

import (
	"fmt"
)

// ChannelMixingMatrix maps input channels to output channels. The
// coefficient for input channel i and output channel o is stored at
// i*OutputChannels+o.
type ChannelMixingMatrix struct {
	InputChannels  Channel
	OutputChannels Channel
	Coefficients   []float32
}

// NewConstantGainChannelMixingMatrix returns the matrix that keeps the
// perceived loudness when changing the channel count. Only identity,
// mono to stereo and stereo to mono are known.
func NewConstantGainChannelMixingMatrix(
	inputChannels Channel,
	outputChannels Channel,
) (ChannelMixingMatrix, error) {
	m := ChannelMixingMatrix{
		InputChannels:  inputChannels,
		OutputChannels: outputChannels,
	}
	switch {
	case inputChannels == 0 || outputChannels == 0:
		return ChannelMixingMatrix{}, fmt.Errorf("channel counts must be positive: %d -> %d", inputChannels, outputChannels)
	case inputChannels == outputChannels:
		m.Coefficients = make([]float32, int(inputChannels)*int(outputChannels))
		for ch := 0; ch < int(inputChannels); ch++ {
			m.Coefficients[ch*int(outputChannels)+ch] = 1
		}
	case inputChannels == 1 && outputChannels == 2:
		m.Coefficients = []float32{1, 1}
	case inputChannels == 2 && outputChannels == 1:
		m.Coefficients = []float32{0.5, 0.5}
	default:
		return ChannelMixingMatrix{}, fmt.Errorf("no default channel mixing matrix for %d -> %d channels", inputChannels, outputChannels)
	}
	return m, nil
}

func (m ChannelMixingMatrix) Get(inputChannel, outputChannel int) float32 {
	return m.Coefficients[inputChannel*int(m.OutputChannels)+outputChannel]
}

// Scale returns a copy of the matrix with every coefficient multiplied by v.
func (m ChannelMixingMatrix) Scale(v float32) ChannelMixingMatrix {
	coeffs := make([]float32, len(m.Coefficients))
	for idx, c := range m.Coefficients {
		coeffs[idx] = c * v
	}
	m.Coefficients = coeffs
	return m
}

func (m ChannelMixingMatrix) IsZero() bool {
	for _, c := range m.Coefficients {
		if c != 0 {
			return false
		}
	}
	return true
}

func (m ChannelMixingMatrix) IsIdentity() bool {
	if m.InputChannels != m.OutputChannels {
		return false
	}
	for in := 0; in < int(m.InputChannels); in++ {
		for out := 0; out < int(m.OutputChannels); out++ {
			expected := float32(0)
			if in == out {
				expected = 1
			}
			if m.Get(in, out) != expected {
				return false
			}
		}
	}
	return true
}
