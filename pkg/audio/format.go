package audio

import (
	"fmt"

	"github.com/xaionaro-go/audiomix/pkg/audio/types"
)

type Channel = types.Channel
type SampleRate = types.SampleRate
type PCMFormat = types.PCMFormat

const (
	PCMFormatUndefined = types.PCMFormatUndefined
	PCMFormatU8        = types.PCMFormatU8
	PCMFormatS16LE     = types.PCMFormatS16LE
	PCMFormatS16BE     = types.PCMFormatS16BE
	PCMFormatS24LE     = types.PCMFormatS24LE
	PCMFormatS24BE     = types.PCMFormatS24BE
	PCMFormatS32LE     = types.PCMFormatS32LE
	PCMFormatS32BE     = types.PCMFormatS32BE
	PCMFormatS64LE     = types.PCMFormatS64LE
	PCMFormatS64BE     = types.PCMFormatS64BE
	PCMFormatFloat32LE = types.PCMFormatFloat32LE
	PCMFormatFloat32BE = types.PCMFormatFloat32BE
	PCMFormatFloat64LE = types.PCMFormatFloat64LE
	PCMFormatFloat64BE = types.PCMFormatFloat64BE
)

// Format describes interleaved PCM audio. The zero value is FormatNotSet.
type Format struct {
	SampleRate SampleRate `yaml:"sample_rate,omitempty"`
	Channels   Channel    `yaml:"channels,omitempty"`
	PCMFormat  PCMFormat  `yaml:"pcm_format,omitempty"`
}

var FormatNotSet = Format{}

// IsValid reports whether the encoding, the sample rate and the channel
// count are all set.
func (f Format) IsValid() bool {
	if f.PCMFormat == PCMFormatUndefined || f.PCMFormat.Size() == 0 {
		return false
	}
	if f.SampleRate == 0 {
		return false
	}
	if f.Channels == 0 {
		return false
	}
	return true
}

func (f Format) BytesPerFrame() int {
	return int(f.PCMFormat.Size()) * int(f.Channels)
}

func (f Format) String() string {
	if f == FormatNotSet {
		return "NOT_SET"
	}
	return fmt.Sprintf("%dHz/%dch/%s", f.SampleRate, f.Channels, f.PCMFormat)
}

// Merge returns f with every unset field taken from other.
func (f Format) Merge(other Format) Format {
	if f.SampleRate == 0 {
		f.SampleRate = other.SampleRate
	}
	if f.Channels == 0 {
		f.Channels = other.Channels
	}
	if f.PCMFormat == PCMFormatUndefined {
		f.PCMFormat = other.PCMFormat
	}
	return f
}
