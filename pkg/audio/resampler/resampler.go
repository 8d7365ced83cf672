package resampler

import (
	"fmt"

	"github.com/xaionaro-go/audiomix/pkg/audio"
	"github.com/xaionaro-go/audiomix/pkg/audio/pcm"
)

type channelMode uint

const (
	channelModeCopy = channelMode(iota)
	channelModeRepeat
	channelModeAverage
)

type precalculated struct {
	inSampleSize    int
	outSampleSize   int
	inFrameSize     int
	outFrameSize    int
	channelMode     channelMode
	rawCopy         bool
	inDistanceStep  uint64
	outDistanceStep uint64
}

// Resampler converts interleaved PCM between formats: sample rate
// (nearest-sample), channel count (mono<->N) and sample encoding.
// It keeps its phase between calls, so a stream can be fed in pieces.
type Resampler struct {
	inFormat    audio.Format
	outFormat   audio.Format
	inDistance  uint64
	outDistance uint64
	precalculated
}

func New(
	inFormat audio.Format,
	outFormat audio.Format,
) (*Resampler, error) {
	r := &Resampler{
		inFormat:  inFormat,
		outFormat: outFormat,
	}
	err := r.init()
	if err != nil {
		return nil, fmt.Errorf("unable to initialize a resampler from %s to %s: %w", inFormat, outFormat, err)
	}
	return r, nil
}

func (r *Resampler) init() error {
	if !r.inFormat.IsValid() {
		return audio.NewUnhandledFormatError(r.inFormat, "invalid input format")
	}
	if !r.outFormat.IsValid() {
		return audio.NewUnhandledFormatError(r.outFormat, "invalid output format")
	}
	r.inSampleSize = int(r.inFormat.PCMFormat.Size())
	r.outSampleSize = int(r.outFormat.PCMFormat.Size())
	r.inFrameSize = r.inFormat.BytesPerFrame()
	r.outFrameSize = r.outFormat.BytesPerFrame()

	r.channelMode = channelModeCopy
	if r.inFormat.Channels != r.outFormat.Channels {
		switch {
		case r.inFormat.Channels == 1:
			r.channelMode = channelModeRepeat
		case r.outFormat.Channels == 1:
			r.channelMode = channelModeAverage
		default:
			return audio.NewUnhandledFormatError(r.inFormat, "do not know how to convert %d channels to %d", r.inFormat.Channels, r.outFormat.Channels)
		}
	}
	r.rawCopy = r.channelMode == channelModeCopy && r.inFormat.PCMFormat == r.outFormat.PCMFormat

	// Distances are measured in 1/(inRate*outRate) seconds, so both steps
	// are integers and no drift accumulates.
	r.inDistanceStep = uint64(r.outFormat.SampleRate)
	r.outDistanceStep = uint64(r.inFormat.SampleRate)

	r.Reset()
	return nil
}

func (r *Resampler) InputFormat() audio.Format {
	return r.inFormat
}

func (r *Resampler) OutputFormat() audio.Format {
	return r.outFormat
}

// Reset drops the phase accumulated so far.
func (r *Resampler) Reset() {
	r.inDistance = 0
	r.outDistance = 0
}

// MaxOutputSize returns the amount of bytes that is always enough to
// hold the result of converting inputSize bytes.
func (r *Resampler) MaxOutputSize(inputSize int) int {
	inFrames := inputSize / r.inFrameSize
	outFrames := uint64(inFrames)*r.inDistanceStep/r.outDistanceStep + 2
	return int(outFrames) * r.outFrameSize
}

// Resample converts whole frames from in into out. It returns how many
// bytes of in were consumed and how many bytes of out were written.
func (r *Resampler) Resample(out, in []byte) (consumed int, produced int) {
	inFrames := len(in) / r.inFrameSize
	maxOutFrames := len(out) / r.outFrameSize

	srcFrameIdx, dstFrameIdx := 0, 0
	for srcFrameIdx < inFrames {
		// The output position is already past this input frame: skip it.
		if r.outDistance >= r.inDistance+r.inDistanceStep {
			srcFrameIdx++
			r.inDistance += r.inDistanceStep
			continue
		}
		if dstFrameIdx >= maxOutFrames {
			break
		}
		r.convertFrame(
			out[dstFrameIdx*r.outFrameSize:(dstFrameIdx+1)*r.outFrameSize],
			in[srcFrameIdx*r.inFrameSize:(srcFrameIdx+1)*r.inFrameSize],
		)
		dstFrameIdx++
		r.outDistance += r.outDistanceStep
	}

	return srcFrameIdx * r.inFrameSize, dstFrameIdx * r.outFrameSize
}

func (r *Resampler) convertFrame(dst, src []byte) {
	if r.rawCopy {
		copy(dst, src)
		return
	}
	inPCM, outPCM := r.inFormat.PCMFormat, r.outFormat.PCMFormat
	switch r.channelMode {
	case channelModeCopy:
		for ch := 0; ch < int(r.inFormat.Channels); ch++ {
			pcm.PutSample(outPCM, dst[ch*r.outSampleSize:], pcm.Sample(inPCM, src[ch*r.inSampleSize:]))
		}
	case channelModeRepeat:
		val := pcm.Sample(inPCM, src)
		for ch := 0; ch < int(r.outFormat.Channels); ch++ {
			pcm.PutSample(outPCM, dst[ch*r.outSampleSize:], val)
		}
	case channelModeAverage:
		var sum float64
		for ch := 0; ch < int(r.inFormat.Channels); ch++ {
			sum += pcm.Sample(inPCM, src[ch*r.inSampleSize:])
		}
		pcm.PutSample(outPCM, dst, sum/float64(r.inFormat.Channels))
	}
}
