package processor

import (
	"context"
	"fmt"
	"math"
	"math/cmplx"
	"sync"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/mjibson/go-dsp/fft"
	"github.com/xaionaro-go/audiomix/pkg/audio"
	"github.com/xaionaro-go/audiomix/pkg/audio/pcm"
	"github.com/xaionaro-go/audiomix/pkg/audio/planar"
)

const DefaultSpectrumWindowFrames = 2048

type Spectrum struct {
	SampleRate audio.SampleRate

	// Magnitudes holds windowFrames/2+1 bins per channel.
	Magnitudes      [][]float64
	PeakFrequencyHz []float64
	RMS             []float64
}

// SpectrumAnalyzer passes audio through unchanged and computes the
// magnitude spectrum of every full window of frames.
type SpectrumAnalyzer struct {
	Base
	windowFrames int
	window       []byte
	planarWindow []byte

	locker          sync.Mutex
	last            *Spectrum
	windowsAnalyzed uint64
}

var (
	_ Processor              = (*SpectrumAnalyzer)(nil)
	_ audio.AbstractAnalyzer = (*SpectrumAnalyzer)(nil)
)

func NewSpectrumAnalyzer(windowFrames int) *SpectrumAnalyzer {
	if windowFrames <= 0 {
		windowFrames = DefaultSpectrumWindowFrames
	}
	return &SpectrumAnalyzer{
		windowFrames: windowFrames,
	}
}

func (p *SpectrumAnalyzer) Close() error {
	return nil
}

func (p *SpectrumAnalyzer) Format(
	ctx context.Context,
) (audio.Format, error) {
	if p.outputFormat == audio.FormatNotSet {
		return audio.FormatNotSet, fmt.Errorf("the analyzer is not configured")
	}
	return p.outputFormat, nil
}

// LastSpectrum returns the spectrum of the latest complete window, or
// nil. It is safe to call from any goroutine.
func (p *SpectrumAnalyzer) LastSpectrum() *Spectrum {
	p.locker.Lock()
	defer p.locker.Unlock()
	return p.last
}

func (p *SpectrumAnalyzer) WindowsAnalyzed() uint64 {
	p.locker.Lock()
	defer p.locker.Unlock()
	return p.windowsAnalyzed
}

func (p *SpectrumAnalyzer) Configure(
	ctx context.Context,
	inputFormat audio.Format,
) (audio.Format, error) {
	if err := checkInputFormat(inputFormat); err != nil {
		return audio.FormatNotSet, err
	}
	p.stageFormats(inputFormat, inputFormat)
	return inputFormat, nil
}

func (p *SpectrumAnalyzer) QueueInput(
	ctx context.Context,
	input *audio.Buffer,
) {
	bytesPerFrame := p.inputFormat.BytesPerFrame()
	size := input.Remaining() / bytesPerFrame * bytesPerFrame
	if size == 0 {
		return
	}
	data := input.Bytes()[:size]
	out := p.replaceOutputBuffer(size)
	copy(out, data)
	input.Advance(size)

	windowSize := p.windowFrames * bytesPerFrame
	for len(data) > 0 {
		n := min(windowSize-len(p.window), len(data))
		p.window = append(p.window, data[:n]...)
		data = data[n:]
		if len(p.window) == windowSize {
			p.analyze(ctx)
			p.window = p.window[:0]
		}
	}
}

func (p *SpectrumAnalyzer) analyze(ctx context.Context) {
	format := p.inputFormat
	channels := int(format.Channels)
	sampleSize := int(format.PCMFormat.Size())
	if cap(p.planarWindow) < len(p.window) {
		p.planarWindow = make([]byte, len(p.window))
	}
	p.planarWindow = p.planarWindow[:len(p.window)]
	if err := planar.Planarize(format.Channels, uint(sampleSize), p.planarWindow, p.window); err != nil {
		logger.Errorf(ctx, "unable to planarize the analysis window: %v", err)
		return
	}

	spectrum := &Spectrum{
		SampleRate:      format.SampleRate,
		Magnitudes:      make([][]float64, channels),
		PeakFrequencyHz: make([]float64, channels),
		RMS:             make([]float64, channels),
	}
	samples := make([]float64, p.windowFrames)
	for ch := 0; ch < channels; ch++ {
		plane := p.planarWindow[ch*p.windowFrames*sampleSize:]
		var sumSquares float64
		for idx := range samples {
			samples[idx] = pcm.Sample(format.PCMFormat, plane[idx*sampleSize:])
			sumSquares += samples[idx] * samples[idx]
		}
		spectrum.RMS[ch] = math.Sqrt(sumSquares / float64(len(samples)))

		coeffs := fft.FFTReal(samples)
		bins := len(coeffs)/2 + 1
		magnitudes := make([]float64, bins)
		for bin := 0; bin < bins; bin++ {
			magnitudes[bin] = cmplx.Abs(coeffs[bin])
		}
		// the DC bin is not a frequency
		peakBin := 0
		if bins > 1 {
			peakBin = 1
		}
		for bin := peakBin + 1; bin < bins; bin++ {
			if magnitudes[bin] > magnitudes[peakBin] {
				peakBin = bin
			}
		}
		spectrum.Magnitudes[ch] = magnitudes
		spectrum.PeakFrequencyHz[ch] = float64(peakBin) * float64(format.SampleRate) / float64(p.windowFrames)
	}
	logger.Tracef(ctx, "spectrum: peak %v Hz, rms %v", spectrum.PeakFrequencyHz, spectrum.RMS)

	p.locker.Lock()
	defer p.locker.Unlock()
	p.last = spectrum
	p.windowsAnalyzed++
}

func (p *SpectrumAnalyzer) QueueEndOfStream(ctx context.Context) {
	p.markInputEnded()
}

func (p *SpectrumAnalyzer) Flush(
	ctx context.Context,
	metadata StreamMetadata,
) {
	p.flushBase()
	p.window = p.window[:0]
}

func (p *SpectrumAnalyzer) Reset(ctx context.Context) {
	p.resetBase()
	p.window = nil
	p.planarWindow = nil
	p.locker.Lock()
	defer p.locker.Unlock()
	p.last = nil
}
