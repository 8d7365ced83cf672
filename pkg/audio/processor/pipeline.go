package processor

import (
	"context"
	"fmt"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/audiomix/pkg/audio"
)

// Pipeline chains processors. Output of each active processor is the
// input of the next one; inactive processors are skipped.
type Pipeline struct {
	processors          []Processor
	activeProcessors    []Processor
	outputBuffers       []*audio.Buffer
	pendingOutputFormat audio.Format
	outputFormat        audio.Format
	inputEnded          bool
}

func NewPipeline(processors ...Processor) *Pipeline {
	return &Pipeline{
		processors: processors,
	}
}

func (p *Pipeline) Processors() []Processor {
	return p.processors
}

// Configure stages the formats of every processor and returns the
// resulting output format. It takes effect on the next Flush.
func (p *Pipeline) Configure(
	ctx context.Context,
	inputFormat audio.Format,
) (_ret audio.Format, _err error) {
	logger.Tracef(ctx, "Configure(%s)", inputFormat)
	defer func() { logger.Tracef(ctx, "/Configure(%s): %s %v", inputFormat, _ret, _err) }()

	if err := checkInputFormat(inputFormat); err != nil {
		return audio.FormatNotSet, err
	}

	current := inputFormat
	for idx, proc := range p.processors {
		out, err := proc.Configure(ctx, current)
		if err != nil {
			return audio.FormatNotSet, fmt.Errorf("unable to configure processor #%d (%T) for %s: %w", idx, proc, current, err)
		}
		if proc.IsActive() {
			if !out.IsValid() {
				return audio.FormatNotSet, fmt.Errorf("processor #%d (%T) returned an invalid format: %w", idx, proc, audio.NewUnhandledFormatError(out, "invalid output"))
			}
			current = out
		}
	}
	p.pendingOutputFormat = current
	return current, nil
}

// OutputFormat returns the output format in effect since the last Flush.
func (p *Pipeline) OutputFormat() audio.Format {
	return p.outputFormat
}

// Flush applies the staged configuration and drops buffered data.
func (p *Pipeline) Flush(
	ctx context.Context,
	metadata StreamMetadata,
) {
	p.activeProcessors = p.activeProcessors[:0]
	for _, proc := range p.processors {
		proc.Flush(ctx, metadata)
		if proc.IsActive() {
			p.activeProcessors = append(p.activeProcessors, proc)
		}
	}
	p.outputBuffers = make([]*audio.Buffer, len(p.activeProcessors))
	for idx := range p.outputBuffers {
		p.outputBuffers[idx] = audio.EmptyBuffer()
	}
	p.outputFormat = p.pendingOutputFormat
	p.inputEnded = false
}

// Reset returns every processor to its unconfigured state.
func (p *Pipeline) Reset(ctx context.Context) {
	for _, proc := range p.processors {
		proc.Reset(ctx)
	}
	p.activeProcessors = p.activeProcessors[:0]
	p.outputBuffers = nil
	p.pendingOutputFormat = audio.FormatNotSet
	p.outputFormat = audio.FormatNotSet
	p.inputEnded = false
}

// IsOperational reports whether at least one processor is active.
func (p *Pipeline) IsOperational() bool {
	return len(p.activeProcessors) > 0
}

func (p *Pipeline) QueueInput(
	ctx context.Context,
	input *audio.Buffer,
) {
	if !p.IsOperational() || p.inputEnded {
		return
	}
	p.processData(ctx, input)
}

func (p *Pipeline) GetOutput(ctx context.Context) *audio.Buffer {
	if !p.IsOperational() {
		return audio.EmptyBuffer()
	}
	out := p.outputBuffers[p.finalIndex()]
	if out.HasRemaining() {
		return out
	}
	p.processData(ctx, audio.EmptyBuffer())
	return p.outputBuffers[p.finalIndex()]
}

func (p *Pipeline) QueueEndOfStream(ctx context.Context) {
	if !p.IsOperational() || p.inputEnded {
		return
	}
	p.inputEnded = true
	p.activeProcessors[0].QueueEndOfStream(ctx)
}

func (p *Pipeline) IsEnded() bool {
	if !p.IsOperational() {
		return false
	}
	idx := p.finalIndex()
	return p.activeProcessors[idx].IsEnded() && !p.outputBuffers[idx].HasRemaining()
}

func (p *Pipeline) finalIndex() int {
	return len(p.outputBuffers) - 1
}

func (p *Pipeline) processData(
	ctx context.Context,
	input *audio.Buffer,
) {
	for progressMade := true; progressMade; {
		progressMade = false
		for idx := 0; idx <= p.finalIndex(); idx++ {
			if p.outputBuffers[idx].HasRemaining() {
				// the output of this stage is not consumed yet
				continue
			}
			proc := p.activeProcessors[idx]
			if proc.IsEnded() {
				if idx < p.finalIndex() {
					p.activeProcessors[idx+1].QueueEndOfStream(ctx)
				}
				continue
			}

			stageInput := input
			if idx > 0 {
				stageInput = p.outputBuffers[idx-1]
			}
			before := stageInput.Remaining()
			proc.QueueInput(ctx, stageInput)
			p.outputBuffers[idx] = proc.GetOutput(ctx)
			if before-stageInput.Remaining() > 0 || p.outputBuffers[idx].HasRemaining() {
				progressMade = true
			}
		}
	}
}
