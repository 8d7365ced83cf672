package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"time"

	"github.com/facebookincubator/go-belt"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/facebookincubator/go-belt/tool/logger/implementation/logrus"
	"github.com/spf13/pflag"
	"github.com/xaionaro-go/audiomix/pkg/session"
	"github.com/xaionaro-go/datacounter"
	"github.com/xaionaro-go/observability"
)

type countingFile struct {
	*os.File
	counter *datacounter.WriterCounter
}

func (f *countingFile) Write(p []byte) (int, error) {
	return f.counter.Write(p)
}

func main() {
	loggerLevel := logger.LevelInfo
	pflag.Var(&loggerLevel, "log-level", "Log level")
	outputPath := pflag.String("output", "", "overrides the output path of the session")
	realtime := pflag.Bool("realtime", false, "write the output at the playback speed")
	progressInterval := pflag.Duration("progress-interval", time.Second, "how often to log the progress; zero disables it")
	netPprofAddr := pflag.String("net-pprof-listen-addr", "", "an address to listen for incoming net/pprof connections")
	pflag.Parse()

	if pflag.NArg() != 1 {
		panic(fmt.Errorf("expected exactly one argument: <session.yaml>"))
	}

	l := logrus.Default().WithLevel(loggerLevel)
	ctx := logger.CtxWithLogger(context.Background(), l)
	logger.Default = func() logger.Logger {
		return l
	}
	defer belt.Flush(ctx)

	ctx, cancelFn := signal.NotifyContext(ctx, os.Interrupt)
	defer cancelFn()

	if *netPprofAddr != "" {
		observability.Go(ctx, func() { l.Error(http.ListenAndServe(*netPprofAddr, nil)) })
	}

	cfg, err := session.LoadConfigFile(pflag.Arg(0))
	assertNoError(err)
	if *outputPath != "" {
		cfg.Output.Path = *outputPath
		assertNoError(cfg.Validate())
	}
	if *realtime {
		cfg.Realtime = true
	}

	f, err := os.Create(cfg.Output.Path)
	assertNoError(err)
	defer f.Close()
	output := &countingFile{
		File:    f,
		counter: datacounter.NewWriterCounter(f),
	}

	s, err := session.New(ctx, *cfg, output)
	assertNoError(err)
	logger.Infof(ctx, "session %s: mixing %d tracks into '%s' (%s)", s.ID, len(cfg.Tracks), cfg.Output.Path, s.OutputFormat())

	if *progressInterval > 0 {
		progressCtx, progressCancelFn := context.WithCancel(ctx)
		defer progressCancelFn()
		observability.Go(progressCtx, func() {
			ctx := progressCtx
			t := time.NewTicker(*progressInterval)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
				}
				logger.Infof(ctx, "mixed: %v (%d bytes of audio, %d bytes written)",
					time.Duration(s.MuxedDurationUs())*time.Microsecond, s.MuxedBytes(), output.counter.Count())
				for idx, analyzer := range s.SpectrumAnalyzers() {
					spectrum := analyzer.LastSpectrum()
					if spectrum == nil {
						continue
					}
					logger.Debugf(ctx, "spectrum #%d: peak frequencies %v Hz, RMS %v", idx, spectrum.PeakFrequencyHz, spectrum.RMS)
				}
			}
		})
	}

	assertNoError(s.Run(ctx))
	logger.Infof(ctx, "done: %v of audio, %d bytes written",
		time.Duration(s.MuxedDurationUs())*time.Microsecond, output.counter.Count())
}

func assertNoError(err error) {
	if err != nil {
		panic(err)
	}
}
