package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/facebookincubator/go-belt"
	"github.com/facebookincubator/go-belt/tool/logger/implementation/logrus"
	"github.com/spf13/pflag"
	"github.com/xaionaro-go/avdecorate/config"
	"github.com/xaionaro-go/avdecorate/control"
	"github.com/xaionaro-go/avdecorate/event"
	"github.com/xaionaro-go/avdecorate/framesource/factory"
	"github.com/xaionaro-go/avdecorate/logger"
	"github.com/xaionaro-go/avdecorate/metrics"
	"github.com/xaionaro-go/avdecorate/orchestrator"
	"github.com/xaionaro-go/avdecorate/sink"
	sinkfactory "github.com/xaionaro-go/avdecorate/sink/factory"
	"github.com/xaionaro-go/avdecorate/textrender"
	"github.com/xaionaro-go/observability"
	"github.com/xaionaro-go/secret"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg := config.Default()
	config.BindFlags(pflag.CommandLine, &cfg)
	configPath := pflag.String("config", "", "YAML/JSON/TOML file with the parameters; flags override it")
	netPprofAddr := pflag.String("net-pprof-listen-addr", "", "an address to listen for incoming net/pprof connections")
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "syntax: %s -o <URL-to> -m <material> [-m <material> ...]\n", os.Args[0])
		pflag.PrintDefaults()
	}
	pflag.Parse()
	if err := config.Load(*configPath, pflag.CommandLine, &cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var loggerLevel logger.Level
	if err := loggerLevel.Set(cfg.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level '%s': %v\n", cfg.LogLevel, err)
		os.Exit(1)
	}
	l := logrus.Default().WithLevel(loggerLevel)
	ctx := logger.CtxWithLogger(context.Background(), l)
	logger.SetDefault(func() logger.Logger {
		return l
	})
	defer belt.Flush(ctx)
	logger.BridgeAstiav(ctx)

	ctx, cancelFn := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancelFn()

	if *netPprofAddr != "" {
		observability.Go(ctx, func(ctx context.Context) { l.Error(http.ListenAndServe(*netPprofAddr, nil)) })
	}

	if err := run(ctx, cfg); err != nil {
		logger.Errorf(ctx, "%v", err)
		belt.Flush(ctx)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	var fatal orchestrator.ErrFatal
	if errors.As(err, &fatal) && fatal.Code >= event.CodePushFailure && fatal.Code <= event.CodeStreamNonexist {
		// 2001..2004 -> 11..14
		return int(fatal.Code-event.CodePushFailure) + 11
	}
	return 1
}

func run(ctx context.Context, cfg config.Config) (_err error) {
	logger.Debugf(ctx, "run")
	defer func() { logger.Debugf(ctx, "/run: %v", _err) }()

	orchCfg, err := cfg.Orchestrator()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	var events *event.Notifier
	if cfg.EventPath != "" {
		events = event.New(cfg.EventPath)
		events.Start(ctx)
		defer func() {
			if err := events.Close(context.WithoutCancel(ctx)); err != nil {
				logger.Errorf(ctx, "unable to close the event channel: %v", err)
			}
		}()
	}

	deps := orchestrator.Deps{
		OpenSource: factory.New,
		OpenSink: func(ctx context.Context, dst secret.String, format sink.Format) (sink.Sink, error) {
			return sinkfactory.New(ctx, dst, format, cfg.SinkOptions())
		},
		Text:   textrender.New(cfg.FontDirs...),
		Events: events,
	}

	controlCfg, ok, err := cfg.Control()
	if err != nil {
		return fmt.Errorf("invalid control channel: %w", err)
	}
	if ok {
		ch := control.New(controlCfg)
		ch.Start(ctx)
		defer func() {
			if err := ch.Close(context.WithoutCancel(ctx)); err != nil {
				logger.Errorf(ctx, "unable to close %s: %v", ch, err)
			}
		}()
		deps.Commands = ch
	}

	o := orchestrator.New(orchCfg, deps)
	defer func() {
		if err := o.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Errorf(ctx, "unable to close %s: %v", o, err)
		}
	}()
	if err := o.Open(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.MetricsListenAddr != "" {
		metricsCtx, stopMetrics := context.WithCancel(gctx)
		defer stopMetrics()
		g.Go(func() error {
			return metrics.Serve(metricsCtx, cfg.MetricsListenAddr)
		})
		g.Go(func() error {
			defer stopMetrics()
			return o.Run(gctx)
		})
	} else {
		g.Go(func() error {
			return o.Run(gctx)
		})
	}
	err = g.Wait()

	status := o.Status()
	logger.Infof(ctx, "run %s: %s frames, %s audio samples", status.RunID,
		humanize.Comma(int64(status.Frames)), humanize.Comma(status.AudioSamples))
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}
