// Command dcpomatic-encode-server runs the worker side of the encode
// engine: it listens for frame requests, answers discovery broadcasts,
// and runs a bounded pool of encode threads.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/cth103/dcpomatic-sub004/internal/encodeserver"
	"github.com/cth103/dcpomatic-sub004/internal/logging"
	"github.com/cth103/dcpomatic-sub004/internal/metrics"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, showVersion, err := parseFlags(os.Args[1:], runtime.NumCPU())
	if showVersion {
		fmt.Printf("dcpomatic-encode-server %s (commit %s, built %s)\n", version, commit, date)
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 2
	}

	logFile := os.Stderr
	if cfg.logFile != "" {
		f, ferr := os.OpenFile(cfg.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if ferr != nil {
			fmt.Fprintf(os.Stderr, "cannot open log file: %v\n", ferr)
			return 2
		}
		defer func() { _ = f.Close() }()
		logFile = f
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.logLevel)); err != nil {
		level = slog.LevelInfo
	}
	l := logging.New(cfg.logFormat, level, logFile)
	logging.Set(l)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := encodeserver.New(
		encodeserver.WithThreads(cfg.threads),
		encodeserver.WithVerbose(cfg.verbose),
		encodeserver.WithLogger(l),
	)

	metrics.SetReadinessFunc(func() bool { return ctx.Err() == nil })
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	if cfg.logMetricsEvery > 0 {
		go logMetricsPeriodically(ctx, cfg.logMetricsEvery, l)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case s := <-sigCh:
		l.Info("shutdown_signal", "signal", s.String())
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil {
			l.Error("encode_server_error", "error", err)
			exitCode = 1
		}
	}
	l.Info("shutdown_summary", "frames_encoded", srv.FramesEncoded())
	return exitCode
}

func logMetricsPeriodically(ctx context.Context, every time.Duration, l *slog.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s := metrics.Snap()
			l.Info("metrics_snapshot",
				"frames_encoded", s.FramesEncoded,
				"frames_retried", s.FramesRetried,
				"frames_given_up", s.FramesGivenUp,
				"errors", s.Errors,
				"gpu_scheduled", s.GPUScheduled,
				"gpu_fellback", s.GPUFellBack,
			)
		}
	}
}
