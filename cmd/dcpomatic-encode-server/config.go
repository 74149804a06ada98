package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type appConfig struct {
	threads         int
	verbose         bool
	logFormat       string
	logLevel        string
	logFile         string
	metricsAddr     string
	shmDir          string
	logMetricsEvery time.Duration
}

func parseFlags(args []string, numCPU int) (*appConfig, bool, error) {
	cfg := &appConfig{}
	fs := flag.NewFlagSet("dcpomatic-encode-server", flag.ContinueOnError)
	threads := fs.Int("threads", numCPU, "Number of worker threads")
	verbose := fs.Bool("verbose", false, "Log every encoded frame")
	logFormat := fs.String("log-format", "text", "Log format: text|json")
	logLevel := fs.String("log-level", "info", "Log level: debug|info|warn|error")
	logFile := fs.String("log", "", "Log file path (default stderr)")
	metricsAddr := fs.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	shmDir := fs.String("shm-dir", "/dev/shm", "Directory for GPU offload shared memory regions")
	logMetricsEvery := fs.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters")
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}

	set := map[string]struct{}{}
	fs.Visit(func(name string) { set[name] = struct{}{} })

	cfg.threads = *threads
	cfg.verbose = *verbose
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.logFile = *logFile
	cfg.metricsAddr = *metricsAddr
	cfg.shmDir = *shmDir
	cfg.logMetricsEvery = *logMetricsEvery

	if err := applyEnvOverrides(cfg, set); err != nil {
		return nil, *showVersion, err
	}
	if err := cfg.validate(); err != nil {
		return nil, *showVersion, err
	}
	return cfg, *showVersion, nil
}

func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if c.threads <= 0 {
		return fmt.Errorf("threads must be > 0 (got %d)", c.threads)
	}
	return nil
}

// applyEnvOverrides maps DCPOMATIC_ENCODE_SERVER_* environment variables
// onto cfg unless the corresponding flag was explicitly set, following the
// teacher's flag-wins-over-env precedence rule.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	if _, ok := set["threads"]; !ok {
		if v, ok := get("DCPOMATIC_ENCODE_SERVER_THREADS"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.threads = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid DCPOMATIC_ENCODE_SERVER_THREADS: %w", err)
			}
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("DCPOMATIC_ENCODE_SERVER_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("DCPOMATIC_ENCODE_SERVER_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("DCPOMATIC_ENCODE_SERVER_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("DCPOMATIC_ENCODE_SERVER_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid DCPOMATIC_ENCODE_SERVER_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	return firstErr
}
