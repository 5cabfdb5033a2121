// Command shoal runs the fish simulation and writes frames or serves
// metrics while it runs.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gogpu/shoal"
	"github.com/gogpu/shoal/internal/present"
	"github.com/gogpu/shoal/internal/tunables"
)

func main() {
	var (
		configPath  = flag.String("config", "", "TOML config file")
		agents      = flag.Int("agents", 0, "agent count, rounded down to a multiple of 256 (overrides config)")
		frames      = flag.Int("frames", 0, "frames in flight (overrides config)")
		backend     = flag.String("backend", "", "device backend: auto, gpu or software (overrides config)")
		ticks       = flag.Uint64("ticks", 0, "stop after this many ticks (0 runs until interrupted)")
		output      = flag.String("output", "", "directory to write PNG frames to")
		every       = flag.Int("every", 60, "write every Nth frame")
		tunablesOut = flag.String("tunables", "", "hot-reloaded tunables file; created with defaults if missing")
		metricsAddr = flag.String("metrics", "", "serve Prometheus metrics on this address, e.g. :9090")
		verbose     = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	shoal.SetLogger(logger)

	if err := run(logger, *configPath, *agents, *frames, *backend, *ticks, *output, *every, *tunablesOut, *metricsAddr); err != nil {
		logger.Error("shoal failed", "kind", shoal.ErrorKind(err), "err", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, configPath string, agents, frames int, backend string, ticks uint64,
	output string, every int, tunablesPath, metricsAddr string,
) error {
	cfg := shoal.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = shoal.LoadConfig(configPath); err != nil {
			return err
		}
	}
	if agents > 0 {
		cfg.Agents = agents
	}
	if frames > 0 {
		cfg.Frames = frames
	}
	if backend != "" {
		cfg.Backend = shoal.Backend(backend)
	}
	if ticks > 0 {
		cfg.MaxTicks = ticks
	}
	if tunablesPath != "" {
		if _, err := os.Stat(tunablesPath); errors.Is(err, os.ErrNotExist) {
			if err := tunables.Save(tunablesPath, cfg.Tunables); err != nil {
				return err
			}
		}
		cfg.TunablesFile = tunablesPath
	}

	var opts []shoal.Option
	if output != "" {
		sink, err := present.NewPNGSink(output, every)
		if err != nil {
			return err
		}
		opts = append(opts, shoal.WithSink(sink))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	opts = append(opts, shoal.WithRegisterer(reg))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if metricsAddr != "" {
		srv := &http.Server{
			Addr:              metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics server stopped", "err", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	s, err := shoal.New(cfg, opts...)
	if err != nil {
		return fmt.Errorf("setup: %w", err)
	}
	logger.Info("running", "run_id", s.RunID(), "device", s.Device(), "agents", s.Config().Agents)
	if err := s.Run(ctx); err != nil {
		return err
	}
	logger.Info("done", "ticks", s.Ticks(), "presented", s.Presented())
	return nil
}
