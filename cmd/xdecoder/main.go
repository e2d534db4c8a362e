// Command xdecoder is the real-time speech transcription server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ASLP-AI/xdecoder/internal/app"
	"github.com/ASLP-AI/xdecoder/internal/config"
	"github.com/ASLP-AI/xdecoder/internal/observe"
	"github.com/ASLP-AI/xdecoder/pkg/engine"
	"github.com/ASLP-AI/xdecoder/pkg/engine/energy"
	"github.com/ASLP-AI/xdecoder/pkg/engine/whisper"
	"github.com/ASLP-AI/xdecoder/pkg/vad"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "xdecoder.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload the log level when the configuration file changes")
	sampleRatio := flag.Float64("trace-sample-ratio", 1, "fraction of new traces to sample")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "xdecoder: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "xdecoder: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("xdecoder starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Addr(),
		"backend", cfg.Engine.Backend,
		"thread_pool_size", cfg.Runtime.ThreadPoolSize,
		"use_db", cfg.UseDB,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "xdecoder",
		ServiceVersion: version,
		SampleRatio:    *sampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(tctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Backend registry ──────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinBackends(reg)

	opts := []app.Option{
		app.WithLogLevel(level),
		app.WithMetricsHandler(tel.MetricsHandler()),
	}
	if *watch {
		opts = append(opts, app.WithConfigWatch(*configPath, 0))
	}
	application, err := app.New(ctx, cfg, reg.Create, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = application.Shutdown(shutdownCtx)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Backend wiring ────────────────────────────────────────────────────────────

// registerBuiltinBackends wires the decoding backends that ship with
// xdecoder into reg.
func registerBuiltinBackends(reg *config.Registry) {
	reg.Register("energy", func(cfg *config.Config) (engine.Backend, error) {
		return energy.New(
			energy.WithVAD(vadConfig(cfg.VAD)),
			energy.WithThreshold(cfg.Engine.EnergyThreshold),
		), nil
	})

	reg.Register("whisper", func(cfg *config.Config) (engine.Backend, error) {
		return whisper.New(cfg.Engine.Model,
			whisper.WithLanguage(cfg.Engine.Language),
			whisper.WithVAD(vadConfig(cfg.VAD)),
			whisper.WithThreshold(cfg.Engine.EnergyThreshold),
		)
	})
}

// vadConfig converts the vad section of the configuration.
func vadConfig(c config.VADConfig) vad.Config {
	return vad.Config{
		SilenceThresh:   c.SilenceThresh,
		SilenceToSpeech: c.SilenceToSpeechThresh,
		SpeechToSilence: c.SpeechToSilenceThresh,
		EndpointTrigger: c.EndpointTriggerThresh,
	}
}
