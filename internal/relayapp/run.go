// Package relayapp is the process-bootstrap glue between cmd/relayproxy and
// internal/relay: load configuration, init logging, build a relay.Relay, run
// it to completion under signal cancellation.
package relayapp

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/relaycore/manager-relay/internal/config"
	"github.com/relaycore/manager-relay/internal/logging"
	"github.com/relaycore/manager-relay/internal/relay"
	"github.com/rs/zerolog/log"
)

// Options are the process-level knobs cmd/relayproxy exposes as flags.
type Options struct {
	Version         string
	WatchConfigPath string
}

// Run loads configuration, starts the relay, and blocks until the process
// receives SIGINT/SIGTERM or the relay fails on its own (e.g. bind
// failure). Returns a non-nil error when configuration or the config
// watcher fails to start, or when the relay fails on its own, so the caller
// exits non-zero on a genuine startup failure and zero on a clean stop.
func Run(ctx context.Context, opts Options) error {
	cfg, err := config.Load()
	if err != nil {
		logging.Init(logging.Config{Format: "console", Level: "info", Component: "relayproxy"})
		log.Error().Err(err).Msg("failed to load configuration")
		return err
	}

	logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "relayproxy"})
	log.Info().Str("version", opts.Version).Msg("starting relayproxy")

	r := relay.New(cfg)

	if opts.WatchConfigPath != "" {
		watcher, err := config.Watch(opts.WatchConfigPath, cfg, r.ApplyConfig)
		if err != nil {
			log.Error().Err(err).Str("path", opts.WatchConfigPath).Msg("failed to start config watcher")
			return err
		}
		defer watcher.Close()
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := r.Run(ctx); err != nil {
		log.Error().Err(err).Msg("relay exited with error")
		return err
	}

	log.Info().Msg("relayproxy stopped")
	return nil
}
