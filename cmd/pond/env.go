package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/nagra-insight/pond/pkg/config"
	"github.com/nagra-insight/pond/pkg/observability"
	"github.com/nagra-insight/pond/pkg/storage"
	"github.com/nagra-insight/pond/pkg/versioned"
	"github.com/nagra-insight/pond/pkg/versionname"
)

// env is what every command needs: configuration, logger, telemetry and an
// open backend.
type env struct {
	cfg     *config.Config
	logger  *slog.Logger
	obs     *observability.Provider
	backend storage.Backend
}

func newEnv(ctx context.Context, stderr io.Writer) (*env, error) {
	cfg := config.Load()
	if cfg.Profile != "" {
		profile, err := config.LoadProfile(cfg.ProfilesDir, cfg.Profile)
		if err != nil {
			return nil, err
		}
		if err := profile.Apply(cfg); err != nil {
			return nil, err
		}
	}

	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	obs := observability.Noop()
	if cfg.OTLPEndpoint != "" {
		obsCfg := observability.DefaultConfig()
		obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
		obsCfg.Insecure = true
		p, err := observability.New(ctx, obsCfg)
		if err != nil {
			return nil, err
		}
		obs = p
	}

	backend, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	return &env{cfg: cfg, logger: logger, obs: obs, backend: backend}, nil
}

func (e *env) close(ctx context.Context) {
	if c, ok := e.backend.(io.Closer); ok {
		if err := c.Close(); err != nil {
			e.logger.ErrorContext(ctx, "failed to close backend", "error", err)
		}
	}
	_ = e.obs.Shutdown(ctx)
}

func (e *env) engineOptions() []versioned.Option {
	opts := []versioned.Option{
		versioned.WithLogger(e.logger.With("component", "versioned")),
		versioned.WithLockBackoff(e.cfg.LockBackoff),
		versioned.WithObservability(e.obs),
	}
	if e.cfg.StrictVersionNames {
		opts = append(opts, versioned.WithStrictVersionNames())
	}
	return opts
}

// open opens an existing or new artifact with its pinned classes.
func (e *env) open(ctx context.Context, name string) (*versioned.Artifact, error) {
	return versioned.Open(ctx, name, e.cfg.Location, e.backend, nil, versionname.Scheme{}, e.engineOptions()...)
}
