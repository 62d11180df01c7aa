package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/ent0n29/pitchcoach/internal/config"
	"github.com/ent0n29/pitchcoach/internal/httpapi"
	"github.com/ent0n29/pitchcoach/internal/memory"
	"github.com/ent0n29/pitchcoach/internal/observability"
	"github.com/ent0n29/pitchcoach/internal/session"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Manager
	Engine   *Engine
	Store    memory.Store
	Metrics  *observability.Metrics

	// Cleanup ends live calls and releases the store; call it on shutdown.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, devices Devices, logger zerolog.Logger) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	if cfg.AudioDumpPath != "" {
		if err := os.MkdirAll(cfg.AudioDumpPath, 0o755); err != nil {
			return nil, fmt.Errorf("create audio dump dir: %w", err)
		}
	}

	store, err := memory.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("memory store init failed: %w", err)
	}
	logger.Info().Str("mode", store.Mode()).Msg("memory store ready")

	engine := NewEngine(cfg, devices, store, logger, metrics)
	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetRetention(cfg.SessionRetention)
	api := httpapi.New(cfg, sessions, engine, store, metrics, logger)

	sessions.SetExpireHook(func(s *session.Session) {
		metrics.ObserveSessionEvent("expired")
		metrics.SetActiveSessions(sessions.ActiveCount())
		api.SessionExpired(s)
		logger.Info().Str("session_id", s.ID).Msg("session expired after inactivity")
	})

	cleanup := func() error {
		api.Shutdown()
		var errs []error
		if err := store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
		return errors.Join(errs...)
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Engine:   engine,
		Store:    store,
		Metrics:  metrics,
		Cleanup:  cleanup,
	}, nil
}
