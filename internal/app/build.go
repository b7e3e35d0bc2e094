package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ent0n29/voicerelay/internal/asr"
	"github.com/ent0n29/voicerelay/internal/config"
	"github.com/ent0n29/voicerelay/internal/httpapi"
	"github.com/ent0n29/voicerelay/internal/memory"
	"github.com/ent0n29/voicerelay/internal/observability"
	"github.com/ent0n29/voicerelay/internal/session"
	"github.com/ent0n29/voicerelay/internal/voice"
)

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Sessions     *session.Registry
	Orchestrator *voice.Orchestrator
	Store        memory.Store
	Metrics      *observability.Metrics

	// Cleanup should be called on shutdown to release external resources (DB pool).
	Cleanup func() error
}

// Options overrides process-level collaborators. Zero values select the
// defaults used by the server binary.
type Options struct {
	Metrics *observability.Metrics
	Logger  *slog.Logger
}

func Build(ctx context.Context, cfg config.Config, opts Options) (*BuildResult, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NewMetrics(cfg.MetricsNamespace)
	}

	store, err := memory.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("memory store init failed: %w", err)
	}

	providers, err := resolveProviders(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	logger.Info("voice providers resolved", "provider", cfg.VoiceProvider, "detail", providers.detail)

	sessions := session.NewRegistry(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(s session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		logger.Info("session expired for inactivity", "session_id", s.ID, "last_activity_at", s.LastActivityAt)
	})

	orchestrator := voice.NewOrchestrator(voice.Config{
		ASROptions: asr.Options{
			SmartFormat: cfg.DeepgramSmartFormat,
			Model:       cfg.DeepgramModel,
		},
		KeepAliveInterval:    cfg.ASRKeepAliveInterval,
		ReconnectBackoffBase: cfg.ASRReconnectBackoffBase,
		ReconnectBackoffMax:  cfg.ASRReconnectBackoffMax,
		MaxReconnectFailures: cfg.ASRMaxReconnectFailures,
		MinHealthyStream:     cfg.ASRMinHealthyStream,
		BackendTimeout:       cfg.BackendTimeout,
		HistoryMaxTurns:      cfg.HistoryMaxTurns,
		TurnPolicy:           cfg.TurnPolicy,
	}, sessions, providers.dialer, providers.completer, providers.synth, store, metrics, logger)

	api := httpapi.New(cfg, sessions, orchestrator, store, metrics, logger)

	cleanup := func() error {
		var errs []error
		if err := store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close memory store: %w", err))
		}
		return errors.Join(errs...)
	}

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Sessions:     sessions,
		Orchestrator: orchestrator,
		Store:        store,
		Metrics:      metrics,
		Cleanup:      cleanup,
	}, nil
}
