package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/restyle/internal/config"
	"github.com/ent0n29/restyle/internal/history"
	"github.com/ent0n29/restyle/internal/httpapi"
	"github.com/ent0n29/restyle/internal/observability"
	"github.com/ent0n29/restyle/internal/relay"
	"github.com/ent0n29/restyle/internal/rephrase"
	"github.com/ent0n29/restyle/internal/session"
	"github.com/ent0n29/restyle/internal/style"
	"github.com/ent0n29/restyle/internal/upstream"
)

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Registry     *session.Registry
	Orchestrator *rephrase.Orchestrator
	History      history.Store
	Metrics      *observability.Metrics
	UpstreamMode string

	// Cleanup cancels live sessions, waits for their supervisors and releases the history store.
	Cleanup func() error
}

// Build wires every component from cfg. A nil registerer uses the default
// Prometheus registry.
func Build(ctx context.Context, cfg config.Config, logger *log.Logger, registerer prometheus.Registerer) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace, registerer)

	styles, err := LoadStyles(cfg)
	if err != nil {
		return nil, err
	}

	dialer, err := upstream.NewDialer(upstream.Config{
		Mode:          cfg.UpstreamMode,
		URL:           cfg.OpenAIURL,
		APIKey:        cfg.OpenAIAPIKey,
		MockChunkWait: cfg.MockChunkWait,
		MaxAttempts:   cfg.UpstreamMaxAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("upstream init failed: %w", err)
	}
	logger.Info("upstream ready", "mode", dialer.Mode(), "model", cfg.OpenAIModel)

	store, err := history.NewStore(ctx, cfg.DatabaseURL, cfg.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("history store init failed: %w", err)
	}
	logger.Info("history store ready", "mode", store.Mode())

	registry := session.NewRegistry(cfg.SessionInactivityTimeout)
	registry.SetExpireHook(func(rec *session.Record) {
		metrics.ObserveSessionEvent("expired")
		metrics.SetActiveSessions(registry.ActiveCount())
		logger.Info("session expired without subscriber", "session_id", rec.ID)
	})

	orchestrator := rephrase.New(rephrase.Config{
		Model:       cfg.OpenAIModel,
		EventBuffer: cfg.EventBuffer,
		Styles:      styles,
	}, registry, dialer, store, metrics, logger)

	api := httpapi.New(cfg, httpapi.Deps{
		Rephraser:    orchestrator,
		Relay:        relay.New(registry, metrics, logger),
		Registry:     registry,
		History:      store,
		UpstreamMode: dialer.Mode(),
		Metrics:      metrics,
		Logger:       logger,
	})

	cleanup := func() error {
		registry.Close()
		orchestrator.Wait()
		metrics.SetActiveSessions(0)

		var errs []string
		if err := store.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Registry:     registry,
		Orchestrator: orchestrator,
		History:      store,
		Metrics:      metrics,
		UpstreamMode: dialer.Mode(),
		Cleanup:      cleanup,
	}, nil
}

// LoadStyles returns the built-in style table, overlaid with STYLES_FILE when set.
func LoadStyles(cfg config.Config) (style.Table, error) {
	styles := style.Default(cfg.StyleTemperature)
	if strings.TrimSpace(cfg.StylesFile) == "" {
		return styles, nil
	}
	styles, err := style.LoadFile(cfg.StylesFile, styles)
	if err != nil {
		return style.Table{}, fmt.Errorf("styles init failed: %w", err)
	}
	return styles, nil
}
