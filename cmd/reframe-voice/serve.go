package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/reframe-ai/reframe-voice/pkg/gateway/config"
	"github.com/reframe-ai/reframe-voice/pkg/gateway/lifecycle"
	"github.com/reframe-ai/reframe-voice/pkg/gateway/metrics"
	gatewayserver "github.com/reframe-ai/reframe-voice/pkg/gateway/server"
	"github.com/reframe-ai/reframe-voice/pkg/gateway/telemetry"
	"github.com/reframe-ai/reframe-voice/pkg/voice/agent"
	"github.com/reframe-ai/reframe-voice/pkg/voice/agent/echo"
	"github.com/reframe-ai/reframe-voice/pkg/voice/agent/gemini"
	"github.com/reframe-ai/reframe-voice/pkg/voice/agent/wsbridge"
	"github.com/reframe-ai/reframe-voice/pkg/voice/journal"
	"github.com/reframe-ai/reframe-voice/pkg/voice/journal/pgjournal"
	"github.com/reframe-ai/reframe-voice/pkg/voice/registry"
	"github.com/reframe-ai/reframe-voice/pkg/voice/session"
)

type serveDeps struct {
	loadConfig   func() (config.Config, error)
	newGateway   func(ctx context.Context, cfg config.Config, logger *slog.Logger) (agent.Gateway, error)
	openJournal  func(ctx context.Context, dsn string) (*pgjournal.Store, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
	listen       func(srv *http.Server) error
}

func defaultServeDeps() serveDeps {
	return serveDeps{
		loadConfig:  config.LoadFromEnv,
		newGateway:  newAgentGateway,
		openJournal: pgjournal.Open,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
		listen:     (*http.Server).ListenAndServe,
	}
}

func newServeCmd(stderr io.Writer, deps serveDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP session gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), stderr, deps)
		},
	}
}

// newAgentGateway picks the agent backend named by REFRAME_AGENT_BACKEND.
func newAgentGateway(ctx context.Context, cfg config.Config, logger *slog.Logger) (agent.Gateway, error) {
	switch cfg.AgentBackend {
	case config.AgentEcho:
		return echo.Gateway{}, nil
	case config.AgentGemini:
		return gemini.New(ctx, gemini.Config{
			APIKey: cfg.GeminiAPIKey,
			Model:  cfg.GeminiModel,
			Voice:  cfg.GeminiVoice,
		}, logger)
	case config.AgentWS:
		return wsbridge.New(wsbridge.Config{
			URL:   cfg.AgentWSURL,
			Token: cfg.AgentWSToken,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown agent backend %q", cfg.AgentBackend)
	}
}

func buildHTTPServer(cfg config.Config, gw *gatewayserver.Server) *http.Server {
	srv := gw.HTTPServer(cfg.Addr)
	srv.ReadHeaderTimeout = cfg.ReadHeaderTimeout
	srv.ReadTimeout = cfg.ReadTimeout
	return srv
}

func runServe(ctx context.Context, stderr io.Writer, deps serveDeps) error {
	if deps.loadConfig == nil || deps.newGateway == nil {
		return errors.New("missing serve dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if deps.listen == nil {
		deps.listen = (*http.Server).ListenAndServe
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg, stderr)

	shutdownTracing, err := telemetry.Setup(ctx, cfg.OTLPEndpoint, cfg.ServiceName, version)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
		defer cancel()
		if err := shutdownTracing(tctx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	gateway, err := deps.newGateway(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("agent gateway: %w", err)
	}

	var (
		jrnl  journal.Journal = journal.Nop{}
		store *pgjournal.Store
	)
	if cfg.DatabaseURL != "" {
		if deps.openJournal == nil {
			return errors.New("missing openJournal dependency")
		}
		store, err = deps.openJournal(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer store.Close()
		if cfg.MigrateOnStart {
			results, err := store.Migrate(ctx)
			if err != nil {
				return fmt.Errorf("migrate journal: %w", err)
			}
			logger.Info("journal migrated", "applied", len(results))
		}
		writer := journal.NewWriter(store, journal.WriterOptions{Logger: logger})
		defer func() {
			wctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
			defer cancel()
			if err := writer.Close(wctx); err != nil {
				logger.Warn("journal writer did not drain", "error", err, "dropped", writer.Dropped())
			}
		}()
		jrnl = writer
	}

	var m *metrics.Metrics
	var observer registry.Observer
	if cfg.MetricsEnabled {
		m = metrics.New("reframe")
		observer = m
	}

	reg := registry.New(registry.Options{
		Gateway: gateway,
		Config: registry.Config{
			Session: session.Config{
				QueueSize:            cfg.OutboundQueueSize,
				InputSampleRate:      cfg.InputSampleRate,
				AudioChunksPerSecond: cfg.AudioChunksPerSecond,
				AudioBytesPerSecond:  cfg.AudioBytesPerSecond,
				AudioBurstSeconds:    cfg.AudioBurstSeconds,
			},
			DefaultLanguage:    cfg.DefaultLanguage,
			SystemInstruction:  cfg.SystemInstruction,
			OutputSampleRate:   cfg.OutputSampleRate,
			ConnectTimeout:     cfg.ConnectTimeout,
			MaxSessions:        cfg.MaxSessions,
			IdleTimeout:        cfg.IdleTimeout,
			MaxSessionDuration: cfg.MaxSessionDuration,
			ReapInterval:       cfg.ReapInterval,
		},
		Journal:  jrnl,
		Logger:   logger,
		Observer: observer,
	})

	reapCtx, stopReaper := context.WithCancel(ctx)
	defer stopReaper()
	go reg.Run(reapCtx)

	lc := &lifecycle.Lifecycle{}
	opts := gatewayserver.Options{Registry: reg, Lifecycle: lc, Metrics: m}
	if store != nil {
		opts.Journal = store
	}
	gw := gatewayserver.New(cfg, logger, opts)
	httpSrv := buildHTTPServer(cfg, gw)

	logger.Info("starting reframe-voice",
		"addr", cfg.Addr,
		"version", version,
		"auth_mode", cfg.AuthMode,
		"agent_backend", cfg.AgentBackend,
		"journal", store != nil,
	)

	listenErrCh := make(chan error, 1)
	go func() {
		err := deps.listen(httpSrv)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		reg.CloseAll()
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	// Refuse new sessions, then end the live ones so their streams finish
	// with a session_ended frame before the listener closes.
	lc.SetDraining(true)
	closed := reg.CloseAll()
	logger.Info("draining sessions", "count", closed)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	if !reg.Wait(shutdownCtx) {
		logger.Warn("sessions still closing at shutdown deadline")
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("reframe-voice stopped")
	return nil
}
