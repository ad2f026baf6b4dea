package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/castellan-ai/castellan/internal/agentstore"
	"github.com/castellan-ai/castellan/internal/audit"
	"github.com/castellan-ai/castellan/internal/backend"
	"github.com/castellan-ai/castellan/internal/config"
	"github.com/castellan-ai/castellan/internal/confirm"
	"github.com/castellan-ai/castellan/internal/history"
	"github.com/castellan-ai/castellan/internal/lifecycle"
	"github.com/castellan-ai/castellan/internal/orchestrator"
	"github.com/castellan-ai/castellan/internal/queue"
	"github.com/castellan-ai/castellan/internal/secrets"
	"github.com/castellan-ai/castellan/internal/security"
	"github.com/castellan-ai/castellan/internal/service"
	"github.com/castellan-ai/castellan/internal/tools"
)

func main() {
	configDir := flag.String("config", "", "config directory (default ~/.castellan)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	mgr := lifecycle.NewManager(lifecycle.DefaultShutdownConfig(), logger)
	os.Exit(mgr.Run(func(ctx context.Context) error {
		return run(ctx, cfg, logger, mgr)
	}))
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, mgr *lifecycle.Manager) error {
	key, err := secrets.LoadOrCreateKey(cfg.KeyPath())
	if err != nil {
		return fmt.Errorf("load secret key: %w", err)
	}
	box, err := secrets.NewBox(key)
	if err != nil {
		return fmt.Errorf("build secrets box: %w", err)
	}

	trail, err := audit.NewFileLog(cfg.AuditPath(), box, logger)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	mgr.OnShutdown("audit-log", func(ctx context.Context) error {
		return trail.Close()
	})

	registry := tools.NewDefaultRegistry(logger)
	secConfig := security.NewConfig()

	confirmer, err := buildConfirmer(cfg, logger, mgr)
	if err != nil {
		return err
	}
	engine := security.NewEngine(registry, secConfig, confirmer, logger)

	persist := agentstore.NewPersister(cfg.RegistryPath(), box)
	agents := agentstore.NewStore(persist, registry, engine, trail, logger)

	// Built before the queues so teardown (reverse order) drains the queues
	// while the store can still persist finishing sessions.
	sessions, err := history.New(cfg.HistoryPath())
	if err != nil {
		return fmt.Errorf("open history store: %w", err)
	}
	mgr.OnShutdown("history-store", func(ctx context.Context) error {
		return sessions.Close()
	})

	queues, orchQueues, err := buildBackends(ctx, cfg, logger, mgr)
	if err != nil {
		return err
	}

	orch := orchestrator.New(orchQueues, trail,
		orchestrator.WithLogger(logger),
		orchestrator.WithHistory(sessions),
		orchestrator.WithTruncateAt(cfg.Discussion.TruncateAt),
	)

	svc := service.New(agents, registry, secConfig, engine, trail, queues, orch, sessions, logger)

	api := service.NewAPI(svc, logger)
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: api.Routes()}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	mgr.OnShutdown("api-server", func(ctx context.Context) error {
		return srv.Shutdown(ctx)
	})

	logger.Info("castellan ready",
		"listen", cfg.ListenAddr,
		"backends", len(queues),
		"tools", len(registry.Keys()),
		"confirmation", cfg.Confirmation.Mode,
	)

	select {
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
		return nil
	}
}

// buildConfirmer picks the confirmation channel. Hub mode also starts the
// local websocket listener the desktop UI attaches to.
func buildConfirmer(cfg *config.Config, logger *slog.Logger, mgr *lifecycle.Manager) (security.Confirmer, error) {
	if cfg.Confirmation.Mode == config.ModeTerminal {
		return confirm.NewTerminal(os.Stdin, os.Stderr, logger), nil
	}

	hub := confirm.NewHub(logger,
		confirm.WithAnswerTimeout(time.Duration(cfg.Confirmation.AnswerTimeoutMs)*time.Millisecond))

	mux := http.NewServeMux()
	mux.Handle("/confirmations", hub.Handler())
	srv := &http.Server{Addr: cfg.Confirmation.HubAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("confirmation hub listener failed", "addr", cfg.Confirmation.HubAddr, "error", err)
		}
	}()

	mgr.OnShutdown("confirmation-hub", func(ctx context.Context) error {
		hub.Close()
		return srv.Shutdown(ctx)
	})
	return hub, nil
}

// buildBackends constructs the configured adapters, probes each one, and
// starts a queue per adapter. An adapter that fails its probe is skipped,
// never registered.
func buildBackends(ctx context.Context, cfg *config.Config, logger *slog.Logger, mgr *lifecycle.Manager) (map[string]service.Dispatcher, map[string]orchestrator.Dispatcher, error) {
	var adapters []backend.Adapter

	if ms := cfg.Backends.ModelServer; ms != nil {
		adapters = append(adapters, backend.NewModelServer("model-server", ms.BaseURL,
			backend.WithModelServerLogger(logger)))
	}
	if cmds := cfg.Backends.Commands; cmds != nil {
		workDir := cmds.WorkDir
		if workDir == "" {
			workDir, _ = os.Getwd()
		}
		adapters = append(adapters, backend.NewCommandExecutor("commands", workDir, logger))
	}
	for _, a := range cfg.Backends.Assistants {
		adapters = append(adapters, backend.NewCLIAssistant(a.ID, a.Binary, a.WorkDir, a.Args, logger))
	}

	queues := make(map[string]service.Dispatcher)
	orchQueues := make(map[string]orchestrator.Dispatcher)

	for _, adapter := range adapters {
		if err := adapter.Initialize(ctx); err != nil {
			logger.Warn("backend unavailable, skipping", "backend", adapter.ID(), "error", err)
			continue
		}

		q := queue.New(adapter,
			queue.WithLogger(logger),
			queue.WithPause(time.Duration(cfg.Queue.PauseMs)*time.Millisecond))
		q.Start()
		queues[adapter.ID()] = q
		orchQueues[adapter.ID()] = q

		mgr.OnShutdown("queue-"+adapter.ID(), func(ctx context.Context) error {
			if err := q.Shutdown(ctx); err != nil {
				return err
			}
			return adapter.Shutdown(ctx)
		})
	}

	return queues, orchQueues, nil
}
