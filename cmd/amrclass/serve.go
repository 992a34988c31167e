package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/opensource-finance/amrclass/internal/api"
	"github.com/opensource-finance/amrclass/internal/audit"
	"github.com/opensource-finance/amrclass/internal/bus"
	"github.com/opensource-finance/amrclass/internal/cache"
	"github.com/opensource-finance/amrclass/internal/classifier"
	"github.com/opensource-finance/amrclass/internal/domain"
	"github.com/opensource-finance/amrclass/internal/expert"
	"github.com/opensource-finance/amrclass/internal/fhir"
	"github.com/opensource-finance/amrclass/internal/ingest"
	"github.com/opensource-finance/amrclass/internal/repository"
	"github.com/opensource-finance/amrclass/internal/rules"
	"github.com/opensource-finance/amrclass/internal/terminology"
	"github.com/opensource-finance/amrclass/internal/worker"
)

var serveFlags struct {
	port int
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP classification service",
	Long: `Starts the HTTP API. SIGHUP reloads the breakpoint ruleset; SIGINT and
SIGTERM shut the server down gracefully.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&serveFlags.port, "port", 0, "override server.port")
}

func runServe(cmd *cobra.Command, _ []string) error {
	if serveFlags.port != 0 {
		cfg.Server.Port = serveFlags.port
	}

	slog.Info("starting amrclass",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"profile", cfg.Profile,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"terminology", cfg.Terminology.Enabled,
	)

	if !cfg.Tracing.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	store := rules.NewStore(rules.NewLoader(cfg.Rules))
	rs, err := store.Current(ctx)
	if err != nil {
		return fmt.Errorf("load ruleset: %w", err)
	}
	for _, w := range rs.Warnings {
		slog.Warn("ruleset warning", "warning", w)
	}

	experts := expert.NewDefault()
	validator := terminology.NewValidator(cfg.Terminology, cacheImpl)
	dispatcher := ingest.NewDefaultDispatcher(fhir.NewParser(validator, cfg.Terminology.ValidationTimeout))
	recorder := audit.NewRecorder(busImpl, cfg.Audit)

	sink := worker.NewWorker(busImpl, repo)
	if err := sink.Start(); err != nil {
		return fmt.Errorf("start audit sink: %w", err)
	}

	srv := api.NewServer(cfg.Server, api.Deps{
		Store:      store,
		Experts:    experts,
		Classifier: classifier.New(store, experts),
		Dispatcher: dispatcher,
		Recorder:   recorder,
		Repo:       repo,
		Cache:      cacheImpl,
		Bus:        busImpl,
		Version:    Version,
	})

	go reloadOnHangup(ctx, srv.Handler())

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("amrclass is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"rule_version", rs.Version,
		"rules", len(rs.Rules),
		"expert_rules", len(experts.Rules()),
	)

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-errCh:
		slog.Error("server failed", "error", err)
		_ = sink.Stop()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// The sink stops after the server so in-flight audit events are published first.
	if err := sink.Stop(); err != nil {
		slog.Error("failed to stop audit sink", "error", err)
	}

	slog.Info("amrclass shutdown complete")
	return nil
}

// reloadOnHangup reloads the ruleset on every SIGHUP until ctx ends.
func reloadOnHangup(ctx context.Context, h *api.Handler) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			slog.Info("received SIGHUP, reloading ruleset")
			if _, err := h.Reload(ctx); err != nil {
				var verr *domain.RulesValidationError
				if errors.As(err, &verr) {
					for _, issue := range verr.Issues {
						slog.Error("ruleset issue", "path", issue.Path, "message", issue.Message)
					}
				}
			}
		}
	}
}
