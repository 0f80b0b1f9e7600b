// Command syncd runs the store-terminal offline sync engine: the durable
// outbound queue, the connectivity-aware drain processor, the conflict
// resolver, and the HTTP inspection surface.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/matkassa/tillsync/internal/config"
	"github.com/matkassa/tillsync/internal/conflict"
	"github.com/matkassa/tillsync/internal/connectivity"
	"github.com/matkassa/tillsync/internal/db"
	"github.com/matkassa/tillsync/internal/handlers"
	"github.com/matkassa/tillsync/internal/logging"
	"github.com/matkassa/tillsync/internal/metrics"
	"github.com/matkassa/tillsync/internal/processor"
	"github.com/matkassa/tillsync/internal/queue"
	"github.com/matkassa/tillsync/internal/submit"
)

func main() {
	logging.Init(os.Stdout, "info")

	cfg, err := config.Load()
	if err != nil {
		logging.Error("Invalid configuration", err, nil)
		os.Exit(1)
	}
	logging.SetLevel(cfg.LogLevel)

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		logging.Error("Failed to open database", err, nil)
		os.Exit(1)
	}
	defer database.Close()

	if err := db.NewMigrator(database.DB).Up(); err != nil {
		logging.Error("Failed to apply migrations", err, nil)
		os.Exit(1)
	}

	policy := queue.RetryPolicy{
		BaseDelay:  cfg.BaseBackoff,
		MaxDelay:   cfg.MaxBackoff,
		MaxRetries: cfg.MaxRetries,
	}
	store := queue.NewStore(database.DB, policy)
	conflictStore := conflict.NewStore(database.DB)
	resolver := conflict.NewResolver(conflictStore, conflict.DefaultRules())

	monitor := connectivity.NewMonitor(cfg.ProbeURL, cfg.ProbeInterval, cfg.ProbeTimeout)

	registry := submit.NewRegistry()
	for entityType, endpoint := range cfg.SubmitEndpoints {
		registry.Register(entityType, submit.NewHTTPSubmitter(endpoint, cfg.SubmitTimeout))
		logging.Info("Registered submitter", map[string]interface{}{
			"entity_type": entityType,
			"endpoint":    endpoint,
		})
	}
	if len(cfg.SubmitEndpoints) == 0 {
		logging.Warn("No submit endpoints configured; queued items will fail until submitters are registered", nil)
	}

	m := metrics.New()
	proc := processor.New(store, resolver, registry, monitor, m, processor.Config{
		BatchSize:      cfg.BatchSize,
		Interval:       cfg.SyncInterval,
		SubmitTimeout:  cfg.SubmitTimeout,
		StuckThreshold: cfg.StuckThreshold,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Crash recovery before the first cycle: anything left InProgress
	// by a previous run goes back to Pending.
	if n, err := store.ResetStuckItems(0); err != nil {
		logging.Error("Failed to recover in-progress items", err, nil)
	} else if n > 0 {
		logging.Info("Recovered in-progress items from previous run", map[string]interface{}{
			"count": n,
		})
	}

	monitor.Start(ctx)
	proc.Start(ctx)

	router := mux.NewRouter()
	handlers.New(store, conflictStore, resolver, proc, monitor).RegisterRoutes(router)
	router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logging.Info("HTTP server listening", map[string]interface{}{"port": cfg.Port})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("HTTP server failed", err, nil)
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logging.Info("Shutting down", map[string]interface{}{"signal": sig.String()})
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logging.Error("HTTP server shutdown failed", err, nil)
	}

	proc.Stop()
	monitor.Stop()
	logging.Info("Sync engine stopped", nil)
}
