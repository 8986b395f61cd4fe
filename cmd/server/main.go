// Command server starts the ERP operation queue: REST enqueue surface,
// in-process operation processor, interval scheduler, and real-time hub.
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

	"github.com/fairyhunter13/erpqueue/internal/adapter/erpdriver"
	httpserver "github.com/fairyhunter13/erpqueue/internal/adapter/httpserver"
	"github.com/fairyhunter13/erpqueue/internal/adapter/queue/redisq"
	"github.com/fairyhunter13/erpqueue/internal/adapter/repo/sqlite"
	"github.com/fairyhunter13/erpqueue/internal/agentlock"
	"github.com/fairyhunter13/erpqueue/internal/app"
	"github.com/fairyhunter13/erpqueue/internal/config"
	"github.com/fairyhunter13/erpqueue/internal/handlers"
	"github.com/fairyhunter13/erpqueue/internal/observability"
	"github.com/fairyhunter13/erpqueue/internal/processor"
	"github.com/fairyhunter13/erpqueue/internal/realtime"
	"github.com/fairyhunter13/erpqueue/internal/scheduler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Embedded store: synced data, intervals, terminal audit.
	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		slog.Error("store open failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	// Durable queue.
	queue, err := redisq.NewFromURL(cfg.QueueURL, cfg.LeaseDuration())
	if err != nil {
		slog.Error("queue connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	if err := queue.Ping(ctx); err != nil {
		slog.Error("queue ping failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Real-time hub.
	hub := realtime.NewHub(realtime.Options{
		Heartbeat:  cfg.WSHeartbeat(),
		BufferSize: cfg.WSBufferSize,
		BufferTTL:  cfg.WSBufferTTL(),
	})

	// Handler registry over the automation sidecar and the store.
	driver := erpdriver.New(cfg.DriverURL)
	registry := processor.NewRegistry()
	if err := handlers.RegisterAll(registry, driver, store, handlers.Options{
		SpoolDir:         cfg.SpoolDir,
		WriteMaxAttempts: cfg.WriteMaxAttempts,
	}); err != nil {
		slog.Error("handler registration failed", slog.Any("error", err))
		os.Exit(1)
	}
	timeouts, err := cfg.OperationTimeouts()
	if err != nil {
		slog.Error("operation timeout overrides invalid", slog.Any("error", err))
		os.Exit(1)
	}
	registry.ApplyTimeoutOverrides(timeouts)

	// Processor with the per-user agent lock.
	lock := agentlock.New()
	proc := processor.New(queue, lock, registry, hub, store, processor.Options{
		Workers:            cfg.ProcessorWorkers,
		LeaseDuration:      cfg.LeaseDuration(),
		PreemptionDeadline: cfg.PreemptionDeadline(),
		PreemptionPoll:     cfg.PreemptionPoll(),
		BusyRetryDelay:     cfg.BusyRetryDelay(),
	})
	// Cancelling an active job reaches back into the processor.
	queue.SetCancelActive(proc.CancelActive)

	procCtx, stopProc := context.WithCancel(context.Background())
	defer stopProc()
	queue.Start(procCtx)
	proc.Start(procCtx)

	// Interval scheduler: syncs for users connected right now or seen in the
	// recent audit.
	sched := scheduler.New(queue, store, func(ctx context.Context) ([]string, error) {
		seen := map[string]struct{}{}
		for _, u := range hub.ConnectedUsers() {
			seen[u] = struct{}{}
		}
		audited, err := store.ActiveUsers(ctx, scheduler.ActiveUserWindow)
		if err != nil {
			return nil, err
		}
		for _, u := range audited {
			seen[u] = struct{}{}
		}
		users := make([]string, 0, len(seen))
		for u := range seen {
			users = append(users, u)
		}
		return users, nil
	}, scheduler.Options{})
	sched.Start(procCtx)

	// HTTP server.
	srv := httpserver.NewServer(cfg, queue, store, hub)
	handler := app.BuildRouter(cfg, srv, app.ReadyzHandler(queue, store))

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	// Shutdown ordering: stop accepting work, stop the scheduler, let
	// in-flight jobs wind down and requeue, close the hub last so terminal
	// events still reach connected clients.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)

	sched.Close()
	stopProc()
	proc.Wait()
	queue.Close()
	hub.Close()
}
