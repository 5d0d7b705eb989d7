// Command enrollqd starts the enrollment queue service: the HTTP API,
// the dispatcher pool, and a task store chosen by flag.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/stevessr/enrollq"
	"github.com/stevessr/enrollq/api"
	"github.com/stevessr/enrollq/audit"
	"github.com/stevessr/enrollq/engine"
	"github.com/stevessr/enrollq/ledger"
	"github.com/stevessr/enrollq/ratelimit"
	"github.com/stevessr/enrollq/store"
	memorystore "github.com/stevessr/enrollq/store/memory"
	pgstore "github.com/stevessr/enrollq/store/postgres"
	redisstore "github.com/stevessr/enrollq/store/redis"
)

func main() {
	var (
		addr         = flag.String("addr", envOr("ENROLLQ_ADDR", ":8080"), "HTTP listen address")
		backend      = flag.String("store", envOr("ENROLLQ_STORE", "memory"), "task store backend: memory, redis, or postgres")
		redisAddr    = flag.String("redis-addr", envOr("ENROLLQ_REDIS_ADDR", "localhost:6379"), "Redis address")
		postgresURL  = flag.String("postgres-url", envOr("ENROLLQ_POSTGRES_URL", ""), "PostgreSQL connection URL")
		serviceToken = flag.String("service-token", envOr("ENROLLQ_SERVICE_TOKEN", ""), "internal service token; empty disables auth")
		concurrency  = flag.Int("concurrency", 0, "dispatcher concurrency; 0 uses the default")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(*addr, *backend, *redisAddr, *postgresURL, *serviceToken, *concurrency, logger); err != nil {
		logger.Error("enrollqd exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(addr, backend, redisAddr, postgresURL, serviceToken string, concurrency int, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := enrollq.DefaultConfig()
	if concurrency > 0 {
		cfg.Concurrency = concurrency
	}

	st, led, err := buildBackend(ctx, backend, redisAddr, postgresURL, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	eng, err := engine.Build(cfg, st, led, logger,
		engine.WithExtension(audit.New(audit.LogRecorder(logger))),
	)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	// The selection limiter damps thundering herds on popular courses
	// at registration opening time.
	limiter := ratelimit.NewSelectionLimiter(ratelimit.WithLogger(logger))
	if err := limiter.Start(ctx); err != nil {
		return fmt.Errorf("start limiter: %w", err)
	}
	defer limiter.Stop(context.Background()) //nolint:errcheck // shutdown path

	server := api.New(eng,
		api.WithGate(ratelimit.NewGate(limiter)),
		api.WithServiceToken(serviceToken),
		api.WithLogger(logger),
	)

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("enrollqd listening",
			slog.String("addr", addr),
			slog.String("store", backend),
		)
		if serveErr := httpSrv.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
		}
	}()

	select {
	case <-ctx.Done():
	case serveErr := <-errCh:
		return fmt.Errorf("http server: %w", serveErr)
	}

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if shutdownErr := httpSrv.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Warn("http shutdown", slog.String("error", shutdownErr.Error()))
	}
	return eng.Stop(shutdownCtx)
}

// buildBackend constructs the task store and the ledger for the chosen
// backend. The memory and postgres backends pair with the in-memory
// ledger; the redis backend shares its client with the Redis ledger so
// seat accounting survives restarts alongside the tasks.
func buildBackend(ctx context.Context, backend, redisAddr, postgresURL string, logger *slog.Logger) (store.Store, ledger.Ledger, error) {
	switch backend {
	case "memory":
		return memorystore.New(), ledger.NewMemory(), nil

	case "redis":
		client := goredis.NewClient(&goredis.Options{Addr: redisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		return redisstore.New(client, redisstore.WithLogger(logger)), ledger.NewRedis(client), nil

	case "postgres":
		if postgresURL == "" {
			return nil, nil, errors.New("postgres backend requires -postgres-url")
		}
		st, err := pgstore.New(ctx, postgresURL, pgstore.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return st, ledger.NewMemory(), nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
