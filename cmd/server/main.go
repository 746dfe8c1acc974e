package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"github.com/example/workout-engagement/internal/broadcast"
	"github.com/example/workout-engagement/internal/config"
	"github.com/example/workout-engagement/internal/engagement"
	"github.com/example/workout-engagement/internal/notify"
	"github.com/example/workout-engagement/internal/observability"
	"github.com/example/workout-engagement/internal/storage"
	"github.com/example/workout-engagement/internal/ws"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Str("level", cfg.LogLevel).Msg("unknown log level; using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	logger := log.With().Str("app", cfg.AppName).Logger()
	if err := observability.RegisterRuntimeCollectors(prometheus.DefaultRegisterer); err != nil {
		logger.Warn().Err(err).Msg("runtime collectors not registered")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetryShutdown, err := observability.Start(ctx, observability.Config{
		ServiceName:  cfg.AppName,
		MetricsAddr:  cfg.MetricsAddr,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SampleRatio:  cfg.TraceSampleRatio,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize telemetry")
	}

	resources, err := config.NewResources(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize resources")
	}

	deps, err := buildDeps(ctx, cfg, resources, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build engagement backends")
	}

	gateway, err := ws.NewGateway(ws.HeaderAuthenticator(), ws.NewConnectionRegistry(), deps, logger, ws.GatewayConfig{},
		engagement.WithReconcileInterval(cfg.ReconcileInterval),
		engagement.WithOpTimeout(cfg.StoreOpTimeout),
		engagement.WithDedupCapacity(cfg.DedupCapacity),
		engagement.WithPageSize(cfg.CommentPageSize),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create websocket gateway")
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", gateway)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := resources.HealthCheck(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	httpServer := &http.Server{Addr: cfg.HTTPListenAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Msg("http server starting")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	logger.Info().
		Str("store", cfg.StoreBackend).
		Str("broadcast", cfg.BroadcastBackend).
		Dur("reconcile_interval", cfg.ReconcileInterval).
		Msg("server dependencies initialized")

	go healthLoop(ctx, resources, cfg.HealthcheckProbe, logger)

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		err := httpServer.Shutdown(shutdownCtx)
		gateway.Close()
		err = multierr.Append(err, resources.Close())
		err = multierr.Append(err, telemetryShutdown(shutdownCtx))
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			logger.Warn().Err(err).Msg("shutdown completed with errors")
			return
		}
		logger.Info().Msg("shutdown complete")
	case <-shutdownCtx.Done():
		logger.Error().Err(shutdownCtx.Err()).Msg("forced shutdown")
	}
}

// buildDeps selects the store, change feed and peer hub the configuration
// names. The Postgres listener runs until ctx is cancelled.
func buildDeps(ctx context.Context, cfg config.Config, res *config.Resources, logger zerolog.Logger) (engagement.Deps, error) {
	deps := engagement.Deps{Logger: logger}

	switch cfg.StoreBackend {
	case config.BackendPostgres:
		store := storage.New(res.Postgres, storage.WithNotifyChannel(cfg.NotifyChannel))
		if cfg.MigrateOnStart {
			if err := store.EnsureSchema(ctx); err != nil {
				return engagement.Deps{}, err
			}
			logger.Info().Msg("schema ensured")
		}
		listener := notify.NewListener(res.Postgres, logger, notify.WithChannel(cfg.NotifyChannel))
		listener.Start(ctx)
		deps.Likes, deps.Comments, deps.Feed = store, store, listener
	default:
		feed := notify.NewMemoryFeed()
		store := storage.NewMemoryStore(feed)
		deps.Likes, deps.Comments, deps.Feed = store, store, feed
		logger.Warn().Msg("using in-memory store; state is lost on restart")
	}

	switch cfg.BroadcastBackend {
	case config.BackendRedis:
		deps.Peers = broadcast.NewRedisHub(res.Redis, logger, broadcast.WithTopicPrefix(cfg.BroadcastPrefix))
	default:
		deps.Peers = broadcast.NewMemoryHub()
	}

	return deps, nil
}

func healthLoop(ctx context.Context, resources *config.Resources, interval time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := resources.HealthCheck(ctx); err != nil {
				logger.Error().Err(err).Msg("dependency healthcheck failed")
			} else {
				logger.Debug().Msg("dependency healthcheck ok")
			}
		case <-ctx.Done():
			return
		}
	}
}
