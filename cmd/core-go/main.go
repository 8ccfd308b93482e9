package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"capture_scheduler/core-go/internal/agents"
	"capture_scheduler/core-go/internal/config"
	"capture_scheduler/core-go/internal/db"
	"capture_scheduler/core-go/internal/httpapi"
	"capture_scheduler/core-go/internal/livenessworker"
	"capture_scheduler/core-go/internal/metrics"
	"capture_scheduler/core-go/internal/notify"
	"capture_scheduler/core-go/internal/pgstore"
	"capture_scheduler/core-go/internal/schedule"
	"capture_scheduler/core-go/internal/snmpprobe"
	"capture_scheduler/core-go/internal/sqlitestore"
)

// backend is the persistence selected by STORE_DRIVER.
type backend struct {
	events schedule.Store
	agents agents.Store
	ready  func(ctx context.Context) error
	close  func()
}

func openBackend(ctx context.Context, log zerolog.Logger, cfg config.StoreConfig) (backend, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		pool, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return backend{}, err
		}
		if err := pool.Migrate(ctx); err != nil {
			pool.Close()
			return backend{}, err
		}
		log.Info().Msg("using postgres store")
		return backend{
			events: pgstore.NewEventStore(pool),
			agents: pgstore.NewAgentStore(pool),
			ready:  pool.Ping,
			close:  pool.Close,
		}, nil

	case config.DriverSQLite:
		sdb, err := sqlitestore.Open(cfg.SQLitePath)
		if err != nil {
			return backend{}, err
		}
		log.Info().Str("path", cfg.SQLitePath).Msg("using sqlite store")
		return backend{
			events: sdb.Events(),
			agents: sdb.Agents(),
			ready:  sdb.Ping,
			close:  func() { _ = sdb.Close() },
		}, nil

	default:
		log.Warn().Msg("using in-memory store; events are lost on restart")
		return backend{
			events: schedule.NewMemoryStore(),
			agents: agents.NewMemoryStore(),
			close:  func() {},
		}, nil
	}
}

func main() {
	cfg, err := config.Load("")
	if err != nil {
		bootLog := httpapi.NewLogger(httpapi.LogConfig{})
		bootLog.Fatal().Err(err).Msg("invalid configuration")
	}

	logger := httpapi.NewLogger(httpapi.LogConfig{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Service: cfg.ServiceName,
	})
	m := metrics.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openBackend(ctx, logger, cfg.Store)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.Store.Driver).Msg("failed to open store")
	}
	defer store.close()

	registry := agents.NewRegistry(store.agents)

	facadeOpts := schedule.FacadeOptions{
		SerializeByDevice: cfg.Schedule.SerializeByDevice,
		Metrics:           m,
	}
	if cfg.Redis.Enabled() {
		pub, err := notify.Dial(ctx, cfg.Redis.URL, cfg.Redis.Stream, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer pub.Close()
		facadeOpts.Notifier = pub
	}
	facade := schedule.NewFacade(logger, store.events, registry, facadeOpts)

	workerOpts := livenessworker.Options{
		Interval:   cfg.Liveness.Interval,
		StaleAfter: cfg.Liveness.StaleAfter,
	}
	if cfg.SNMP.Enabled {
		workerOpts.Prober = snmpprobe.NewClient(snmpprobe.Config{
			Community: cfg.SNMP.Community,
			Port:      uint16(cfg.SNMP.Port),
			Timeout:   cfg.SNMP.Timeout,
		})
	}
	worker := livenessworker.New(logger, registry, workerOpts, m)
	go worker.Run(ctx)

	h := httpapi.NewHandler(logger, facade, httpapi.Options{
		Ready:      store.ready,
		Metrics:    m,
		StaleAfter: cfg.Liveness.StaleAfter,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Str("env", cfg.Env).Msg("capture scheduler listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server error")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	logger.Info().Msg("shutdown complete")
}
