package main

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/mathduel/go/internal/config"
	"github.com/mcdev12/mathduel/go/internal/dbconfig"
	"github.com/mcdev12/mathduel/go/internal/duel/bridge"
	"github.com/mcdev12/mathduel/go/internal/duel/engine"
	"github.com/mcdev12/mathduel/go/internal/duel/lifecycle"
	"github.com/mcdev12/mathduel/go/internal/duel/metrics"
	"github.com/mcdev12/mathduel/go/internal/duel/problem"
	"github.com/mcdev12/mathduel/go/internal/duel/store"
)

type Services struct {
	Registry *prometheus.Registry
	Store    store.Store
	Hub      *bridge.Hub
	Engine   *engine.Engine
	Manager  *lifecycle.Manager

	closeStore func() error
}

// setupStore connects the configured backend. The returned function releases
// it.
func setupStore(ctx context.Context, cfg *config.Config) (store.Store, func() error, error) {
	switch cfg.Store.Backend {
	case config.BackendNATS:
		natsCfg := store.DefaultNATSConfig()
		natsCfg.URL = cfg.Store.NATSURL
		natsCfg.Bucket = cfg.Store.KVBucket
		s, err := store.NewNATSStore(ctx, natsCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("nats store: %w", err)
		}
		return s, s.Close, nil

	case config.BackendRedis:
		redisCfg := store.DefaultRedisConfig()
		redisCfg.Addr = cfg.Store.RedisAddr
		s, err := store.NewRedisStore(ctx, redisCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("redis store: %w", err)
		}
		return s, s.Close, nil

	case config.BackendPostgres:
		dbCfg := dbconfig.NewConfigFromEnv()
		database, err := setupDatabase(dbCfg)
		if err != nil {
			return nil, nil, err
		}
		pgCfg := store.DefaultPostgresConfig()
		pgCfg.DatabaseURL = dbCfg.DSN()
		pgCfg.NotifyChannel = dbCfg.NotifyChannel
		s, err := store.NewPostgresStore(database, pgCfg)
		if err != nil {
			database.Close()
			return nil, nil, fmt.Errorf("postgres store: %w", err)
		}
		go func() {
			if err := s.Run(ctx); err != nil {
				log.Error().Err(err).Msg("postgres notification loop stopped")
			}
		}()
		return s, s.Close, nil

	default:
		log.Warn().Msg("using in-process memory store; sessions are not shared with other processes")
		return store.NewMemoryStore(), func() error { return nil }, nil
	}
}

func setupServices(ctx context.Context, cfg *config.Config) (*Services, error) {
	// Wire up dependency injection chain
	// Store → Metrics → Engine → Lifecycle → Bridge
	backend, closeStore, err := setupStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewPrometheus(registry)
	instrumented := metrics.NewMetricStore(backend, collector)

	clock := clockwork.NewRealClock()
	hub := bridge.NewHub(bridge.DefaultConnectionConfig())
	eng := engine.New(instrumented, problem.NewGenerator(), clock, cfg.Engine(), collector, hub)
	handles := lifecycle.NewFileHandleStore(cfg.Client.HandlePath)
	manager := lifecycle.NewManager(instrumented, eng, problem.NewGenerator(), handles, clock, cfg.Lifecycle())

	return &Services{
		Registry:   registry,
		Store:      instrumented,
		Hub:        hub,
		Engine:     eng,
		Manager:    manager,
		closeStore: closeStore,
	}, nil
}

func (s *Services) Close() error {
	s.Manager.Close()
	return s.closeStore()
}
