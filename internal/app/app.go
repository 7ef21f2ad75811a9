// Package app assembles the sync stack from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"trophysync/internal/linking"
	"trophysync/internal/syncer"
	"trophysync/pkg/config"
	"trophysync/pkg/digest"
	"trophysync/pkg/lock"
	"trophysync/pkg/logger"
	"trophysync/pkg/model"
	"trophysync/pkg/platform"
	"trophysync/pkg/platform/psn"
	"trophysync/pkg/platform/steam"
	"trophysync/pkg/platform/xbox"
	"trophysync/pkg/producer"
	"trophysync/pkg/store"
	"trophysync/pkg/token"
)

// App holds the wired components. Close releases them in reverse order.
type App struct {
	Store     store.Store
	Registry  *platform.Registry
	Engine    *syncer.Engine
	Runner    *syncer.Runner
	Linking   *linking.Service
	Publisher Publisher

	closers []func() error
}

// Publisher is a digest publisher that owns a connection
type Publisher interface {
	syncer.Publisher
	Close() error
}

// New connects the store, Redis and Kafka and builds the adapters for every
// platform with credentials.
func New(ctx context.Context, cfg *config.AppConfig, l *logger.Logger) (*App, error) {
	a := &App{}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	st, err := openStore(ctx, cfg, l)
	if err != nil {
		return nil, err
	}
	a.Store = st
	a.closers = append(a.closers, st.Close)

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		l.Info("connected to redis", zap.String("addr", cfg.Redis.Addr))
	}

	adapters, err := Adapters(cfg, rdb, l)
	if err != nil {
		return nil, err
	}
	a.Registry = platform.NewRegistry(adapters...)

	var locker lock.Locker = lock.Nop{}
	if rdb != nil {
		locker = lock.NewRedis(rdb, cfg.Redis.KeyPrefix+"cycle", cfg.Sync.LockTTL)
	}

	if len(cfg.Kafka.Brokers) > 0 {
		a.Publisher = producer.NewKafkaPublisher(producer.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.DigestTopic,
		}, l)
	} else {
		l.Info("no kafka brokers configured, digests will be logged")
		a.Publisher = producer.NewLogPublisher(l)
	}
	a.closers = append(a.closers, a.Publisher.Close)

	a.Engine = syncer.NewEngine(syncer.EngineConfig{
		TitleLimit:  cfg.Sync.TitleLimit,
		CallTimeout: cfg.Sync.CallTimeout,
	}, a.Store, a.Store, a.Registry, l)

	a.Runner = syncer.NewRunner(a.Engine, a.Store, locker, a.Publisher, digest.Limits{
		MaxTitles:          cfg.Digest.MaxTitles,
		MaxUnlocksPerTitle: cfg.Digest.MaxUnlocksPerTitle,
	}, l)
	a.closers = append(a.closers, func() error { a.Runner.Close(); return nil })

	a.Linking = linking.New(a.Store, a.Registry, l)

	ok = true
	return a, nil
}

func openStore(ctx context.Context, cfg *config.AppConfig, l *logger.Logger) (store.Store, error) {
	if cfg.Storage.Driver == "memory" {
		l.Warn("using in-memory storage, the ledger is lost on restart")
		return store.NewMemory(), nil
	}

	pg, err := store.NewPostgres(ctx, store.PostgresConfig{
		URI:             cfg.Postgres.URI,
		MinConns:        int32(cfg.Postgres.MinConns),
		MaxConns:        int32(cfg.Postgres.MaxConns),
		MaxConnLifetime: cfg.Postgres.MaxConnLifetime,
	}, l)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return pg, nil
}

// Adapters builds an adapter for every platform with credentials configured.
// rdb may be nil.
func Adapters(cfg *config.AppConfig, rdb *redis.Client, l *logger.Logger) ([]platform.Adapter, error) {
	var adapters []platform.Adapter
	timeout := cfg.Sync.CallTimeout

	if cfg.Steam.APIKey != "" {
		var cache steam.MetadataCache = steam.NopCache{}
		if rdb != nil {
			cache = steam.NewRedisCache(rdb, cfg.Redis.KeyPrefix, cfg.Redis.SchemaTTL)
		}
		a, err := steam.New(steam.Config{
			APIKey:            cfg.Steam.APIKey,
			BaseURL:           cfg.Steam.BaseURL,
			RequestsPerSecond: cfg.Steam.RequestsPerSecond,
			Timeout:           timeout,
			Cache:             cache,
		})
		if err != nil {
			return nil, fmt.Errorf("steam: %w", err)
		}
		adapters = append(adapters, a)
	}

	if cfg.PSN.NPSSO != "" {
		ex, err := psn.NewExchanger(cfg.PSN.NPSSO, cfg.PSN.AuthURL, timeout)
		if err != nil {
			return nil, fmt.Errorf("psn: %w", err)
		}
		var sessions token.Store = token.NewMemoryStore()
		if rdb != nil {
			sessions = token.NewRedisStore(rdb, cfg.Redis.KeyPrefix+"token:psn")
		}
		a, err := psn.New(psn.Config{
			BaseURL:           cfg.PSN.BaseURL,
			ProfileURL:        cfg.PSN.ProfileURL,
			RequestsPerSecond: cfg.PSN.RequestsPerSecond,
			Timeout:           timeout,
			Tokens:            token.NewSource(model.PSN, sessions, ex, l),
		})
		if err != nil {
			return nil, fmt.Errorf("psn: %w", err)
		}
		adapters = append(adapters, a)
	}

	if cfg.Xbox.APIKey != "" {
		a, err := xbox.New(xbox.Config{
			APIKey:            cfg.Xbox.APIKey,
			BaseURL:           cfg.Xbox.BaseURL,
			RequestsPerSecond: cfg.Xbox.RequestsPerSecond,
			Timeout:           timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("xbox: %w", err)
		}
		adapters = append(adapters, a)
	}

	if len(adapters) == 0 {
		return nil, errors.New("no platform credentials configured")
	}
	for _, a := range adapters {
		l.Info("platform enabled", logger.Platform(a.Platform()))
	}
	return adapters, nil
}

// Close releases everything New opened
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Ping checks the store within a short deadline
func (a *App) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return a.Store.Ping(ctx)
}
