package main

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/crowdgate/crowdgate/internal/classifier"
	"github.com/crowdgate/crowdgate/internal/ledger"
	"github.com/crowdgate/crowdgate/internal/metrics"
	"github.com/crowdgate/crowdgate/internal/platform"
	"github.com/crowdgate/crowdgate/internal/queue"
	"github.com/crowdgate/crowdgate/internal/replygen"
	"github.com/crowdgate/crowdgate/internal/store"
	"github.com/crowdgate/crowdgate/pkg/anthropic"
	"github.com/crowdgate/crowdgate/pkg/perspective"
)

// env holds the shared subsystems commands run against.
type env struct {
	Store      store.Store
	Queue      queue.Queue
	Ledger     *ledger.CostControl
	Registry   *platform.Registry
	Classifier classifier.Classifier
	Generator  replygen.Generator

	redis  *redis.Client
	closes []func() error
}

// initEnv wires store, queue (redis primary with relational failover),
// ledger, and the pluggable providers from config.
func initEnv(ctx context.Context) (*env, error) {
	e := &env{Registry: platform.NewRegistry()}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	e.Store = st
	e.closes = append(e.closes, st.Close)

	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			e.Close()
			return nil, eris.Wrap(err, "env: parse redis url")
		}
		e.redis = redis.NewClient(opt)
		if err := e.redis.Ping(ctx).Err(); err != nil {
			// Redis down at startup is survivable: the failover backend
			// carries the queue and quota reads hit the store.
			zap.L().Warn("env: redis unreachable at startup", zap.Error(err))
		}
		e.closes = append(e.closes, e.redis.Close)
	}

	q, err := buildQueue(e)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.Queue = q

	e.Ledger = ledger.New(e.Store, e.redis, cfg.Ledger)
	e.Classifier = buildClassifier()
	e.Generator = buildGenerator()

	return e, nil
}

// Close releases resources in reverse acquisition order.
func (e *env) Close() {
	for i := len(e.closes) - 1; i >= 0; i-- {
		if err := e.closes[i](); err != nil {
			zap.L().Warn("env: close failed", zap.Error(err))
		}
	}
}

func openStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Store.SQLitePath)
	case "postgres", "":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("env: unknown store driver %q", cfg.Store.Driver)
	}
}

// buildQueue assembles the queue stack: redis primary with the
// relational backend as failover, or the relational backend alone when
// redis is not configured. Sqlite runs fall back to the in-memory queue
// since the postgres backend needs a pgx pool.
func buildQueue(e *env) (queue.Queue, error) {
	var durable queue.Queue
	if pg, ok := e.Store.(*store.PostgresStore); ok {
		durable = queue.NewPostgres(pg.Pool())
	} else {
		zap.L().Warn("env: non-postgres store, queue jobs are not durable across restarts")
		durable = queue.NewMemory()
	}

	if e.redis == nil {
		return durable, nil
	}

	fq := queue.NewFailover(queue.NewRedisFromClient(e.redis), durable)
	fq.OnFailover(func(op string) {
		metrics.QueueFailovers.WithLabelValues(op).Inc()
	})
	return fq, nil
}

func buildClassifier() classifier.Classifier {
	switch cfg.Classifier.Provider {
	case "perspective":
		opts := []perspective.Option{}
		if cfg.Classifier.BaseURL != "" {
			opts = append(opts, perspective.WithBaseURL(cfg.Classifier.BaseURL))
		}
		return classifier.NewPerspective(perspective.NewClient(cfg.Classifier.Key, opts...))
	default:
		if cfg.Classifier.Provider != "keyword" {
			zap.L().Warn("env: unknown classifier provider, using keyword",
				zap.String("provider", cfg.Classifier.Provider))
		}
		return classifier.NewKeyword()
	}
}

func buildGenerator() replygen.Generator {
	switch cfg.Generator.Provider {
	case "anthropic":
		return replygen.NewAnthropic(anthropic.NewClient(cfg.Generator.Key), cfg.Generator)
	default:
		if cfg.Generator.Provider != "template" {
			zap.L().Warn("env: unknown generator provider, using template",
				zap.String("provider", cfg.Generator.Provider))
		}
		return replygen.NewTemplate()
	}
}
