package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/incentive-engine/internal/config"
	"github.com/atmx/incentive-engine/internal/feed"
	"github.com/atmx/incentive-engine/internal/identity"
	"github.com/atmx/incentive-engine/internal/ledger"
	"github.com/atmx/incentive-engine/internal/metrics"
	"github.com/atmx/incentive-engine/internal/scheduler"
	"github.com/atmx/incentive-engine/internal/store"
	"github.com/atmx/incentive-engine/internal/validator"
	"github.com/atmx/incentive-engine/internal/vote"
)

type app struct {
	validator *validator.Validator
	cleanup   []func()
}

func (a *app) close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
}

// build wires the validator from configuration. hub may be nil.
func build(ctx context.Context, cfg *config.Config, hub *validator.WSHub) (*app, error) {
	a := &app{}

	st, err := openStore(ctx, cfg, a)
	if err != nil {
		a.close()
		return nil, err
	}

	signer, err := identity.NewSigner(cfg.Identity.PrivateKey)
	if err != nil {
		if cfg.Identity.PrivateKey != "" {
			a.close()
			return nil, err
		}
		slog.Warn("identity.private_key not set, using an ephemeral key")
		if signer, err = identity.Generate(); err != nil {
			a.close()
			return nil, err
		}
	}
	slog.Info("validator identity", "address", signer.Address())

	feedClient := feed.NewHTTPClient(feed.Config{
		BaseURL:       cfg.Feed.BaseURL,
		Timeout:       cfg.Feed.Timeout,
		Retries:       cfg.Feed.Retries,
		RetryBackoff:  cfg.Feed.RetryBackoff,
		RatePerSecond: cfg.Feed.RatePerSecond,
	}, signer)

	sink := vote.NewHTTPSink(vote.Config{
		URL:          cfg.Vote.URL,
		Timeout:      cfg.Vote.Timeout,
		Retries:      cfg.Vote.Retries,
		RetryBackoff: cfg.Vote.RetryBackoff,
	}, signer)

	sched := scheduler.New(scheduler.WithObserver(metrics.ObserveTask))

	a.validator = validator.New(validator.Config{
		Interval:       cfg.Validator.Interval,
		Budget:         cfg.Validator.Budget,
		DefaultWeight:  cfg.Validator.DefaultWeight,
		MinCheckpoints: cfg.Validator.MinCheckpoints,
	}, validator.Deps{
		Feed:      feedClient,
		Sink:      sink,
		Registry:  sink,
		Store:     st,
		Ledger:    ledger.New(cfg.Tokens.Main),
		Tokens:    cfg.Tokens.Default,
		Scheduler: sched,
		Hub:       hub,
	})

	err = a.validator.RegisterTasks(validator.Schedule{
		Protection:  cfg.Schedule.Protection,
		Inactivity:  cfg.Schedule.Inactivity,
		CopyTrading: cfg.Schedule.CopyTrading,
		Drawdown:    cfg.Schedule.Drawdown,
		ROI:         cfg.Schedule.ROI,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func openStore(ctx context.Context, cfg *config.Config, a *app) (store.Store, error) {
	var st store.Store
	switch cfg.Store.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		a.cleanup = append(a.cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			return nil, err
		}
		st = pg
		slog.Info("connected to PostgreSQL")
	case "memory":
		slog.Warn("using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	default:
		fs, err := store.NewFileStore(cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		st = fs
		slog.Info("using file store", "path", cfg.Store.Path)
	}

	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis.url: %w", err)
		}
		rdb := redis.NewClient(opt)
		a.cleanup = append(a.cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.Redis.TTL)
		slog.Info("Redis cache enabled")
	}
	return st, nil
}

func newRouter(v *validator.Validator, hub *validator.WSHub) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"incentive-validator"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Websocket upgrades must not sit behind the request timeout.
		r.Get("/ws", hub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Get("/weights", v.GetWeights)
			r.Get("/miners/{minerID}", v.GetMiner)
			r.Get("/eliminations", v.GetEliminations)
			r.Get("/tasks", v.GetTasks)
		})
	})
	return r
}
