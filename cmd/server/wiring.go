package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/z-korp/daydreams/dispatcher/internal/config"
	"github.com/z-korp/daydreams/dispatcher/internal/connector"
	"github.com/z-korp/daydreams/dispatcher/internal/db"
	"github.com/z-korp/daydreams/dispatcher/internal/flow"
	"github.com/z-korp/daydreams/dispatcher/internal/handler"
	"github.com/z-korp/daydreams/dispatcher/internal/httpclient"
	"github.com/z-korp/daydreams/dispatcher/internal/session"
)

// openStore opens the configured task store. The returned function releases it.
func openStore(ctx context.Context, cfg config.StoreConfig, logger *zap.SugaredLogger) (db.TaskStore, func(), error) {
	switch cfg.Driver {
	case config.StorePostgres:
		client, err := db.NewClient(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		return client, client.Close, nil
	case config.StoreSQLite:
		store, err := db.NewSQLiteStore(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, func() { _ = store.Close() }, nil
	default:
		logger.Warn("Using in-memory task store; scheduled tasks do not survive restarts")
		return db.NewMemoryStore(), func() {}, nil
	}
}

// openHooks builds the session hooks and wraps them so processor-requested
// tasks land in store
func openHooks(ctx context.Context, cfg config.SessionConfig, store db.TaskStore, logger *zap.SugaredLogger) (flow.FlowHooks, func(), error) {
	var (
		hooks   flow.FlowHooks
		release = func() {}
	)
	switch cfg.Backend {
	case config.SessionRedis:
		client, err := session.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		hooks = session.NewRedisHooks(client, cfg.KeyPrefix, cfg.MemoryLimit, cfg.TTL)
		release = func() { _ = client.Close() }
		logger.Infow("Using Redis session hooks", "prefix", cfg.KeyPrefix)
	default:
		hooks = session.NewMemoryHooks(cfg.MemoryLimit)
	}
	return session.NewTaskForwarder(hooks, store, logger), release, nil
}

func newHTTPClient(cfg config.RetryConfig, logger *zap.SugaredLogger) *httpclient.Client {
	retry := httpclient.DefaultRetryOptions()
	retry.MaxRetries = cfg.MaxRetries
	retry.InitialDelay = cfg.InitialDelay
	retry.MaxDelay = cfg.MaxDelay
	retry.BackoffFactor = cfg.BackoffFactor

	opts := []httpclient.Option{httpclient.WithRetryOptions(retry)}
	if cfg.RequestTimeout > 0 {
		opts = append(opts, httpclient.WithTimeout(cfg.RequestTimeout))
	}
	return httpclient.New(logger, opts...)
}

// buildRegistry registers the built-in handlers named in the configuration
func buildRegistry(cfg config.Config, client *httpclient.Client, nats connector.Conn, logger *zap.SugaredLogger) (*handler.Registry, error) {
	registry := handler.NewRegistry()

	for _, w := range cfg.Webhooks {
		if err := registry.Register(connector.NewWebhookOutput(w.Name, w.URL, client, w.Headers)); err != nil {
			return nil, err
		}
	}
	for _, p := range cfg.Polls {
		if err := registry.Register(connector.NewPollInput(p.Name, p.URL, p.Interval, client, logger)); err != nil {
			return nil, err
		}
	}
	if cfg.FetchAction != "" {
		if err := registry.Register(connector.NewFetchAction(cfg.FetchAction, client)); err != nil {
			return nil, err
		}
	}
	if nats != nil {
		if cfg.NATS.InputSubject != "" {
			in := connector.NewNATSInput("nats:"+cfg.NATS.InputSubject, nats, cfg.NATS.InputSubject, cfg.NATS.Queue, logger)
			if err := registry.Register(in); err != nil {
				return nil, err
			}
		}
		if cfg.NATS.OutputSubject != "" {
			out := connector.NewNATSOutput("nats:"+cfg.NATS.OutputSubject, nats, cfg.NATS.OutputSubject)
			if err := registry.Register(out); err != nil {
				return nil, err
			}
		}
	}

	logger.Infow("Registered handlers",
		"inputs", registry.Names(handler.RoleInput),
		"outputs", registry.Names(handler.RoleOutput),
		"actions", registry.Names(handler.RoleAction),
	)
	return registry, nil
}
