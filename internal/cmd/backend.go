package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/quotaguard/quotaguard/internal/config"
	"github.com/quotaguard/quotaguard/internal/core/governor"
	"github.com/quotaguard/quotaguard/internal/core/redisstore"
	"github.com/quotaguard/quotaguard/internal/core/store"
	"github.com/quotaguard/quotaguard/internal/metrics"
	"github.com/quotaguard/quotaguard/internal/server/handlers"
	"github.com/quotaguard/quotaguard/internal/upstream/graph"
)

// stateBackend is the opened persistence layer for gate state. The memory
// backend has no store and nothing to close.
type stateBackend struct {
	name  string
	store governor.StateStore
	ping  func(ctx context.Context) error
	close func() error

	sql   *store.Store
	redis *redisstore.Store
}

// CheckHealth lets the backend register with the health manager.
func (b *stateBackend) CheckHealth(ctx context.Context) error {
	if b == nil || b.ping == nil {
		return nil
	}
	return b.ping(ctx)
}

// info reports the backend for GET /version.
func (b *stateBackend) info() handlers.GovernorInfo {
	if b == nil {
		return handlers.GovernorInfo{StateBackend: config.StateBackendMemory}
	}
	_, shared := b.store.(governor.SharedStateStore)
	return handlers.GovernorInfo{StateBackend: b.name, SharedAdmission: shared}
}

func (b *stateBackend) Close() error {
	if b == nil || b.close == nil {
		return nil
	}
	return b.close()
}

func openStateBackend(ctx context.Context, cfg *config.Config) (*stateBackend, error) {
	switch strings.TrimSpace(cfg.Governor.StateBackend) {
	case "", config.StateBackendMemory:
		return &stateBackend{name: config.StateBackendMemory}, nil

	case config.StateBackendStore:
		db, err := openStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &stateBackend{
			name:  config.StateBackendStore,
			store: db,
			ping:  db.DB.PingContext,
			close: db.Close,
			sql:   db,
		}, nil

	case config.StateBackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rs := redisstore.New(rdb,
			redisstore.WithPrefix(cfg.Redis.KeyPrefix),
			redisstore.WithTTL(cfg.Redis.StateTTL),
		)
		if err := rs.Ping(ctx); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		return &stateBackend{
			name:  config.StateBackendRedis,
			store: rs,
			ping:  rs.Ping,
			close: rdb.Close,
			redis: rs,
		}, nil
	}

	return nil, fmt.Errorf("unknown state backend: %s", cfg.Governor.StateBackend)
}

func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	db, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// newRegistry builds the per-scope governor registry from config.
func newRegistry(cfg *config.Config, backend *stateBackend, logger governor.Logger) *governor.Registry {
	opts := cfg.Governor.Options()
	if backend != nil {
		opts.Store = backend.store
	}
	opts.Logger = logger
	opts.Observer = metrics.RecordGovernorEvent
	return governor.NewRegistry(opts)
}

// newUpstreamClients returns one client per configured credential, keyed by scope.
func newUpstreamClients(cfg *config.Config) map[string]*graph.Client {
	clients := make(map[string]*graph.Client, len(cfg.Upstream.Credentials))
	for scope, token := range cfg.Upstream.Credentials {
		client := graph.NewClient(cfg.Upstream.BaseURL, cfg.Upstream.APIVersion, token)
		client.Timeout = cfg.Upstream.Timeout
		clients[scope] = client
	}
	return clients
}

func fetchers(clients map[string]*graph.Client) map[string]handlers.Fetcher {
	out := make(map[string]handlers.Fetcher, len(clients))
	for scope, client := range clients {
		out[scope] = client
	}
	return out
}
