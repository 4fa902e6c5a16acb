package governor

import (
	"context"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/quotaguard/quotaguard/internal/core"
)

// Registry holds one Governor per upstream scope, built on first use from a
// shared set of options.
type Registry struct {
	base Options

	group singleflight.Group

	mu        sync.Mutex
	governors map[string]*Governor
	janitors  []<-chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewRegistry creates an empty registry. Scope in base is ignored.
func NewRegistry(base Options) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		base:      base,
		governors: make(map[string]*Governor),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Get returns the governor for scope, creating and restoring it if needed.
// Restore runs outside the registry lock and is bounded by its own timeout,
// so a slow store only delays callers of the scope being built. Restore
// failures are logged and the scope starts with fresh state.
func (r *Registry) Get(ctx context.Context, scope string) *Governor {
	scope = strings.TrimSpace(scope)
	if g, ok := r.Lookup(scope); ok {
		return g
	}
	if ctx == nil {
		ctx = context.Background()
	}

	built, _, _ := r.group.Do(scope, func() (any, error) {
		if g, ok := r.Lookup(scope); ok {
			return g, nil
		}

		opts := r.base
		opts.Scope = scope
		g := New(opts)

		restoreCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		defer cancel()
		if err := g.Restore(restoreCtx); err != nil {
			g.logger.Warn("Starting scope with fresh gate state", zap.String("scope", scope), zap.Error(err))
		}

		r.mu.Lock()
		defer r.mu.Unlock()

		if existing, ok := r.governors[scope]; ok {
			return existing, nil
		}
		if opts.SweepInterval > 0 && r.ctx.Err() == nil {
			r.janitors = append(r.janitors, g.cache.StartJanitor(r.ctx, opts.SweepInterval))
		}
		r.governors[scope] = g
		return g, nil
	})
	return built.(*Governor)
}

// Lookup returns an existing governor without creating one.
func (r *Registry) Lookup(scope string) (*Governor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.governors[strings.TrimSpace(scope)]
	return g, ok
}

// Scopes lists the scopes created so far, sorted.
func (r *Registry) Scopes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	scopes := make([]string, 0, len(r.governors))
	for scope := range r.governors {
		scopes = append(scopes, scope)
	}
	sort.Strings(scopes)
	return scopes
}

// Snapshots reports every known scope, sorted by scope.
func (r *Registry) Snapshots() []core.ScopeSnapshot {
	snapshots := []core.ScopeSnapshot{}
	for _, scope := range r.Scopes() {
		if g, ok := r.Lookup(scope); ok {
			snapshots = append(snapshots, g.Snapshot())
		}
	}
	return snapshots
}

// Close stops cache janitors and waits for them to exit.
func (r *Registry) Close() {
	r.cancel()

	r.mu.Lock()
	janitors := r.janitors
	r.janitors = nil
	r.mu.Unlock()

	for _, done := range janitors {
		<-done
	}
}
