package defs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultCacheTTL bounds how stale a cached control-plane snapshot may be.
const DefaultCacheTTL = 60 * time.Second

// Cache is a process-local read-through cache over a Repository. Engines
// hold definitions only for the duration of a run, so a short TTL keeps
// them within one refresh of the control plane without a query per row.
type Cache struct {
	repo   Repository
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu        sync.Mutex
	defs      map[uuid.UUID]cachedDef
	routes    map[routeKey]*Definition
	routesExp time.Time
}

type cachedDef struct {
	def     *Definition
	binding *SourceBinding
	targets []Target
	expires time.Time
}

type routeKey struct {
	instance uuid.UUID
	schema   string
	table    string
}

// NewCache wraps repo with a TTL cache. A zero ttl uses DefaultCacheTTL.
func NewCache(repo Repository, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Cache{
		repo:   repo,
		ttl:    ttl,
		now:    time.Now,
		logger: logger,
		defs:   make(map[uuid.UUID]cachedDef),
	}
}

// SetNowFunc overrides the clock; tests use this to expire entries.
func (c *Cache) SetNowFunc(now func() time.Time) { c.now = now }

// Get returns the definition, loading and caching on miss or expiry.
func (c *Cache) Get(ctx context.Context, id uuid.UUID) (*Definition, error) {
	entry, err := c.load(ctx, id)
	if err != nil {
		return nil, err
	}

	return entry.def, nil
}

// SourceBinding returns the cached source binding for a definition.
func (c *Cache) SourceBinding(ctx context.Context, id uuid.UUID) (*SourceBinding, error) {
	entry, err := c.load(ctx, id)
	if err != nil {
		return nil, err
	}

	if entry.binding == nil {
		return nil, ErrNotFound
	}

	return entry.binding, nil
}

// ListTargets returns the cached target bindings for a definition.
func (c *Cache) ListTargets(ctx context.Context, id uuid.UUID) ([]Target, error) {
	entry, err := c.load(ctx, id)
	if err != nil {
		return nil, err
	}

	return entry.targets, nil
}

// Route resolves (instance, schema, table) to a cdc-enabled definition.
// ok is false when no definition covers the table — the consumer drops the
// event.
func (c *Cache) Route(ctx context.Context, instanceID uuid.UUID, schema, table string) (*Definition, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.routes == nil || c.now().After(c.routesExp) {
		routes, err := c.repo.EnumerateCDC(ctx)
		if err != nil {
			return nil, false, err
		}

		c.routes = make(map[routeKey]*Definition, len(routes))
		for _, r := range routes {
			c.routes[routeKey{r.InstanceID, r.Schema, r.Table}] = r.Definition
		}

		c.routesExp = c.now().Add(c.ttl)

		c.logger.Debug("cdc route cache refreshed", slog.Int("routes", len(routes)))
	}

	def, ok := c.routes[routeKey{instanceID, schema, table}]

	return def, ok, nil
}

// Invalidate drops all cached state; the next read reloads.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.defs = make(map[uuid.UUID]cachedDef)
	c.routes = nil
}

// load returns the cached entry for id, refreshing definition, binding and
// targets together so a run sees a consistent snapshot.
func (c *Cache) load(ctx context.Context, id uuid.UUID) (cachedDef, error) {
	c.mu.Lock()
	entry, ok := c.defs[id]
	fresh := ok && c.now().Before(entry.expires)
	c.mu.Unlock()

	if fresh {
		return entry, nil
	}

	def, err := c.repo.Get(ctx, id)
	if err != nil {
		return cachedDef{}, err
	}

	binding, err := c.repo.SourceBinding(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return cachedDef{}, err
		}

		binding = nil
	}

	targets, err := c.repo.ListTargets(ctx, id)
	if err != nil {
		return cachedDef{}, err
	}

	entry = cachedDef{
		def:     def,
		binding: binding,
		targets: targets,
		expires: c.now().Add(c.ttl),
	}

	c.mu.Lock()
	c.defs[id] = entry
	c.mu.Unlock()

	return entry, nil
}
