// Package engine implements the sync engines themselves: push, ingress,
// CDC capture and apply, moves, drift reports, and the orchestrator that
// schedules them. Everything external is reached through the ports defined
// here and carried on the Engine value; there is no ambient global state.
package engine

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pglogrepl"

	"github.com/arcore-io/arcore/internal/defs"
	"github.com/arcore-io/arcore/internal/graph"
	"github.com/arcore-io/arcore/internal/queue"
	"github.com/arcore-io/arcore/internal/rowvalue"
	"github.com/arcore-io/arcore/internal/sourcedb"
	"github.com/arcore-io/arcore/internal/state"
)

// Lists is the target list backend port, implemented by graph.Client.
type Lists interface {
	CreateItem(ctx context.Context, siteID, listID string, fields map[string]any) (*graph.Item, error)
	UpdateItemFields(ctx context.Context, siteID, listID string, itemID int64, fields map[string]any) error
	DeleteItem(ctx context.Context, siteID, listID string, itemID int64) error
	GetItem(ctx context.Context, siteID, listID string, itemID int64) (*graph.Item, error)
	DeltaAll(ctx context.Context, siteID, listID, token string) ([]graph.Change, string, error)
}

// ListsFactory resolves the list client for a target's connection. The empty
// connection ID returns the default client.
type ListsFactory func(connectionID string) (Lists, error)

// Source is the source database port, implemented by sourcedb.DB.
type Source interface {
	FetchChanged(ctx context.Context, def *defs.Definition, since string, limit int) ([]rowvalue.Row, error)
	FetchByKey(ctx context.Context, def *defs.Definition, key rowvalue.Row) (rowvalue.Row, error)
	InsertRow(ctx context.Context, def *defs.Definition, values rowvalue.Row) (rowvalue.Row, error)
	UpdateByKey(ctx context.Context, def *defs.Definition, key, values rowvalue.Row) (int64, error)
	DeleteByKey(ctx context.Context, def *defs.Definition, key rowvalue.Row) (int64, error)
}

// SourceFactory opens a Source for an instance. The engine caches the
// result per instance ID.
type SourceFactory func(ctx context.Context, inst *defs.Instance) (Source, error)

// ReplicationFactory opens a raw replication stream for an instance.
type ReplicationFactory func(ctx context.Context, inst *defs.Instance, publication string, startLSN pglogrepl.LSN) (Replication, error)

// Replication is the logical replication stream port, implemented by
// sourcedb.ReplicationStream.
type Replication interface {
	Next(ctx context.Context, flushed pglogrepl.LSN) (*sourcedb.WALMessage, error)
	SendStatus(ctx context.Context, flushed pglogrepl.LSN) error
	Close(ctx context.Context) error
}

// Settings carries the tunables the engines need from configuration.
type Settings struct {
	// FetchLimit bounds a push run's page of changed rows.
	FetchLimit int
	// HighWater is the queue depth at which CDC capture pauses.
	HighWater int
	// Publication is the Postgres publication streamed by CDC.
	Publication string
	// DefaultSiteID hosts lists for definitions with no explicit target rows.
	DefaultSiteID string
	// RateLimitPerSec caps target writes per second across a run;
	// zero disables limiting. Per-definition limits override it.
	RateLimitPerSec float64
}

// Engine carries every port and is the receiver for all engine operations.
type Engine struct {
	defs    *defs.Cache
	repo    defs.Repository
	state   *state.Store
	queue   queue.Queue
	lists   ListsFactory
	sources SourceFactory
	repl    ReplicationFactory
	clock   Clock
	logger  *slog.Logger
	cfg     Settings

	sourceCache *sourceCache
	limiters    *limiterSet
}

// Deps bundles the constructor arguments for Engine.
type Deps struct {
	Defs        *defs.Cache
	Repo        defs.Repository
	State       *state.Store
	Queue       queue.Queue
	Lists       ListsFactory
	Sources     SourceFactory
	Replication ReplicationFactory
	Clock       Clock
	Logger      *slog.Logger
	Settings    Settings
}

// New wires an Engine from its dependencies.
func New(d Deps) *Engine {
	clock := d.Clock
	if clock == nil {
		clock = RealClock{}
	}

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		defs:    d.Defs,
		repo:    d.Repo,
		state:   d.State,
		queue:   d.Queue,
		lists:   d.Lists,
		sources: d.Sources,
		repl:    d.Replication,
		clock:   clock,
		logger:  logger,
		cfg:     d.Settings,
	}

	e.sourceCache = newSourceCache(d.Sources)
	e.limiters = newLimiterSet(clock, d.Settings.RateLimitPerSec)

	return e
}

// source returns the cached Source for an instance, opening it on first use.
func (e *Engine) source(ctx context.Context, inst *defs.Instance) (Source, error) {
	return e.sourceCache.get(ctx, inst)
}

// listsFor resolves the list client and site for one target binding.
func (e *Engine) listsFor(target *defs.Target) (Lists, string, error) {
	client, err := e.lists(target.ConnectionID)
	if err != nil {
		return nil, "", err
	}

	site := target.SiteID
	if site == "" {
		site = e.cfg.DefaultSiteID
	}

	return client, site, nil
}

// resolveTargets returns the active target bindings for a definition. A
// definition with no explicit rows gets a virtual default binding built
// from its default list and the configured site.
func (e *Engine) resolveTargets(ctx context.Context, def *defs.Definition) ([]defs.Target, error) {
	targets, err := e.defs.ListTargets(ctx, def.ID)
	if err != nil {
		return nil, err
	}

	// The cache hands out its own backing slice; filtering must not write
	// through it.
	active := make([]defs.Target, 0, len(targets))

	for _, t := range targets {
		if t.Active {
			active = append(active, t)
		}
	}

	if len(active) > 0 {
		return active, nil
	}

	if def.DefaultTargetListID == "" {
		return nil, nil
	}

	return []defs.Target{{
		SyncDefID: def.ID,
		ListID:    def.DefaultTargetListID,
		SiteID:    e.cfg.DefaultSiteID,
		IsDefault: true,
		Active:    true,
	}}, nil
}

// targetByList finds the binding for a list ID within the resolved set.
func targetByList(targets []defs.Target, listID string) (*defs.Target, bool) {
	for i := range targets {
		if targets[i].ListID == listID {
			return &targets[i], true
		}
	}

	return nil, false
}

type sourceCacheEntry struct {
	src Source
}

type sourceCache struct {
	factory SourceFactory

	mu    chan struct{} // 1-slot semaphore; avoids holding a mutex across dials
	cache map[uuid.UUID]sourceCacheEntry
}

func newSourceCache(factory SourceFactory) *sourceCache {
	c := &sourceCache{
		factory: factory,
		mu:      make(chan struct{}, 1),
		cache:   make(map[uuid.UUID]sourceCacheEntry),
	}
	c.mu <- struct{}{}

	return c
}

func (c *sourceCache) get(ctx context.Context, inst *defs.Instance) (Source, error) {
	select {
	case <-c.mu:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { c.mu <- struct{}{} }()

	if entry, ok := c.cache[inst.ID]; ok {
		return entry.src, nil
	}

	src, err := c.factory(ctx, inst)
	if err != nil {
		return nil, err
	}

	c.cache[inst.ID] = sourceCacheEntry{src: src}

	return src, nil
}
