package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/redis/go-redis/v9"

	"github.com/arcore-io/arcore/internal/config"
	"github.com/arcore-io/arcore/internal/defs"
	"github.com/arcore-io/arcore/internal/engine"
	"github.com/arcore-io/arcore/internal/graph"
	"github.com/arcore-io/arcore/internal/queue"
	"github.com/arcore-io/arcore/internal/sourcedb"
	"github.com/arcore-io/arcore/internal/state"
)

// httpClientTimeout bounds every list API request. Prevents hung connections
// from blocking runs indefinitely.
const httpClientTimeout = 30 * time.Second

// app bundles the wired process dependencies shared by all subcommands.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	repo   *defs.FileRepository
	store  *state.Store
	engine *engine.Engine
	orch   *engine.Orchestrator

	cleanup []func()
}

// close releases resources in reverse wiring order.
func (a *app) close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
}

// buildApp wires the engine from the resolved configuration. The caller must
// call close() when done.
func buildApp(ctx context.Context) (*app, error) {
	cfg := resolvedCfg
	logger := buildLogger()

	a := &app{cfg: cfg, logger: logger}

	repo, err := defs.LoadFile(cfg.Definitions.Path)
	if err != nil {
		return nil, fmt.Errorf("loading definitions: %w", err)
	}

	a.repo = repo

	store, err := state.Open(cfg.State.DBPath, logger)
	if err != nil {
		return nil, err
	}

	a.store = store
	a.cleanup = append(a.cleanup, func() { store.Close() })

	q, err := a.buildQueue()
	if err != nil {
		a.close()

		return nil, err
	}

	lists, err := a.buildLists(ctx)
	if err != nil {
		a.close()

		return nil, err
	}

	a.engine = engine.New(engine.Deps{
		Defs:    defs.NewCache(repo, cfg.CacheTTL(), logger),
		Repo:    repo,
		State:   store,
		Queue:   q,
		Lists:   lists,
		Sources: func(ctx context.Context, inst *defs.Instance) (engine.Source, error) {
			return sourcedb.Connect(ctx, inst, logger)
		},
		Replication: func(ctx context.Context, inst *defs.Instance, publication string, startLSN pglogrepl.LSN) (engine.Replication, error) {
			return sourcedb.OpenReplication(ctx, inst, publication, startLSN, logger)
		},
		Logger: logger,
		Settings: engine.Settings{
			FetchLimit:      cfg.Source.FetchLimit,
			HighWater:       cfg.Queue.HighWater,
			Publication:     cfg.Source.Publication,
			DefaultSiteID:   cfg.Graph.SiteID,
			RateLimitPerSec: float64(cfg.Engine.RateLimitPerSec),
		},
	})
	a.orch = engine.NewOrchestrator(a.engine)

	return a, nil
}

// buildQueue selects the CDC queue backend.
func (a *app) buildQueue() (queue.Queue, error) {
	switch a.cfg.Queue.Backend {
	case "memory":
		return queue.NewMemoryQueue(), nil

	case "redis":
		client := redis.NewClient(&redis.Options{Addr: a.cfg.Queue.RedisAddr})
		a.cleanup = append(a.cleanup, func() { client.Close() })

		return queue.NewRedisQueue(client, a.cfg.Queue.Stream, a.cfg.Queue.Group, a.logger), nil

	default:
		return nil, fmt.Errorf("unknown queue backend %q", a.cfg.Queue.Backend)
	}
}

// buildLists wires the list API client behind the engine's factory port.
// A single app-only connection serves every target; per-target connection
// IDs select nothing yet.
func (a *app) buildLists(ctx context.Context) (engine.ListsFactory, error) {
	g := a.cfg.Graph

	if g.TenantID == "" || g.ClientID == "" {
		return nil, fmt.Errorf("graph tenant_id and client_id must be configured")
	}

	secret := a.cfg.ClientSecret()
	if secret == "" {
		return nil, fmt.Errorf("client secret not set (export %s)", g.ClientSecretEnv)
	}

	token := graph.NewClientCredentialsSource(ctx, g.TenantID, g.ClientID, secret, "", a.logger)
	client := graph.NewClient(g.BaseURL, &http.Client{Timeout: httpClientTimeout}, token, a.logger)

	return func(string) (engine.Lists, error) { return client, nil }, nil
}

// sourceDB opens a direct (non-replication) connection to one instance, used
// by the slot management commands.
func (a *app) sourceDB(ctx context.Context, instanceID string) (*sourcedb.DB, *defs.Instance, error) {
	id, err := parseUUID(instanceID)
	if err != nil {
		return nil, nil, fmt.Errorf("instance id: %w", err)
	}

	inst, err := a.repo.Instance(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	db, err := sourcedb.Connect(ctx, inst, a.logger)
	if err != nil {
		return nil, nil, err
	}

	return db, inst, nil
}
