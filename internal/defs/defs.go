// Package defs holds the read-mostly control-plane snapshot the engine
// consumes: sync definitions, field mappings, source bindings, and target
// bindings. The control plane that creates these records is out of scope;
// the engine sees them through the Repository port and a TTL cache.
package defs

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/arcore-io/arcore/internal/rowvalue"
	"github.com/arcore-io/arcore/internal/shard"
)

// ErrNotFound is returned when a definition, binding, or target is missing.
var ErrNotFound = errors.New("defs: not found")

// SyncMode controls which directions a definition replicates.
type SyncMode string

const (
	ModePushOnly SyncMode = "push_only"
	ModeTwoWay   SyncMode = "two_way"
)

// ConflictPolicy resolves concurrent source/target edits on ingress.
type ConflictPolicy string

const (
	ConflictSourceWins     ConflictPolicy = "source_wins"
	ConflictTargetWins     ConflictPolicy = "target_wins"
	ConflictLastWriterWins ConflictPolicy = "last_writer_wins"
)

// TargetStrategy selects between a single target list and conditional
// sharding across several.
type TargetStrategy string

const (
	TargetSingle      TargetStrategy = "single"
	TargetConditional TargetStrategy = "conditional"
)

// Direction controls which way a field mapping applies.
type Direction string

const (
	DirectionPushOnly      Direction = "push_only"
	DirectionPullOnly      Direction = "pull_only"
	DirectionBidirectional Direction = "bidirectional"
)

// CursorType tells the engine how to interpret a cursor value.
type CursorType string

const (
	CursorTimestamp  CursorType = "timestamp"
	CursorLSN        CursorType = "lsn"
	CursorDeltaToken CursorType = "delta_token"
)

// FieldMapping is the per-column contract between a source column and a
// target list column.
type FieldMapping struct {
	SourceName    string    `toml:"source_name"`
	TargetName    string    `toml:"target_name"`
	TargetType    string    `toml:"target_type"`
	IsKey         bool      `toml:"is_key"`
	IsReadonly    bool      `toml:"is_readonly"`
	IsSystem      bool      `toml:"is_system"`
	Direction     Direction `toml:"direction"`
	TransformRule string    `toml:"transform_rule"`
}

// Definition is a directed sync contract between one source table and one
// or more target lists.
type Definition struct {
	ID   uuid.UUID `toml:"id"`
	Name string    `toml:"name"`

	SourceSchema string `toml:"source_schema"`
	SourceTable  string `toml:"source_table"`
	CursorColumn string `toml:"cursor_column"`

	DefaultTargetListID string `toml:"default_target_list_id"`

	Mode           SyncMode             `toml:"sync_mode"`
	ConflictPolicy ConflictPolicy       `toml:"conflict_policy"`
	KeyStrategy    rowvalue.KeyStrategy `toml:"key_strategy"`
	TargetStrategy TargetStrategy       `toml:"target_strategy"`
	CursorType     CursorType           `toml:"cursor_strategy"`

	Sharding *shard.Policy `toml:"sharding_policy"`

	RateLimitPerSec float64 `toml:"rate_limit_per_sec"`
	Paused          bool    `toml:"paused"`
	CDCEnabled      bool    `toml:"cdc_enabled"`

	Mappings []FieldMapping `toml:"mappings"`
}

// KeyColumns returns the source names of all key mappings.
func (d *Definition) KeyColumns() []string {
	var cols []string

	for _, m := range d.Mappings {
		if m.IsKey && m.SourceName != "" {
			cols = append(cols, m.SourceName)
		}
	}

	return cols
}

// CursorColumnOrDefault returns the configured cursor column, defaulting to
// updated_at.
func (d *Definition) CursorColumnOrDefault() string {
	if d.CursorColumn != "" {
		return d.CursorColumn
	}

	return "updated_at"
}

// SchemaOrDefault returns the source schema, defaulting to public.
func (d *Definition) SchemaOrDefault() string {
	if d.SourceSchema != "" {
		return d.SourceSchema
	}

	return "public"
}

// InstanceRole distinguishes the primary source from replicas.
type InstanceRole string

const (
	RolePrimary InstanceRole = "primary"
	RoleReplica InstanceRole = "replica"
)

// Instance is a reachable source database server.
type Instance struct {
	ID       uuid.UUID `toml:"id"`
	Label    string    `toml:"label"`
	Host     string    `toml:"host"`
	Port     int       `toml:"port"`
	Database string    `toml:"database"`
	User     string    `toml:"user"`
	Password string    `toml:"password"`

	ReplicationSlotName string       `toml:"replication_slot_name"`
	Role                InstanceRole `toml:"role"`
	Priority            int          `toml:"priority"`
	Enabled             bool         `toml:"enabled"`
}

// SlotNameOrDefault returns the configured replication slot name, falling
// back to a name derived from the instance id.
func (i *Instance) SlotNameOrDefault() string {
	if i.ReplicationSlotName != "" {
		return i.ReplicationSlotName
	}

	return "arcore_cdc_" + replaceDashes(i.ID.String())
}

func replaceDashes(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '-' {
			out[i] = '_'
		} else {
			out[i] = s[i]
		}
	}

	return string(out)
}

// SourceBinding resolves a definition to the instance its runs should use.
type SourceBinding struct {
	SyncDefID uuid.UUID
	Instance  *Instance
	Role      InstanceRole
}

// Target binds a definition to one target list with its connection/site
// context. ListDeleted mirrors inventory status: a list recycled on the
// backend must not receive writes even if the definition still names it.
type Target struct {
	SyncDefID    uuid.UUID `toml:"sync_def_id"`
	ListID       string    `toml:"list_id"`
	ConnectionID string    `toml:"connection_id"`
	SiteID       string    `toml:"site_id"`
	IsDefault    bool      `toml:"is_default"`
	Active       bool      `toml:"active"`
	ListDeleted  bool      `toml:"list_deleted"`
}

// CDCRoute maps a replicated table on an instance to its definition.
type CDCRoute struct {
	InstanceID uuid.UUID
	Schema     string
	Table      string
	Definition *Definition
}

// Repository is the definition-repository port consumed by the engine.
// Implementations are read-mostly; RebindSources is the single mutation,
// used by failover promotion.
type Repository interface {
	// Get returns a definition by id, ErrNotFound if absent.
	Get(ctx context.Context, id uuid.UUID) (*Definition, error)

	// SourceBinding resolves the instance for a definition: the enabled
	// primary when present, otherwise the highest-priority enabled source.
	SourceBinding(ctx context.Context, id uuid.UUID) (*SourceBinding, error)

	// ListTargets returns all target bindings for a definition.
	ListTargets(ctx context.Context, id uuid.UUID) ([]Target, error)

	// ListMappings returns the field mappings for a definition.
	ListMappings(ctx context.Context, id uuid.UUID) ([]FieldMapping, error)

	// EnumerateCDC returns the routing table for all cdc-enabled
	// definitions.
	EnumerateCDC(ctx context.Context) ([]CDCRoute, error)

	// Instance returns a source instance by id.
	Instance(ctx context.Context, id uuid.UUID) (*Instance, error)

	// RebindSources moves every source binding from one instance to
	// another and returns the number rebound. Used by failover promotion.
	RebindSources(ctx context.Context, from, to uuid.UUID) (int, error)
}
