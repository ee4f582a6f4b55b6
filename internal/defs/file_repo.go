package defs

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

// fileDocument is the TOML shape of a definitions snapshot exported by the
// control plane.
type fileDocument struct {
	Instances   []Instance    `toml:"instances"`
	Definitions []Definition  `toml:"definitions"`
	Targets     []Target      `toml:"targets"`
	Sources     []sourceEntry `toml:"sources"`
}

type sourceEntry struct {
	SyncDefID  uuid.UUID    `toml:"sync_def_id"`
	InstanceID uuid.UUID    `toml:"instance_id"`
	Role       InstanceRole `toml:"role"`
	Priority   int          `toml:"priority"`
	Enabled    bool         `toml:"enabled"`
}

// FileRepository implements Repository over a definitions snapshot file.
// The control plane owns the records; this loads a point-in-time export so
// the engine can run without the control-plane service. RebindSources
// mutates only the in-memory snapshot (failover state is operational, not
// part of the exported file).
type FileRepository struct {
	mu          sync.RWMutex
	instances   map[uuid.UUID]*Instance
	definitions map[uuid.UUID]*Definition
	targets     map[uuid.UUID][]Target
	sources     map[uuid.UUID][]sourceEntry
}

// LoadFile parses a TOML definitions snapshot.
func LoadFile(path string) (*FileRepository, error) {
	var doc fileDocument

	if _, err := toml.DecodeFile(path, &doc); err != nil {
		return nil, fmt.Errorf("defs: parsing definitions file %s: %w", path, err)
	}

	return newFileRepository(&doc)
}

func newFileRepository(doc *fileDocument) (*FileRepository, error) {
	r := &FileRepository{
		instances:   make(map[uuid.UUID]*Instance, len(doc.Instances)),
		definitions: make(map[uuid.UUID]*Definition, len(doc.Definitions)),
		targets:     make(map[uuid.UUID][]Target, len(doc.Targets)),
		sources:     make(map[uuid.UUID][]sourceEntry, len(doc.Sources)),
	}

	for i := range doc.Instances {
		inst := doc.Instances[i]
		r.instances[inst.ID] = &inst
	}

	for i := range doc.Definitions {
		def := doc.Definitions[i]
		if err := validateDefinition(&def); err != nil {
			return nil, err
		}

		r.definitions[def.ID] = &def
	}

	for _, t := range doc.Targets {
		r.targets[t.SyncDefID] = append(r.targets[t.SyncDefID], t)
	}

	for _, s := range doc.Sources {
		r.sources[s.SyncDefID] = append(r.sources[s.SyncDefID], s)
	}

	return r, nil
}

// validateDefinition enforces the mapping invariants: at least one key
// mapping, and unique names per side.
func validateDefinition(d *Definition) error {
	if len(d.Mappings) == 0 {
		return fmt.Errorf("defs: definition %s has no field mappings", d.Name)
	}

	if len(d.KeyColumns()) == 0 {
		return fmt.Errorf("defs: definition %s has no key mapping", d.Name)
	}

	seenSource := make(map[string]bool, len(d.Mappings))
	seenTarget := make(map[string]bool, len(d.Mappings))

	for _, m := range d.Mappings {
		if m.SourceName != "" && seenSource[m.SourceName] {
			return fmt.Errorf("defs: definition %s maps source column %q twice", d.Name, m.SourceName)
		}

		if m.TargetName != "" && seenTarget[m.TargetName] {
			return fmt.Errorf("defs: definition %s maps target column %q twice", d.Name, m.TargetName)
		}

		seenSource[m.SourceName] = true
		seenTarget[m.TargetName] = true
	}

	return nil
}

func (r *FileRepository) Get(_ context.Context, id uuid.UUID) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.definitions[id]
	if !ok {
		return nil, fmt.Errorf("defs: definition %s: %w", id, ErrNotFound)
	}

	return def, nil
}

// SourceBinding picks the enabled primary, falling back to the enabled
// source with the lowest priority number.
func (r *FileRepository) SourceBinding(_ context.Context, id uuid.UUID) (*SourceBinding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]sourceEntry, 0, len(r.sources[id]))

	for _, s := range r.sources[id] {
		if s.Enabled {
			if inst, ok := r.instances[s.InstanceID]; ok && inst.Enabled {
				entries = append(entries, s)
			}
		}
	}

	if len(entries) == 0 {
		return nil, fmt.Errorf("defs: source binding for %s: %w", id, ErrNotFound)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if (entries[i].Role == RolePrimary) != (entries[j].Role == RolePrimary) {
			return entries[i].Role == RolePrimary
		}

		return entries[i].Priority < entries[j].Priority
	})

	chosen := entries[0]

	return &SourceBinding{
		SyncDefID: id,
		Instance:  r.instances[chosen.InstanceID],
		Role:      chosen.Role,
	}, nil
}

func (r *FileRepository) ListTargets(_ context.Context, id uuid.UUID) ([]Target, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]Target(nil), r.targets[id]...), nil
}

func (r *FileRepository) ListMappings(_ context.Context, id uuid.UUID) ([]FieldMapping, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.definitions[id]
	if !ok {
		return nil, fmt.Errorf("defs: definition %s: %w", id, ErrNotFound)
	}

	return append([]FieldMapping(nil), def.Mappings...), nil
}

func (r *FileRepository) EnumerateCDC(_ context.Context) ([]CDCRoute, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var routes []CDCRoute

	for id, def := range r.definitions {
		if !def.CDCEnabled {
			continue
		}

		for _, s := range r.sources[id] {
			if !s.Enabled || s.Role != RolePrimary {
				continue
			}

			routes = append(routes, CDCRoute{
				InstanceID: s.InstanceID,
				Schema:     def.SchemaOrDefault(),
				Table:      def.SourceTable,
				Definition: def,
			})
		}
	}

	return routes, nil
}

func (r *FileRepository) Instance(_ context.Context, id uuid.UUID) (*Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inst, ok := r.instances[id]
	if !ok {
		return nil, fmt.Errorf("defs: instance %s: %w", id, ErrNotFound)
	}

	return inst, nil
}

func (r *FileRepository) RebindSources(_ context.Context, from, to uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.instances[to]; !ok {
		return 0, fmt.Errorf("defs: instance %s: %w", to, ErrNotFound)
	}

	rebound := 0

	for defID, entries := range r.sources {
		for i := range entries {
			if entries[i].InstanceID == from {
				entries[i].InstanceID = to
				rebound++
			}
		}

		r.sources[defID] = entries
	}

	return rebound, nil
}
