package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/arcore-io/arcore/internal/defs"
	"github.com/arcore-io/arcore/internal/graph"
	"github.com/arcore-io/arcore/internal/queue"
	"github.com/arcore-io/arcore/internal/rowvalue"
	"github.com/arcore-io/arcore/internal/sourcedb"
	"github.com/arcore-io/arcore/internal/state"
)

var (
	testDefID     = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	testInstID    = uuid.MustParse("22222222-2222-2222-2222-222222222222")
	testStandbyID = uuid.MustParse("33333333-3333-3333-3333-333333333333")
	testTierDefID = uuid.MustParse("44444444-4444-4444-4444-444444444444")
)

// testSnapshot declares one two-way definition (products → L1) and one
// push-only sharded definition (orders → L-std / L-premium by total).
// %s is the conflict policy of the products definition.
const testSnapshot = `
[[instances]]
id = "22222222-2222-2222-2222-222222222222"
label = "pg-primary"
host = "db1.internal"
port = 5432
database = "app"
user = "arcore"
password = "secret"
role = "primary"
priority = 1
enabled = true

[[instances]]
id = "33333333-3333-3333-3333-333333333333"
label = "pg-standby"
host = "db2.internal"
port = 5432
database = "app"
user = "arcore"
password = "secret"
role = "replica"
priority = 2
enabled = true

[[definitions]]
id = "11111111-1111-1111-1111-111111111111"
name = "products"
source_schema = "public"
source_table = "products"
cursor_column = "updated_at"
default_target_list_id = "L1"
sync_mode = "two_way"
conflict_policy = "%s"
key_strategy = "primary_key"
target_strategy = "single"
cursor_strategy = "timestamp"
cdc_enabled = true

[[definitions.mappings]]
source_name = "name"
target_name = "Title"
direction = "bidirectional"

[[definitions.mappings]]
source_name = "sku"
target_name = "SKU"
is_key = true
direction = "bidirectional"

[[definitions.mappings]]
source_name = "internal_note"
target_name = "Note"
direction = "push_only"

[[definitions]]
id = "44444444-4444-4444-4444-444444444444"
name = "orders"
source_schema = "public"
source_table = "orders"
cursor_column = "updated_at"
default_target_list_id = "L-std"
sync_mode = "push_only"
key_strategy = "primary_key"
target_strategy = "conditional"
cursor_strategy = "timestamp"

[definitions.sharding_policy]
default_target_list_id = "L-std"

[[definitions.sharding_policy.rules]]
if = "total >= 100"
target_list_id = "L-premium"

[[definitions.mappings]]
source_name = "order_no"
target_name = "OrderNo"
is_key = true
direction = "push_only"

[[definitions.mappings]]
source_name = "total"
target_name = "Total"
direction = "push_only"

[[targets]]
sync_def_id = "11111111-1111-1111-1111-111111111111"
list_id = "L1"
site_id = "site-1"
is_default = true
active = true

[[sources]]
sync_def_id = "11111111-1111-1111-1111-111111111111"
instance_id = "22222222-2222-2222-2222-222222222222"
role = "primary"
priority = 1
enabled = true

[[sources]]
sync_def_id = "44444444-4444-4444-4444-444444444444"
instance_id = "22222222-2222-2222-2222-222222222222"
role = "primary"
priority = 1
enabled = true
`

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testClock advances only when asked, so runs are deterministic.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *testClock) Sleep(ctx context.Context, d time.Duration) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()

	return nil
}

// fakeLists is an in-memory Lists implementation with call counting and
// error injection.
type fakeLists struct {
	mu     sync.Mutex
	nextID int64
	items  map[string]map[int64]map[string]any

	changes    map[string][]graph.Change
	deltaToken string
	deltaErr   error

	createErr error
	updateErr error
	deleteErr error

	creates int
	updates int
	deletes int
}

func newFakeLists() *fakeLists {
	return &fakeLists{
		nextID:  41,
		items:   make(map[string]map[int64]map[string]any),
		changes: make(map[string][]graph.Change),
	}
}

func (f *fakeLists) list(listID string) map[int64]map[string]any {
	l, ok := f.items[listID]
	if !ok {
		l = make(map[int64]map[string]any)
		f.items[listID] = l
	}

	return l
}

func (f *fakeLists) CreateItem(_ context.Context, _, listID string, fields map[string]any) (*graph.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.creates++

	if f.createErr != nil {
		return nil, f.createErr
	}

	f.nextID++
	f.list(listID)[f.nextID] = fields

	return &graph.Item{ID: f.nextID, Fields: fields}, nil
}

func (f *fakeLists) UpdateItemFields(_ context.Context, _, listID string, itemID int64, fields map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.updates++

	if f.updateErr != nil {
		return f.updateErr
	}

	if _, ok := f.list(listID)[itemID]; !ok {
		return graph.ErrNotFound
	}

	f.list(listID)[itemID] = fields

	return nil
}

func (f *fakeLists) DeleteItem(_ context.Context, _, listID string, itemID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deletes++

	if f.deleteErr != nil {
		return f.deleteErr
	}

	if _, ok := f.list(listID)[itemID]; !ok {
		return graph.ErrNotFound
	}

	delete(f.list(listID), itemID)

	return nil
}

func (f *fakeLists) GetItem(_ context.Context, _, listID string, itemID int64) (*graph.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fields, ok := f.list(listID)[itemID]
	if !ok {
		return nil, graph.ErrNotFound
	}

	return &graph.Item{ID: itemID, Fields: fields}, nil
}

func (f *fakeLists) DeltaAll(_ context.Context, _, listID, token string) ([]graph.Change, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.deltaErr != nil {
		err := f.deltaErr
		f.deltaErr = nil

		return nil, "", err
	}

	changes := f.changes[listID]
	f.changes[listID] = nil

	newToken := f.deltaToken
	if newToken == "" {
		newToken = token
	}

	return changes, newToken, nil
}

// itemCount returns how many items a list holds.
func (f *fakeLists) itemCount(listID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.list(listID))
}

// fakeSource is an in-memory Source keyed by the definition's key columns.
type fakeSource struct {
	mu     sync.Mutex
	rows   []rowvalue.Row
	keySeq int

	updateErr error

	inserts int
	updates int
	deletes int
}

func (f *fakeSource) keyMatch(def *defs.Definition, row, key rowvalue.Row) bool {
	for _, col := range def.KeyColumns() {
		if row[col].Canonical() != key[col].Canonical() {
			return false
		}
	}

	return true
}

func (f *fakeSource) FetchChanged(_ context.Context, def *defs.Definition, since string, limit int) ([]rowvalue.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []rowvalue.Row

	for _, row := range f.rows {
		if since != "" && row[def.CursorColumnOrDefault()].Canonical() <= since {
			continue
		}

		out = append(out, row)

		if len(out) == limit {
			break
		}
	}

	return out, nil
}

func (f *fakeSource) FetchByKey(_ context.Context, def *defs.Definition, key rowvalue.Row) (rowvalue.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, row := range f.rows {
		if f.keyMatch(def, row, key) {
			return row, nil
		}
	}

	return nil, sourcedb.ErrNoRow
}

func (f *fakeSource) InsertRow(_ context.Context, def *defs.Definition, values rowvalue.Row) (rowvalue.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.inserts++

	row := make(rowvalue.Row, len(values))
	for col, v := range values {
		row[col] = v
	}

	// Key columns the caller left unset get generated values, the way a
	// column default would fill them in.
	for _, col := range def.KeyColumns() {
		if v, ok := row[col]; !ok || v.IsNull() {
			f.keySeq++
			row[col] = rowvalue.Text(fmt.Sprintf("GEN-%d", f.keySeq))
		}
	}

	f.rows = append(f.rows, row)

	return row, nil
}

func (f *fakeSource) UpdateByKey(_ context.Context, def *defs.Definition, key, values rowvalue.Row) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.updateErr != nil {
		return 0, f.updateErr
	}

	f.updates++

	for _, row := range f.rows {
		if f.keyMatch(def, row, key) {
			for col, v := range values {
				row[col] = v
			}

			return 1, nil
		}
	}

	return 0, nil
}

func (f *fakeSource) DeleteByKey(_ context.Context, def *defs.Definition, key rowvalue.Row) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deletes++

	for i, row := range f.rows {
		if f.keyMatch(def, row, key) {
			f.rows = append(f.rows[:i], f.rows[i+1:]...)

			return 1, nil
		}
	}

	return 0, nil
}

// testEnv bundles an engine wired to fakes over a real state store.
type testEnv struct {
	engine *Engine
	state  *state.Store
	queue  *queue.MemoryQueue
	lists  *fakeLists
	source *fakeSource
	clock  *testClock
	repo   *defs.FileRepository
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	return newTestEnvWithPolicy(t, "source_wins")
}

func newTestEnvWithPolicy(t *testing.T, conflictPolicy string) *testEnv {
	t.Helper()

	dir := t.TempDir()

	defsPath := filepath.Join(dir, "defs.toml")
	snapshot := fmt.Sprintf(testSnapshot, conflictPolicy)

	if err := os.WriteFile(defsPath, []byte(snapshot), 0o600); err != nil {
		t.Fatalf("writing snapshot: %v", err)
	}

	repo, err := defs.LoadFile(defsPath)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	store, err := state.Open(filepath.Join(dir, "state.db"), testLogger(t))
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}

	t.Cleanup(func() { store.Close() })

	lists := newFakeLists()
	source := &fakeSource{}
	clock := newTestClock()
	q := queue.NewMemoryQueue()

	e := New(Deps{
		Defs:    defs.NewCache(repo, time.Minute, testLogger(t)),
		Repo:    repo,
		State:   store,
		Queue:   q,
		Lists:   func(string) (Lists, error) { return lists, nil },
		Sources: func(context.Context, *defs.Instance) (Source, error) { return source, nil },
		Clock:   clock,
		Logger:  testLogger(t),
		Settings: Settings{
			FetchLimit:    100,
			HighWater:     10,
			Publication:   "arcore_cdc_pub",
			DefaultSiteID: "site-1",
		},
	})

	return &testEnv{
		engine: e,
		state:  store,
		queue:  q,
		lists:  lists,
		source: source,
		clock:  clock,
		repo:   repo,
	}
}

// productRow builds a source row for the products definition.
func productRow(sku, name, note string, updatedAt time.Time) rowvalue.Row {
	return rowvalue.Row{
		"sku":           rowvalue.Text(sku),
		"name":          rowvalue.Text(name),
		"internal_note": rowvalue.Text(note),
		"updated_at":    rowvalue.Timestamp(updatedAt),
	}
}

// orderRow builds a source row for the sharded orders definition.
func orderRow(orderNo string, total int64, updatedAt time.Time) rowvalue.Row {
	return rowvalue.Row{
		"order_no":   rowvalue.Text(orderNo),
		"total":      rowvalue.Integer(total),
		"updated_at": rowvalue.Timestamp(updatedAt),
	}
}
