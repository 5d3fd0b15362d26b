package table

import (
	"container/list"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/btree"

	"github.com/c360/espflow/errors"
	"github.com/c360/espflow/event"
	"github.com/c360/espflow/metric"
	"github.com/c360/espflow/pkg/buffer"
	"github.com/c360/espflow/schema"
)

// DuplicatePolicy decides what an insert does when its key is already present.
type DuplicatePolicy int

const (
	// Reject refuses the insert with ErrDuplicateKey.
	Reject DuplicatePolicy = iota
	// Upsert merges the insert into the existing row.
	Upsert
)

// String returns the policy name.
func (p DuplicatePolicy) String() string {
	if p == Upsert {
		return "upsert"
	}
	return "reject"
}

// ParseDuplicatePolicy accepts "reject" and "upsert". Empty means Reject.
func ParseDuplicatePolicy(s string) (DuplicatePolicy, error) {
	switch s {
	case "", "reject":
		return Reject, nil
	case "upsert":
		return Upsert, nil
	}
	return Reject, fmt.Errorf("unknown duplicate policy %q", s)
}

const btreeDegree = 16

// row is immutable once it is in the index; updates replace it.
type row struct {
	key    event.Key
	values event.Record
	seq    uint64 // arrival sequence
}

// Table is the writer side of a local cache. Apply, Clear and Reset must be
// called from one goroutine; every other method is safe from any goroutine.
type Table struct {
	schema *schema.Schema
	limit  int
	policy DuplicatePolicy

	rows    *btree.BTreeG[*row]
	arrival *list.List // of *row, oldest first
	elems   map[*row]*list.Element
	seq     uint64
	version uint64

	logSize  int
	log      *buffer.Ring[Change]
	logFloor atomic.Uint64 // changes at or below this version may be gone

	registry  *metric.MetricsRegistry
	component string

	snap atomic.Pointer[Snapshot]

	stats Stats
	mu    sync.Mutex // guards stats
}

// Option configures a Table.
type Option func(*Table) error

// WithLimit bounds the number of rows; 0 means unbounded.
func WithLimit(n int) Option {
	return func(t *Table) error {
		if n < 0 {
			return fmt.Errorf("limit must not be negative, got %d", n)
		}
		t.limit = n
		return nil
	}
}

// WithDuplicatePolicy sets how inserts on an existing key are handled.
func WithDuplicatePolicy(p DuplicatePolicy) Option {
	return func(t *Table) error {
		t.policy = p
		return nil
	}
}

// WithChangeLog keeps the last n changes for DeltaSince. 0 disables the log.
func WithChangeLog(n int) Option {
	return func(t *Table) error {
		if n < 0 {
			return fmt.Errorf("change log size must not be negative, got %d", n)
		}
		t.logSize = n
		return nil
	}
}

// WithMetrics exports the change log's counters under component.
func WithMetrics(registry *metric.MetricsRegistry, component string) Option {
	return func(t *Table) error {
		t.registry = registry
		t.component = component
		return nil
	}
}

// raiseFloor runs under the change log's lock, so a reader that sees the
// trimmed log also sees the raised floor.
func (t *Table) raiseFloor(c Change) {
	for {
		cur := t.logFloor.Load()
		if c.Version <= cur || t.logFloor.CompareAndSwap(cur, c.Version) {
			return
		}
	}
}

// DefaultChangeLog is the change-log size used when WithChangeLog is not given.
const DefaultChangeLog = 1024

// New creates an empty table for s.
func New(s *schema.Schema, opts ...Option) (*Table, error) {
	if s == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "table", "New", "schema is required")
	}

	t := &Table{
		schema:  s,
		arrival: list.New(),
		elems:   make(map[*row]*list.Element),
		logSize: DefaultChangeLog,
	}
	t.rows = btree.NewG(btreeDegree, func(a, b *row) bool {
		return event.CompareKeys(s, a.key, b.key) < 0
	})

	for _, opt := range opts {
		if err := opt(t); err != nil {
			return nil, errors.WrapInvalid(err, "table", "New", "apply option")
		}
	}
	if t.logSize > 0 {
		ring, err := buffer.NewRing[Change](t.logSize,
			buffer.WithDropCallback(t.raiseFloor),
			buffer.WithMetrics[Change](t.registry, t.component))
		if err != nil {
			return nil, errors.Wrap(err, "table", "New", "change log")
		}
		t.log = ring
	}

	t.publish()
	return t, nil
}

// Schema returns the table's schema.
func (t *Table) Schema() *schema.Schema { return t.schema }

// Limit returns the row limit, 0 when unbounded.
func (t *Table) Limit() int { return t.limit }

// Result describes what one Apply did.
type Result struct {
	Version uint64
	// Row is the row after the change, or the delete event's record. It is
	// shared with published snapshots and must not be modified.
	Row     event.Record
	Changed bool
	Evicted []event.Key
}

// Apply validates ev and applies it. A rejected event leaves the table untouched
// and returns an invalid-class error: ErrDuplicateKey for an insert on an
// existing key under Reject, ErrKeyNotFound for an update of a missing key, or a
// SchemaMismatchError for a malformed record. Deleting an absent key succeeds
// without a change.
func (t *Table) Apply(ev event.Event) (Result, error) {
	if err := event.Validate(t.schema, &ev, 0); err != nil {
		t.reject()
		return Result{}, err
	}

	key := ev.Key(t.schema)
	existing, found := t.rows.Get(&row{key: key})

	var res Result
	switch ev.Opcode {
	case event.Insert:
		if found {
			if t.policy == Reject {
				t.reject()
				return Result{}, errors.WrapInvalid(errors.ErrDuplicateKey, "table", "Apply",
					fmt.Sprintf("insert key %s", key))
			}
			res.Row = t.merge(existing, ev.Record, ChangeUpdated)
		} else {
			res.Row = t.insert(key, ev.Record)
		}
	case event.Update:
		if !found {
			t.reject()
			return Result{}, errors.WrapInvalid(errors.ErrKeyNotFound, "table", "Apply",
				fmt.Sprintf("update key %s", key))
		}
		res.Row = t.merge(existing, ev.Record, ChangeUpdated)
	case event.Upsert:
		if found {
			res.Row = t.merge(existing, ev.Record, ChangeUpdated)
		} else {
			res.Row = t.insert(key, ev.Record)
		}
	case event.Delete:
		res.Row = ev.Record
		if !found {
			t.count(func(s *Stats) { s.Applied++ })
			res.Version = t.version
			return res, nil
		}
		t.remove(existing, ChangeDeleted)
	}
	res.Changed = true
	res.Evicted = t.evict()

	t.count(func(s *Stats) {
		s.Applied++
		s.Evicted += uint64(len(res.Evicted))
	})
	t.publish()
	res.Version = t.version
	return res, nil
}

func (t *Table) insert(key event.Key, values event.Record) event.Record {
	t.version++
	t.seq++
	r := &row{key: key, values: values.Clone(), seq: t.seq}
	t.rows.ReplaceOrInsert(r)
	t.elems[r] = t.arrival.PushBack(r)
	t.record(Change{Version: t.version, Kind: ChangeInserted, Key: key, Row: r.values})
	return r.values
}

// merge replaces old with a new row carrying old's values overlaid by values.
// The merged row becomes the most recently arrived.
func (t *Table) merge(old *row, values event.Record, kind ChangeKind) event.Record {
	t.version++
	t.seq++
	merged := old.values.Clone()
	for k, v := range values {
		merged[k] = v
	}
	r := &row{key: old.key, values: merged, seq: t.seq}
	t.rows.ReplaceOrInsert(r)
	t.arrival.Remove(t.elems[old])
	delete(t.elems, old)
	t.elems[r] = t.arrival.PushBack(r)
	t.record(Change{Version: t.version, Kind: kind, Key: r.key, Row: merged})
	return merged
}

func (t *Table) remove(r *row, kind ChangeKind) {
	if kind == ChangeDeleted {
		t.version++
	}
	t.rows.Delete(r)
	t.arrival.Remove(t.elems[r])
	delete(t.elems, r)
	t.record(Change{Version: t.version, Kind: kind, Key: r.key})
}

// evict drops the oldest-arrived rows until the limit holds. Evictions share
// the version of the change that caused them.
func (t *Table) evict() []event.Key {
	if t.limit == 0 {
		return nil
	}
	var evicted []event.Key
	for t.rows.Len() > t.limit {
		oldest := t.arrival.Front().Value.(*row)
		t.remove(oldest, ChangeEvicted)
		evicted = append(evicted, oldest.key)
	}
	return evicted
}

func (t *Table) record(c Change) {
	if t.log != nil {
		t.log.Write(c)
	}
}

func (t *Table) reject() {
	t.count(func(s *Stats) { s.Rejected++ })
}

func (t *Table) count(fn func(*Stats)) {
	t.mu.Lock()
	fn(&t.stats)
	t.mu.Unlock()
}

func (t *Table) publish() {
	t.snap.Store(&Snapshot{
		Version: t.version,
		schema:  t.schema,
		tree:    t.rows.Clone(),
	})
}

// Clear removes every row. The version advances so deltas see the reset.
func (t *Table) Clear() {
	for t.arrival.Len() > 0 {
		t.remove(t.arrival.Front().Value.(*row), ChangeDeleted)
	}
	t.publish()
}

// Close releases the table's metrics. The table stays readable.
func (t *Table) Close() {
	if t.log != nil {
		t.log.Close()
	}
}

// Snapshot returns the latest published view. It never blocks.
func (t *Table) Snapshot() *Snapshot {
	return t.snap.Load()
}

// Version returns the version of the latest published view.
func (t *Table) Version() uint64 {
	return t.snap.Load().Version
}

// Len returns the row count of the latest published view.
func (t *Table) Len() int {
	return t.snap.Load().Len()
}

// Get looks a row up by key values in key-field order.
func (t *Table) Get(key ...any) (event.Record, bool) {
	return t.snap.Load().Get(key...)
}

// DeltaSince returns every change made after version, oldest first. It fails
// with ErrDeltaExpired when the change log no longer reaches back that far.
func (t *Table) DeltaSince(version uint64) ([]Change, error) {
	current := t.snap.Load().Version
	switch {
	case version > current:
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "table", "DeltaSince",
			fmt.Sprintf("version %d is ahead of current version %d", version, current))
	case version == current:
		return nil, nil
	case t.log == nil || version < t.logFloor.Load():
		return nil, errors.WrapInvalid(errors.ErrDeltaExpired, "table", "DeltaSince",
			fmt.Sprintf("version %d", version))
	}

	var out []Change
	for _, c := range t.log.Items() {
		if c.Version > version && c.Version <= current {
			out = append(out, c)
		}
	}
	// The writer may have dropped entries between the floor check and Items;
	// the floor is raised before a trimmed log can be read.
	if version < t.logFloor.Load() {
		return nil, errors.WrapInvalid(errors.ErrDeltaExpired, "table", "DeltaSince",
			fmt.Sprintf("version %d", version))
	}
	return out, nil
}

// Stats counts applied, rejected and evicted events.
type Stats struct {
	Applied  uint64
	Rejected uint64
	Evicted  uint64
}

// Stats returns a copy of the counters.
func (t *Table) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}
