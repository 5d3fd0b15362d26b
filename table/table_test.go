package table

import (
	stderrors "errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/espflow/errors"
	"github.com/c360/espflow/event"
	"github.com/c360/espflow/metric"
	"github.com/c360/espflow/schema"
)

var pointSchema = schema.MustParse("id*:int64,x:double")

func ev(op event.Opcode, id int64, x any) event.Event {
	r := event.Record{"id": id}
	if x != nil || op == event.Insert || op == event.Upsert {
		r["x"] = x
	}
	return event.Event{Opcode: op, Record: r}
}

func ids(s *Snapshot) []int64 {
	var out []int64
	for _, k := range s.Keys() {
		out = append(out, k[0].(int64))
	}
	return out
}

func TestTable_LimitKeepsMostRecent(t *testing.T) {
	tbl, err := New(pointSchema, WithLimit(2))
	require.NoError(t, err)

	for id := int64(1); id <= 3; id++ {
		_, err := tbl.Apply(ev(event.Insert, id, float64(id)))
		require.NoError(t, err)
	}

	assert.Equal(t, []int64{2, 3}, ids(tbl.Snapshot()))
	assert.Equal(t, 2, tbl.Len())
	assert.Equal(t, uint64(1), tbl.Stats().Evicted)
}

func TestTable_EvictionFollowsArrivalNotKey(t *testing.T) {
	tbl, err := New(pointSchema, WithLimit(2))
	require.NoError(t, err)

	for _, id := range []int64{30, 10, 20} {
		_, err := tbl.Apply(ev(event.Insert, id, 0.0))
		require.NoError(t, err)
	}
	assert.Equal(t, []int64{10, 20}, ids(tbl.Snapshot()))

	// An update refreshes the row's arrival position.
	_, err = tbl.Apply(ev(event.Update, 10, 1.0))
	require.NoError(t, err)
	res, err := tbl.Apply(ev(event.Insert, 40, 0.0))
	require.NoError(t, err)
	assert.Equal(t, []event.Key{{int64(20)}}, res.Evicted)
	assert.Equal(t, []int64{10, 40}, ids(tbl.Snapshot()))
}

func TestTable_LimitProperty(t *testing.T) {
	const limit = 5
	tbl, err := New(pointSchema, WithLimit(limit), WithDuplicatePolicy(Upsert))
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(42))
	var arrival []int64
	for i := 0; i < 500; i++ {
		id := int64(rng.Intn(20))
		op := event.Insert
		if rng.Intn(3) == 0 {
			op = event.Upsert
		}
		_, err := tbl.Apply(ev(op, id, float64(i)))
		require.NoError(t, err)

		for j, a := range arrival {
			if a == id {
				arrival = append(arrival[:j], arrival[j+1:]...)
				break
			}
		}
		arrival = append(arrival, id)
		if len(arrival) > limit {
			arrival = arrival[len(arrival)-limit:]
		}

		require.LessOrEqual(t, tbl.Len(), limit)
		for _, want := range arrival {
			_, ok := tbl.Get(want)
			require.True(t, ok, "step %d: id %d should be cached", i, want)
		}
	}
}

func TestTable_ApplySemantics(t *testing.T) {
	tbl, err := New(pointSchema)
	require.NoError(t, err)

	_, err = tbl.Apply(ev(event.Insert, 1, 1.5))
	require.NoError(t, err)

	_, err = tbl.Apply(ev(event.Insert, 1, 2.5))
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrDuplicateKey))
	assert.True(t, errors.IsInvalid(err))
	row, _ := tbl.Get(1)
	assert.Equal(t, 1.5, row["x"])

	_, err = tbl.Apply(ev(event.Update, 9, 1.0))
	assert.True(t, stderrors.Is(err, errors.ErrKeyNotFound))

	// Update merges: omitted fields keep their value.
	_, err = tbl.Apply(event.Event{Opcode: event.Update, Record: event.Record{"id": 1}})
	require.NoError(t, err)
	row, _ = tbl.Get(1)
	assert.Equal(t, 1.5, row["x"])

	res, err := tbl.Apply(ev(event.Upsert, 2, 7.0))
	require.NoError(t, err)
	assert.True(t, res.Changed)

	res, err = tbl.Apply(ev(event.Delete, 5, nil))
	require.NoError(t, err)
	assert.False(t, res.Changed, "deleting an absent key is not an error")

	_, err = tbl.Apply(ev(event.Delete, 1, nil))
	require.NoError(t, err)
	_, ok := tbl.Get(1)
	assert.False(t, ok)

	_, err = tbl.Apply(event.Event{Opcode: event.Insert, Record: event.Record{"id": 3}})
	var sme *errors.SchemaMismatchError
	require.True(t, stderrors.As(err, &sme))
	assert.Equal(t, "x", sme.Field)

	stats := tbl.Stats()
	assert.Equal(t, uint64(5), stats.Applied)
	assert.Equal(t, uint64(3), stats.Rejected)
}

func TestTable_DuplicateUpsertPolicy(t *testing.T) {
	tbl, err := New(pointSchema, WithDuplicatePolicy(Upsert))
	require.NoError(t, err)

	_, err = tbl.Apply(ev(event.Insert, 1, 1.0))
	require.NoError(t, err)
	_, err = tbl.Apply(ev(event.Insert, 1, 2.0))
	require.NoError(t, err)

	row, ok := tbl.Get(1)
	require.True(t, ok)
	assert.Equal(t, 2.0, row["x"])
	assert.Equal(t, 1, tbl.Len())
}

func TestTable_SnapshotIsImmutable(t *testing.T) {
	tbl, err := New(pointSchema)
	require.NoError(t, err)

	_, err = tbl.Apply(ev(event.Insert, 1, 1.0))
	require.NoError(t, err)
	before := tbl.Snapshot()

	_, err = tbl.Apply(ev(event.Update, 1, 2.0))
	require.NoError(t, err)
	_, err = tbl.Apply(ev(event.Insert, 2, 3.0))
	require.NoError(t, err)

	assert.Equal(t, 1, before.Len())
	row, _ := before.Get(1)
	assert.Equal(t, 1.0, row["x"])
	assert.Equal(t, uint64(1), before.Version)

	after := tbl.Snapshot()
	assert.Equal(t, uint64(3), after.Version)
	col, ok := after.Column("X")
	require.True(t, ok)
	assert.Equal(t, []any{2.0, 3.0}, col)

	// Mutating a returned row does not leak into the table.
	row["x"] = 99.0
	again, _ := before.Get(1)
	assert.Equal(t, 1.0, again["x"])
}

func TestTable_DeltaSince(t *testing.T) {
	tbl, err := New(pointSchema, WithLimit(2), WithChangeLog(8))
	require.NoError(t, err)

	for id := int64(1); id <= 3; id++ {
		_, err := tbl.Apply(ev(event.Insert, id, 0.0))
		require.NoError(t, err)
	}
	v := tbl.Version()
	require.Equal(t, uint64(3), v)

	changes, err := tbl.DeltaSince(2)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, ChangeInserted, changes[0].Kind)
	assert.Equal(t, event.Key{int64(3)}, changes[0].Key)
	assert.Equal(t, ChangeEvicted, changes[1].Kind)
	assert.Equal(t, event.Key{int64(1)}, changes[1].Key)
	assert.Equal(t, uint64(3), changes[1].Version)

	changes, err = tbl.DeltaSince(v)
	require.NoError(t, err)
	assert.Empty(t, changes)

	_, err = tbl.DeltaSince(v + 1)
	assert.True(t, errors.IsInvalid(err))
}

func TestTable_DeltaExpired(t *testing.T) {
	tbl, err := New(pointSchema, WithChangeLog(2))
	require.NoError(t, err)

	for id := int64(1); id <= 4; id++ {
		_, err := tbl.Apply(ev(event.Insert, id, 0.0))
		require.NoError(t, err)
	}

	_, err = tbl.DeltaSince(0)
	assert.True(t, stderrors.Is(err, errors.ErrDeltaExpired))
	_, err = tbl.DeltaSince(1)
	assert.True(t, stderrors.Is(err, errors.ErrDeltaExpired))

	changes, err := tbl.DeltaSince(2)
	require.NoError(t, err)
	assert.Len(t, changes, 2)

	noLog, err := New(pointSchema, WithChangeLog(0))
	require.NoError(t, err)
	_, err = noLog.Apply(ev(event.Insert, 1, 0.0))
	require.NoError(t, err)
	_, err = noLog.DeltaSince(0)
	assert.True(t, stderrors.Is(err, errors.ErrDeltaExpired))
}

func TestTable_DeltaSinceHasNoGaps(t *testing.T) {
	tbl, err := New(pointSchema, WithChangeLog(8))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for id := int64(1); id <= 5000; id++ {
			_, _ = tbl.Apply(ev(event.Insert, id, 0.0))
		}
	}()

	for {
		select {
		case <-done:
			return
		default:
		}
		v := tbl.Version()
		if v < 4 {
			continue
		}
		since := v - 4
		changes, err := tbl.DeltaSince(since)
		if stderrors.Is(err, errors.ErrDeltaExpired) {
			continue
		}
		require.NoError(t, err)
		require.NotEmpty(t, changes)
		for i, c := range changes {
			require.Equal(t, since+uint64(i)+1, c.Version, "delta since %d skips a version", since)
		}
	}
}

func TestTable_ChangeLogMetrics(t *testing.T) {
	reg := metric.NewMetricsRegistry()
	tbl, err := New(pointSchema, WithChangeLog(2), WithMetrics(reg, "cache:p/q/w"))
	require.NoError(t, err)

	for id := int64(1); id <= 3; id++ {
		_, err := tbl.Apply(ev(event.Insert, id, 0.0))
		require.NoError(t, err)
	}

	families, err := reg.PrometheusRegistry().Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, f := range families {
		for _, m := range f.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				values[f.GetName()] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				values[f.GetName()] = m.GetGauge().GetValue()
			}
		}
	}
	assert.Equal(t, 3.0, values["espflow_buffer_writes_total"])
	assert.Equal(t, 1.0, values["espflow_buffer_drops_total"])
	assert.Equal(t, 2.0, values["espflow_buffer_size"])

	_, err = New(pointSchema, WithMetrics(reg, "cache:p/q/w"))
	assert.Error(t, err, "component names are unique while registered")

	tbl.Close()
	other, err := New(pointSchema, WithMetrics(reg, "cache:p/q/w"))
	require.NoError(t, err)
	other.Close()
}

func TestTable_Clear(t *testing.T) {
	tbl, err := New(pointSchema)
	require.NoError(t, err)

	_, _ = tbl.Apply(ev(event.Insert, 1, 0.0))
	_, _ = tbl.Apply(ev(event.Insert, 2, 0.0))
	tbl.Clear()

	assert.Equal(t, 0, tbl.Len())
	changes, err := tbl.DeltaSince(2)
	require.NoError(t, err)
	assert.Len(t, changes, 2)
	assert.Equal(t, ChangeDeleted, changes[0].Kind)
}

func TestTable_ConcurrentReaders(t *testing.T) {
	tbl, err := New(pointSchema, WithLimit(50))
	require.NoError(t, err)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := tbl.Snapshot()
				rows := snap.Rows()
				assert.LessOrEqual(t, len(rows), 50)
				for i := 1; i < len(rows); i++ {
					assert.Less(t, rows[i-1].Key[0].(int64), rows[i].Key[0].(int64))
				}
				_, _ = tbl.DeltaSince(snap.Version)
			}
		}()
	}

	for id := int64(0); id < 2000; id++ {
		_, err := tbl.Apply(ev(event.Insert, id, float64(id)))
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()
	assert.Equal(t, 50, tbl.Len())
}

func TestNew_Errors(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
	_, err = New(pointSchema, WithLimit(-1))
	assert.Error(t, err)

	p, err := ParseDuplicatePolicy("upsert")
	require.NoError(t, err)
	assert.Equal(t, Upsert, p)
	_, err = ParseDuplicatePolicy("merge")
	assert.Error(t, err)
}
