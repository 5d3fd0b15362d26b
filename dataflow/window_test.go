package dataflow_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/espflow/dataflow"
	"github.com/c360/espflow/errors"
	"github.com/c360/espflow/event"
	"github.com/c360/espflow/schema"
	"github.com/c360/espflow/stream"
	"github.com/c360/espflow/transport/memory"
)

func TestQuery_AddWindowRejectsDuplicates(t *testing.T) {
	_, q := twoSources(t)
	err := q.AddWindow(dataflow.NewSource("src", tradeSchema))
	assert.ErrorIs(t, err, errors.ErrDuplicateKey)
	assert.Len(t, q.Windows(), 2)

	err = q.AddEdge("src", "nowhere", dataflow.RoleData)
	assert.ErrorIs(t, err, errors.ErrKeyNotFound)
	assert.Empty(t, q.Edges())

	p := q.Project()
	_, err = p.NewQuery("cq")
	assert.ErrorIs(t, err, errors.ErrDuplicateKey)
	assert.Len(t, p.Queries(), 1)
}

func TestQuery_RemoveWindowDropsEdges(t *testing.T) {
	_, q := twoSources(t)
	compute := dataflow.NewWindow("compute", dataflow.KindCompute)
	require.NoError(t, q.AddWindow(compute))
	require.NoError(t, q.AddEdge("src", "compute", ""))
	require.NoError(t, q.AddEdge("src2", "compute", ""))
	q.SetTrace("compute src")

	assert.True(t, q.RemoveWindow("compute"))
	assert.False(t, q.RemoveWindow("compute"))
	assert.Empty(t, q.Edges())
	assert.Equal(t, []string{"src"}, q.Trace())
	assert.Nil(t, compute.Query())
	assert.NotContains(t, q.WindowsByName(), "compute")
}

func TestQuery_MapsAreCopies(t *testing.T) {
	p, q := twoSources(t)
	byName := q.WindowsByName()
	delete(byName, "src")
	assert.NotNil(t, q.Window("src"))

	queries := p.QueriesByName()
	delete(queries, "cq")
	assert.NotNil(t, p.Query("cq"))

	calc := dataflow.NewCalculate("calc", "Summary")
	in := map[string]string{"input": "price"}
	require.NoError(t, calc.SetInputs(in))
	in["input"] = "changed"
	calc.Inputs()["input"] = "changed too"
	assert.Equal(t, "price", calc.Inputs()["input"])
}

func TestWindow_KindSetters(t *testing.T) {
	src := dataflow.NewSource("src", tradeSchema)
	assert.True(t, errors.IsInvalid(src.SetInputs(map[string]string{"a": "b"})))
	assert.True(t, errors.IsInvalid(src.SetAlgorithm("Summary")))
	assert.True(t, errors.IsInvalid(src.SetExpression("price > 1")))
	_, err := src.CreatePattern("p")
	assert.True(t, errors.IsInvalid(err))
	assert.True(t, errors.IsInvalid(src.SetAttr("name", "other")))

	train := dataflow.NewTrain("train", "KMEANS")
	require.NoError(t, train.SetAlgorithm("DBSCAN"))
	train.SetParameters(map[string]string{"nClusters": "3", "initSeed": "1"})
	train.SetParameters(map[string]string{"nClusters": "4"})
	assert.Equal(t, "DBSCAN", train.Algorithm())
	assert.Equal(t, map[string]string{"nClusters": "4", "initSeed": "1"}, train.Parameters())

	filter := dataflow.NewFilter("filter", "")
	require.NoError(t, filter.SetExpression("price > 10"))
	assert.Equal(t, "price > 10", filter.Expression())

	pattern := dataflow.NewPattern("pattern")
	_, err = pattern.CreatePattern("p1", dataflow.PatternInactive(), dataflow.PatternIndex("symbol"))
	require.NoError(t, err)
	_, err = pattern.CreatePattern("p1")
	assert.True(t, errors.IsInvalid(err))
	require.Len(t, pattern.Patterns(), 1)
	assert.False(t, pattern.Patterns()[0].Active())
	assert.Equal(t, "symbol", pattern.Patterns()[0].Index())

	assert.True(t, errors.IsInvalid(src.AddConnector(dataflow.Connector{Name: "noclass"})))
	require.NoError(t, src.AddConnector(dataflow.Connector{Class: "fs", Name: "in"}))
	assert.True(t, errors.IsInvalid(src.AddConnector(dataflow.Connector{Class: "kafka", Name: "in"})))
	assert.Len(t, src.Connectors(), 1)

	// setters never create edges
	_, q := twoSources(t)
	require.NoError(t, q.AddWindow(train))
	assert.Empty(t, q.Edges())
}

func TestWindow_Path(t *testing.T) {
	p, q := twoSources(t)
	assert.Equal(t, "p/cq/src", q.Window("src").Path())
	assert.Same(t, q.Window("src2"), p.Window("p/cq/src2"))
	assert.Same(t, q.Window("src2"), p.Window("cq/src2"))
	assert.Nil(t, p.Window("other/cq/src2"))

	detached := dataflow.NewSource("lonely", tradeSchema)
	assert.Empty(t, detached.Path())
	_, err := detached.Endpoint(stream.Subscribe)
	assert.True(t, errors.IsInvalid(err))
}

func newWindowEngine(t *testing.T) (*dataflow.Window, *memory.Transport) {
	t.Helper()
	s := schema.MustParse("id*:int64,x:double")
	p := dataflow.NewProject("p")
	q, err := p.NewQuery("cq")
	require.NoError(t, err)
	w := dataflow.NewSource("trades", s)
	require.NoError(t, q.AddWindow(w))

	lb := memory.NewLoopback(nil)
	lb.Register(w.Path(), s)
	tr := memory.NewTransport(lb)
	t.Cleanup(func() { _ = tr.Close() })
	return w, tr
}

func TestWindow_PublishAndSubscribe(t *testing.T) {
	w, tr := newWindowEngine(t)
	ctx := context.Background()

	sub, err := w.Subscribe(ctx, tr, stream.WithLimit(2))
	require.NoError(t, err)
	assert.Same(t, sub, w.Subscription())
	assert.Equal(t, stream.Active, sub.State())

	_, err = w.Subscribe(ctx, tr)
	assert.ErrorIs(t, err, errors.ErrAlreadyStarted)

	pub, err := w.Publisher(ctx, tr)
	require.NoError(t, err)
	require.NoError(t, pub.Publish(ctx, []event.Record{
		{"id": 1, "x": 1.0}, {"id": 2, "x": 2.0}, {"id": 3, "x": 3.0},
	}))
	require.NoError(t, pub.Close(ctx))

	require.Eventually(t, func() bool { return sub.Stats().Applied == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []event.Key{{int64(2)}, {int64(3)}}, sub.Snapshot().Keys())

	w.Unsubscribe()
	assert.Nil(t, w.Subscription())
	assert.Equal(t, stream.Unsubscribed, sub.State())
	assert.Zero(t, sub.Len())
	w.Unsubscribe()

	again, err := w.Subscribe(ctx, tr, stream.WithHorizon(stream.Count(1)))
	require.NoError(t, err)
	t.Cleanup(w.Unsubscribe)
	assert.NotSame(t, sub, again)
}

func TestWindow_SubscribeChecksSchema(t *testing.T) {
	w, tr := newWindowEngine(t)
	w.SetSchema(schema.MustParse("id*:int64,x:string"))

	_, err := w.Subscribe(context.Background(), tr)
	require.Error(t, err)
	assert.Nil(t, w.Subscription())
}

func TestWindow_PublisherNeedsSchema(t *testing.T) {
	_, tr := newWindowEngine(t)
	p := dataflow.NewProject("p")
	q, err := p.NewQuery("cq")
	require.NoError(t, err)
	w := dataflow.NewWindow("derived", dataflow.KindCompute)
	require.NoError(t, q.AddWindow(w))

	_, err = w.Publisher(context.Background(), tr)
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}
