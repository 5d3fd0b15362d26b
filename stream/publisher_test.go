package stream_test

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/espflow/codec"
	"github.com/c360/espflow/errors"
	"github.com/c360/espflow/event"
	"github.com/c360/espflow/metric"
	"github.com/c360/espflow/stream"
	"github.com/c360/espflow/transport/memory"
)

// recorder plays an engine that stores every published message.
type recorder struct {
	mu       sync.Mutex
	msgs     []string
	at       []time.Time
	endpoint stream.Endpoint
	done     chan struct{}
}

func newRecorder() *recorder {
	return &recorder{done: make(chan struct{})}
}

func (r *recorder) Serve(ctx context.Context, ep stream.Endpoint, peer stream.Channel) {
	defer close(r.done)
	r.mu.Lock()
	r.endpoint = ep
	r.mu.Unlock()
	for {
		msg, err := peer.Receive(ctx)
		if err != nil {
			return
		}
		r.mu.Lock()
		r.msgs = append(r.msgs, string(msg))
		r.at = append(r.at, time.Now())
		r.mu.Unlock()
	}
}

func (r *recorder) messages(t *testing.T) []string {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatal("engine side never saw the channel close")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func newPublisher(t *testing.T, rec *recorder, opts ...stream.Option) *stream.Publisher {
	t.Helper()
	tr := memory.NewTransport(rec)
	t.Cleanup(func() { _ = tr.Close() })
	pub, err := stream.NewPublisher(context.Background(), tr, endpoint(t, stream.Publish), tradeSchema, opts...)
	require.NoError(t, err)
	return pub
}

func TestPublisher_BlocksInOrder(t *testing.T) {
	rec := newRecorder()
	pub := newPublisher(t, rec, stream.WithBlockSize(2))
	ctx := context.Background()

	require.NoError(t, pub.Publish(ctx, []event.Record{
		{"id": 1, "x": 1.0}, {"id": 2, "x": 2.0}, {"id": 3, "x": 3.0},
	}))
	require.NoError(t, pub.PublishEvents(ctx, []event.Event{
		{Opcode: event.Delete, Record: event.Record{"id": 1}},
	}))
	require.NoError(t, pub.PublishText(ctx, codec.JSON, []byte(`[{"id":5,"x":"5.5"}]`)))
	require.NoError(t, pub.Close(ctx))

	assert.Equal(t, []string{
		"i,n,1,1\ni,n,2,2\n",
		"i,n,3,3\n",
		"d,n,1,\n",
		"i,n,5,5.5\n",
	}, rec.messages(t))

	st := pub.Stats()
	assert.Equal(t, stream.PublisherClosed, st.State)
	assert.Equal(t, uint64(5), st.Events)
	assert.Equal(t, uint64(4), st.Blocks)
	assert.Zero(t, st.Queued)

	params := rec.endpoint.Params
	assert.Equal(t, "csv", params["format"])
	assert.Equal(t, "2", params["blocksize"])
	assert.Equal(t, "insert", params["opcode"])
}

func TestPublisher_BadRecordAbortsWholeCall(t *testing.T) {
	rec := newRecorder()
	pub := newPublisher(t, rec)
	ctx := context.Background()

	err := pub.Publish(ctx, []event.Record{
		{"id": 1, "x": 1.0},
		{"id": 2},
		{"id": 3, "x": 3.0},
	})
	require.Error(t, err)

	var sme *errors.SchemaMismatchError
	require.True(t, stderrors.As(err, &sme))
	assert.Equal(t, 2, sme.Row)
	assert.Equal(t, "x", sme.Field)

	err = pub.PublishText(ctx, codec.CSV, []byte("i,n,1,1\ni,n,2,abc\n"))
	require.True(t, stderrors.As(err, &sme))
	assert.Equal(t, 2, sme.Row)

	require.NoError(t, pub.Close(ctx))
	assert.Empty(t, rec.messages(t))
}

func TestPublisher_PublishFromKeepsQueuedBlocks(t *testing.T) {
	rec := newRecorder()
	pub := newPublisher(t, rec, stream.WithBlockSize(2))
	ctx := context.Background()

	src := strings.NewReader("i,n,1,1\ni,n,2,2\ni,n,3,3\ni,n,4,oops\ni,n,5,5\n")
	n, err := pub.PublishFrom(ctx, codec.CSV, src)
	require.Error(t, err)
	assert.Equal(t, 2, n)

	var sme *errors.SchemaMismatchError
	require.True(t, stderrors.As(err, &sme))
	assert.Equal(t, 4, sme.Row)

	require.NoError(t, pub.Close(ctx))
	assert.Equal(t, []string{"i,n,1,1\ni,n,2,2\n"}, rec.messages(t))
}

func TestPublisher_PublishFromSkipsBlankLines(t *testing.T) {
	rec := newRecorder()
	pub := newPublisher(t, rec, stream.WithBlockSize(10))

	n, err := pub.PublishFrom(context.Background(), codec.CSV, strings.NewReader("i,n,1,1\n\ni,n,2,2"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.NoError(t, pub.Close(context.Background()))
	assert.Len(t, rec.messages(t), 1)
}

func TestPublisher_Pace(t *testing.T) {
	rec := newRecorder()
	pub := newPublisher(t, rec, stream.WithPace(25*time.Millisecond))

	require.NoError(t, pub.Publish(context.Background(), []event.Record{
		{"id": 1, "x": 1.0}, {"id": 2, "x": 2.0}, {"id": 3, "x": 3.0},
	}))
	require.NoError(t, pub.Close(context.Background()))
	require.Len(t, rec.messages(t), 3)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.GreaterOrEqual(t, rec.at[2].Sub(rec.at[0]), 45*time.Millisecond)
}

func TestPublisher_RateLimit(t *testing.T) {
	rec := newRecorder()
	pub := newPublisher(t, rec, stream.WithRate(100))

	records := make([]event.Record, 5)
	for i := range records {
		records[i] = event.Record{"id": i, "x": 0.5}
	}
	start := time.Now()
	require.NoError(t, pub.Publish(context.Background(), records))
	require.NoError(t, pub.Close(context.Background()))

	assert.Len(t, rec.messages(t), 5)
	// burst of one, then 10ms per event
	assert.GreaterOrEqual(t, time.Since(start), 35*time.Millisecond)
}

func TestPublisher_CloseIsIdempotent(t *testing.T) {
	rec := newRecorder()
	pub := newPublisher(t, rec)
	ctx := context.Background()

	require.NoError(t, pub.Close(ctx))
	require.NoError(t, pub.Close(ctx))

	err := pub.Publish(ctx, []event.Record{{"id": 1, "x": 1.0}})
	assert.ErrorIs(t, err, errors.ErrClosed)
}

func TestPublisher_SendFailureIsTerminal(t *testing.T) {
	tr := memory.NewTransport(memory.HandlerFunc(func(context.Context, stream.Endpoint, stream.Channel) {}),
		memory.WithBuffer(1))
	t.Cleanup(func() { _ = tr.Close() })

	registry := metric.NewMetricsRegistry()
	pub, err := stream.NewPublisher(context.Background(), tr, endpoint(t, stream.Publish), tradeSchema,
		stream.WithMetrics(registry))
	require.NoError(t, err)

	_ = pub.Publish(context.Background(), []event.Record{
		{"id": 1, "x": 1.0}, {"id": 2, "x": 2.0}, {"id": 3, "x": 3.0},
	})
	require.Eventually(t, func() bool { return pub.State() == stream.PublisherFailed }, 2*time.Second, 5*time.Millisecond)

	var ce *errors.ChannelError
	require.True(t, stderrors.As(pub.Err(), &ce))
	assert.Equal(t, "send", ce.Op)

	err = pub.Publish(context.Background(), []event.Record{{"id": 4, "x": 4.0}})
	assert.True(t, stderrors.As(err, &ce))

	err = pub.Close(context.Background())
	assert.True(t, stderrors.As(err, &ce))
	assert.Equal(t, stream.PublisherFailed, pub.State())

	assert.Equal(t, 1.0, testutil.ToFloat64(registry.CoreMetrics().ChannelErrors.WithLabelValues("send")))
}

func TestPublisher_OpenFailure(t *testing.T) {
	tr := openFunc(func(context.Context, stream.Endpoint) (stream.Channel, error) {
		return nil, stderrors.New("no route to host")
	})
	_, err := stream.NewPublisher(context.Background(), tr, endpoint(t, stream.Publish), tradeSchema)

	var ce *errors.ChannelError
	require.True(t, stderrors.As(err, &ce))
	assert.Equal(t, "open", ce.Op)

	_, err = stream.NewPublisher(context.Background(), tr, endpoint(t, stream.Publish), nil)
	assert.True(t, errors.IsInvalid(err))
}
