package memory

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/espflow/event"
	"github.com/c360/espflow/schema"
	"github.com/c360/espflow/stream"
)

func TestPipe_OrderAndClose(t *testing.T) {
	ctx := context.Background()
	a, b := Pipe(4)

	for _, msg := range []string{"one", "two", "three"} {
		require.NoError(t, a.Send(ctx, []byte(msg)))
	}
	require.NoError(t, a.Close())

	for _, want := range []string{"one", "two", "three"} {
		got, err := b.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}
	_, err := b.Receive(ctx)
	assert.ErrorIs(t, err, io.EOF)
	assert.ErrorIs(t, b.Send(ctx, []byte("late")), io.ErrClosedPipe)
	assert.NoError(t, b.Close())
}

func TestPipe_ReceiveHonoursContext(t *testing.T) {
	_, b := Pipe(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := b.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPipe_SendCopiesMessage(t *testing.T) {
	ctx := context.Background()
	a, b := Pipe(1)
	msg := []byte("abc")
	require.NoError(t, a.Send(ctx, msg))
	msg[0] = 'x'

	got, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}

func TestTransport_HandlerLifecycle(t *testing.T) {
	served := make(chan stream.Endpoint, 1)
	tr := NewTransport(HandlerFunc(func(ctx context.Context, ep stream.Endpoint, peer stream.Channel) {
		served <- ep
		msg, err := peer.Receive(ctx)
		if err != nil {
			return
		}
		_ = peer.Send(ctx, append([]byte("echo:"), msg...))
	}))

	ep, err := stream.ParseEndpoint("p/q/w", stream.Publish)
	require.NoError(t, err)

	ch, err := tr.Open(context.Background(), ep)
	require.NoError(t, err)
	assert.Equal(t, "p/q/w", (<-served).Path())

	require.NoError(t, ch.Send(context.Background(), []byte("hi")))
	got, err := ch.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "echo:hi", string(got))

	require.NoError(t, tr.Close())
	assert.Equal(t, 0, tr.Conns())

	_, err = tr.Open(context.Background(), ep)
	assert.Error(t, err)
}

func TestLoopback_RelaysAcrossFormats(t *testing.T) {
	s := schema.MustParse("id*:int64,x:double")
	lb := NewLoopback(nil)
	lb.Register("p/q/w", s)
	tr := NewTransport(lb)
	defer tr.Close()

	ctx := context.Background()
	subEp := stream.Endpoint{Project: "p", Query: "q", Window: "w", Direction: stream.Subscribe,
		Params: map[string]string{"format": "json"}}
	sub, err := tr.Open(ctx, subEp)
	require.NoError(t, err)

	got, err := stream.ReadHandshake(ctx, sub, subEp)
	require.NoError(t, err)
	assert.True(t, s.Equal(got))

	pubEp := stream.Endpoint{Project: "p", Query: "q", Window: "w", Direction: stream.Publish,
		Params: map[string]string{"format": "csv"}}
	pub, err := tr.Open(ctx, pubEp)
	require.NoError(t, err)
	require.NoError(t, pub.Send(ctx, []byte("i,n,1,2.5\n")))

	msg, err := sub.Receive(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"events":[{"event":{"opcode":"insert","id":1,"x":2.5}}]}`, string(msg))

	assert.Eventually(t, func() bool { return lb.Published("p/q/w") == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, lb.Subscribers("p/q/w"))
}

func TestLoopback_UnknownWindow(t *testing.T) {
	tr := NewTransport(NewLoopback(nil))
	defer tr.Close()

	ep := stream.Endpoint{Project: "p", Query: "q", Window: "missing", Direction: stream.Subscribe}
	ch, err := tr.Open(context.Background(), ep)
	require.NoError(t, err)

	_, err = stream.ReadHandshake(context.Background(), ch, ep)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")

	ev, err := event.New(schema.MustParse("id*:int64"), event.Insert, event.Record{"id": 1})
	require.NoError(t, err)
	assert.Error(t, NewLoopback(nil).Inject(context.Background(), "p/q/missing", []event.Event{ev}))
}
