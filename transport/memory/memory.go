// Package memory provides an in-process stream.Transport. Each opened channel
// is one end of a buffered pipe whose other end is handed to a Handler playing
// the engine. Loopback is a small engine stand-in built on it.
package memory

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/c360/espflow/errors"
	"github.com/c360/espflow/stream"
)

// DefaultBuffer is the number of messages a pipe holds in each direction.
const DefaultBuffer = 64

// Handler serves the engine side of a channel. Serve runs on its own goroutine
// and should return when ctx is done or the peer is closed.
type Handler interface {
	Serve(ctx context.Context, ep stream.Endpoint, peer stream.Channel)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ep stream.Endpoint, peer stream.Channel)

// Serve calls f.
func (f HandlerFunc) Serve(ctx context.Context, ep stream.Endpoint, peer stream.Channel) {
	f(ctx, ep, peer)
}

// Transport opens pipes served by a Handler.
type Transport struct {
	handler Handler
	buffer  int
	logger  *slog.Logger

	mu     sync.Mutex
	conns  map[string]*Conn
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Transport
type Option func(*Transport)

// WithBuffer sets the per-direction pipe buffer.
func WithBuffer(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.buffer = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}

// NewTransport creates a transport whose channels are served by h.
func NewTransport(h Handler, opts ...Option) *Transport {
	t := &Transport{
		handler: h,
		buffer:  DefaultBuffer,
		logger:  slog.Default(),
		conns:   make(map[string]*Conn),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.logger = t.logger.With("component", "memory_transport")
	return t
}

// Open implements stream.Transport.
func (t *Transport) Open(ctx context.Context, ep stream.Endpoint) (stream.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errors.WrapInvalid(errors.ErrClosed, "memory", "Open", "open channel")
	}

	client, server := Pipe(t.buffer)
	id := uuid.New().String()
	client.id, server.id = id, id
	t.conns[id] = client

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer func() {
			t.mu.Lock()
			delete(t.conns, id)
			t.mu.Unlock()
		}()
		t.handler.Serve(t.ctx, ep, server)
		_ = server.Close()
	}()

	t.logger.Debug("Channel opened", "channel_id", id, "endpoint", ep.String())
	return client, nil
}

// Conns returns the number of channels whose handler is still running.
func (t *Transport) Conns() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// Close closes every channel and waits for the handlers to return.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	for _, c := range t.conns {
		_ = c.Close()
	}
	t.mu.Unlock()

	t.cancel()
	t.wg.Wait()
	return nil
}

// Conn is one end of a pipe.
type Conn struct {
	id     string
	in     chan []byte
	peer   *Conn
	closed chan struct{}
	once   *sync.Once
}

// Pipe returns two connected ends. Closing either end closes both; messages
// already buffered are still delivered before Receive reports io.EOF.
func Pipe(buffer int) (*Conn, *Conn) {
	closed := make(chan struct{})
	once := new(sync.Once)
	a := &Conn{in: make(chan []byte, buffer), closed: closed, once: once}
	b := &Conn{in: make(chan []byte, buffer), closed: closed, once: once}
	a.peer, b.peer = b, a
	return a, b
}

// ID returns the channel id assigned by the transport.
func (c *Conn) ID() string { return c.id }

// Send implements stream.Channel.
func (c *Conn) Send(ctx context.Context, msg []byte) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	data := append([]byte(nil), msg...)
	select {
	case c.peer.in <- data:
		return nil
	case <-c.closed:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive implements stream.Channel.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-c.in:
		return msg, nil
	case <-c.closed:
		select {
		case msg := <-c.in:
			return msg, nil
		default:
			return nil, io.EOF
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements stream.Channel.
func (c *Conn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}
