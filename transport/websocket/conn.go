package websocket

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// DefaultWriteTimeout bounds a send when the context has no deadline.
	DefaultWriteTimeout = 10 * time.Second
	closeGrace          = time.Second
	inboundBuffer       = 64
)

type frame struct {
	data []byte
	err  error
}

// Conn adapts a websocket connection to stream.Channel. A single reader
// goroutine owns the read side so Receive can honour its context. It is used
// on both ends: by Transport for dialed connections and by Server for
// upgraded ones.
type Conn struct {
	ws           *websocket.Conn
	logger       *slog.Logger
	writeTimeout time.Duration

	writeMu sync.Mutex
	inbound chan frame
	closed  chan struct{}
	once    sync.Once
	readerD chan struct{}
}

// NewConn wraps an established websocket connection and starts its reader.
func NewConn(ws *websocket.Conn, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Conn{
		ws:           ws,
		logger:       logger,
		writeTimeout: DefaultWriteTimeout,
		inbound:      make(chan frame, inboundBuffer),
		closed:       make(chan struct{}),
		readerD:      make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Conn) readLoop() {
	defer close(c.readerD)
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case c.inbound <- frame{err: translateReadError(err)}:
			case <-c.closed:
			}
			return
		}
		select {
		case c.inbound <- frame{data: msg}:
		case <-c.closed:
			return
		}
	}
}

func translateReadError(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return io.EOF
	}
	if stderrors.Is(err, io.ErrUnexpectedEOF) {
		return io.EOF
	}
	return err
}

// Send writes one text message. The write deadline comes from ctx, or
// DefaultWriteTimeout when ctx has none.
func (c *Conn) Send(ctx context.Context, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.writeTimeout)
	}
	_ = c.ws.SetWriteDeadline(deadline)
	return c.ws.WriteMessage(websocket.TextMessage, msg)
}

// Receive returns the next message, io.EOF once the peer closed the
// connection, or ctx's error when ctx ends first.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-c.closed:
		return nil, io.EOF
	default:
	}
	select {
	case f := <-c.inbound:
		if f.err != nil {
			// keep reporting the terminal error to later callers
			c.inbound <- f
			return nil, f.err
		}
		return f.data, nil
	case <-c.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close sends a close frame and releases the connection. It is idempotent.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if werr := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace)); werr != nil &&
			!stderrors.Is(werr, websocket.ErrCloseSent) {
			c.logger.Debug("Close frame not sent", "error", werr)
		}
		c.writeMu.Unlock()
		err = c.ws.Close()
		<-c.readerD
	})
	return err
}

// RemoteAddr returns the peer's network address.
func (c *Conn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}
