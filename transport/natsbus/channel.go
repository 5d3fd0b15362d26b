package natsbus

import (
	"context"
	stderrors "errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	headerInbox  = "Esp-Inbox"
	headerClose  = "Esp-Close"
	headerStatus = "Esp-Status"
	paramPrefix  = "Esp-Param-"
	closeFlush   = time.Second
)

// channel is one end of a session: it reads its own inbox and writes to the
// peer's. The same type serves the client and the bridge side.
type channel struct {
	conn *nats.Conn
	peer string
	sub  *nats.Subscription

	sendMu     sync.Mutex
	closed     chan struct{}
	once       sync.Once
	peerClosed atomic.Bool
}

func newChannel(conn *nats.Conn, sub *nats.Subscription, peer string) *channel {
	return &channel{conn: conn, sub: sub, peer: peer, closed: make(chan struct{})}
}

func (c *channel) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Send publishes msg to the peer's inbox.
func (c *channel) Send(ctx context.Context, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.isClosed() || c.peerClosed.Load() {
		return io.ErrClosedPipe
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.conn.Publish(c.peer, msg)
}

// Receive returns the next message from the peer, io.EOF once either side
// closed the session.
func (c *channel) Receive(ctx context.Context) ([]byte, error) {
	if c.isClosed() || c.peerClosed.Load() {
		return nil, io.EOF
	}
	msg, err := c.sub.NextMsgWithContext(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if c.isClosed() || stderrors.Is(err, nats.ErrBadSubscription) || stderrors.Is(err, nats.ErrConnectionClosed) {
			return nil, io.EOF
		}
		return nil, err
	}
	if msg.Header.Get(headerClose) != "" {
		c.peerClosed.Store(true)
		return nil, io.EOF
	}
	return msg.Data, nil
}

// Close tells the peer the session is over and drops the inbox subscription.
func (c *channel) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		if !c.peerClosed.Load() {
			c.sendMu.Lock()
			bye := nats.NewMsg(c.peer)
			bye.Header.Set(headerClose, "1")
			_ = c.conn.PublishMsg(bye)
			_ = c.conn.FlushTimeout(closeFlush)
			c.sendMu.Unlock()
		}
		err = c.sub.Unsubscribe()
		if stderrors.Is(err, nats.ErrConnectionClosed) || stderrors.Is(err, nats.ErrBadSubscription) {
			err = nil
		}
	})
	return err
}
