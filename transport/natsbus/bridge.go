package natsbus

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/c360/espflow/errors"
	"github.com/c360/espflow/stream"
)

// Handler serves the engine side of one session. memory.Loopback satisfies it.
type Handler interface {
	Serve(ctx context.Context, ep stream.Endpoint, peer stream.Channel)
}

// Bridge answers open requests and runs a Handler per session.
type Bridge struct {
	conn    *nats.Conn
	handler Handler
	prefix  string
	logger  *slog.Logger

	mu     sync.Mutex
	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// BridgeOption configures a Bridge
type BridgeOption func(*Bridge)

// WithBridgePrefix sets the subject prefix served.
func WithBridgePrefix(prefix string) BridgeOption {
	return func(b *Bridge) {
		if prefix = strings.Trim(prefix, "."); prefix != "" {
			b.prefix = prefix
		}
	}
}

// WithBridgeLogger sets the logger.
func WithBridgeLogger(l *slog.Logger) BridgeOption {
	return func(b *Bridge) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewBridge creates a bridge serving h on conn. Call Start to listen.
func NewBridge(conn *nats.Conn, h Handler, opts ...BridgeOption) *Bridge {
	b := &Bridge{conn: conn, handler: h, prefix: DefaultPrefix, logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "natsbus-bridge", "prefix", b.prefix)
	return b
}

// Start subscribes to open requests. Sessions end when ctx is done or Close
// is called.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "natsbus", "Start", "start bridge")
	}

	b.ctx, b.cancel = context.WithCancel(ctx)
	sub, err := b.conn.Subscribe(b.prefix+".open.>", b.accept)
	if err != nil {
		b.cancel()
		return errors.WrapTransient(err, "natsbus", "Start", "subscribe to open requests")
	}
	if err := b.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		b.cancel()
		return errors.WrapTransient(err, "natsbus", "Start", "flush subscription")
	}
	b.sub = sub
	b.logger.Info("Bridge listening", "subject", sub.Subject)
	return nil
}

func (b *Bridge) reject(req *nats.Msg, status int) {
	reply := nats.NewMsg(req.Reply)
	reply.Header.Set(headerStatus, strconv.Itoa(status))
	if err := req.RespondMsg(reply); err != nil {
		b.logger.Debug("Reject not delivered", "subject", req.Subject, "error", err)
	}
}

func (b *Bridge) accept(req *nats.Msg) {
	if req.Reply == "" {
		return
	}
	ep, ok := parseOpenSubject(b.prefix, req.Subject)
	peer := req.Header.Get(headerInbox)
	if !ok || peer == "" {
		b.reject(req, http.StatusBadRequest)
		return
	}
	if b.ctx.Err() != nil {
		b.reject(req, http.StatusServiceUnavailable)
		return
	}
	for k, vs := range req.Header {
		if name, ok := strings.CutPrefix(k, paramPrefix); ok && len(vs) > 0 {
			if ep.Params == nil {
				ep.Params = make(map[string]string)
			}
			ep.Params[name] = vs[0]
		}
	}

	inbox := b.conn.NewInbox()
	sub, err := b.conn.SubscribeSync(inbox)
	if err != nil {
		b.logger.Warn("Session inbox failed", "endpoint", ep.String(), "error", err)
		b.reject(req, http.StatusServiceUnavailable)
		return
	}
	ch := newChannel(b.conn, sub, peer)

	reply := nats.NewMsg(req.Reply)
	reply.Header.Set(headerInbox, inbox)
	if err := req.RespondMsg(reply); err != nil {
		_ = sub.Unsubscribe()
		b.logger.Debug("Open reply not delivered", "endpoint", ep.String(), "error", err)
		return
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer ch.Close()
		b.logger.Debug("Session accepted", "endpoint", ep.String())
		b.handler.Serve(b.ctx, ep, ch)
	}()
}

// Close stops accepting sessions, cancels running handlers and waits for them.
func (b *Bridge) Close() error {
	b.mu.Lock()
	sub := b.sub
	b.sub = nil
	cancel := b.cancel
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if sub != nil {
		if uerr := sub.Unsubscribe(); uerr != nil && b.conn.IsConnected() {
			err = errors.Wrap(uerr, "natsbus", "Close", "unsubscribe open requests")
		}
	}
	b.wg.Wait()
	return err
}
