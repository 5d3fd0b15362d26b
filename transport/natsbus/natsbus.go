// Package natsbus carries stream channels over NATS.
//
// Opening a channel is a request on
//
//	<prefix>.open.<subscribe|publish>.<project>.<query>.<window>
//
// whose headers carry the endpoint params. The opener listens on a fresh inbox
// and names it in the request; the bridge answers with its own inbox. From then
// on each side publishes to the other's inbox, so messages keep their order
// and a session behaves like a websocket. A message with the Esp-Close header
// ends the session.
//
// Bridge serves sessions with any engine-side Handler, such as memory.Loopback.
package natsbus

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/espflow/errors"
	"github.com/c360/espflow/stream"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "esp"

// Transport opens sessions through a NATS connection it does not own.
type Transport struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

// Option configures a Transport
type Option func(*Transport)

// WithPrefix sets the subject prefix.
func WithPrefix(prefix string) Option {
	return func(t *Transport) {
		if prefix = strings.Trim(prefix, "."); prefix != "" {
			t.prefix = prefix
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

// NewTransport creates a transport on conn.
func NewTransport(conn *nats.Conn, opts ...Option) (*Transport, error) {
	if conn == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "natsbus", "NewTransport", "nil connection")
	}
	t := &Transport{conn: conn, prefix: DefaultPrefix, logger: slog.Default()}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "natsbus", "prefix", t.prefix)
	return t, nil
}

// OpenSubject returns the request subject for ep.
func OpenSubject(prefix string, ep stream.Endpoint) string {
	return strings.Join([]string{prefix, "open", ep.Direction.String(), ep.Project, ep.Query, ep.Window}, ".")
}

// parseOpenSubject reverses OpenSubject.
func parseOpenSubject(prefix, subject string) (stream.Endpoint, bool) {
	rest, ok := strings.CutPrefix(subject, prefix+".open.")
	if !ok {
		return stream.Endpoint{}, false
	}
	parts := strings.Split(rest, ".")
	if len(parts) != 4 {
		return stream.Endpoint{}, false
	}
	var dir stream.Direction
	switch parts[0] {
	case stream.Subscribe.String():
		dir = stream.Subscribe
	case stream.Publish.String():
		dir = stream.Publish
	default:
		return stream.Endpoint{}, false
	}
	ep := stream.Endpoint{Project: parts[1], Query: parts[2], Window: parts[3], Direction: dir}
	return ep, ep.Validate() == nil
}

func validToken(s string) bool {
	return s != "" && !strings.ContainsAny(s, ". *>\t\r\n")
}

// Open requests a session for ep. The request is bounded by ctx; without a
// deadline the connection's timeout applies.
func (t *Transport) Open(ctx context.Context, ep stream.Endpoint) (stream.Channel, error) {
	if err := ep.Validate(); err != nil {
		return nil, err
	}
	for _, s := range []string{ep.Project, ep.Query, ep.Window} {
		if !validToken(s) {
			return nil, errors.Invalidf("natsbus", "Open", "%q cannot be used in a NATS subject", s)
		}
	}

	inbox := t.conn.NewInbox()
	sub, err := t.conn.SubscribeSync(inbox)
	if err != nil {
		return nil, &errors.ChannelError{Endpoint: ep.Path(), Op: "open",
			Err: errors.WrapTransient(err, "natsbus", "Open", "subscribe inbox")}
	}

	req := nats.NewMsg(OpenSubject(t.prefix, ep))
	req.Header.Set(headerInbox, inbox)
	for k, v := range ep.Params {
		req.Header.Set(paramPrefix+k, v)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.conn.Opts.Timeout)
		defer cancel()
	}
	reply, err := t.conn.RequestMsgWithContext(ctx, req)
	if err != nil {
		_ = sub.Unsubscribe()
		if stderrors.Is(err, nats.ErrNoResponders) {
			return nil, &errors.ChannelError{Endpoint: ep.Path(), Op: "open",
				Err: errors.WrapTransient(err, "natsbus", "Open", "no bridge serves "+req.Subject)}
		}
		return nil, &errors.ChannelError{Endpoint: ep.Path(), Op: "open",
			Err: errors.WrapTransient(err, "natsbus", "Open", "request "+req.Subject)}
	}

	if status := reply.Header.Get(headerStatus); status != "" {
		_ = sub.Unsubscribe()
		code, _ := strconv.Atoi(status)
		return nil, &errors.ChannelError{Endpoint: ep.Path(), Op: "open",
			Err: fmt.Errorf("%w: bridge returned status %d %s", errors.ErrHandshakeFailed, code, http.StatusText(code))}
	}
	peer := reply.Header.Get(headerInbox)
	if peer == "" {
		_ = sub.Unsubscribe()
		return nil, &errors.ChannelError{Endpoint: ep.Path(), Op: "open",
			Err: fmt.Errorf("%w: reply without inbox", errors.ErrHandshakeFailed)}
	}

	t.logger.Debug("Session opened", "endpoint", ep.String())
	return newChannel(t.conn, sub, peer), nil
}

// Flush waits until the server has processed everything published so far.
func (t *Transport) Flush(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	if err := t.conn.FlushWithContext(ctx); err != nil {
		return errors.WrapTransient(err, "natsbus", "Flush", "flush connection")
	}
	return nil
}
