// Package websocket implements stream.Transport over the engine's websocket
// endpoints. A window path p/q/w is reached at
//
//	ws(s)://host:port/<root>/subscribers/p/q/w/?<params>
//	ws(s)://host:port/<root>/publishers/p/q/w/?<params>
//
// where params are the endpoint parameters, sorted by key. Server serves the
// same layout for any engine stand-in such as memory.Loopback.
package websocket

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/espflow/errors"
	"github.com/c360/espflow/pkg/security"
	"github.com/c360/espflow/pkg/tlsutil"
	"github.com/c360/espflow/stream"
)

const (
	// DefaultRoot is the engine's HTTP root path.
	DefaultRoot = "SASESP"
	// DefaultHandshakeTimeout bounds the websocket upgrade.
	DefaultHandshakeTimeout = 45 * time.Second

	subscribersPath = "subscribers"
	publishersPath  = "publishers"
)

// Transport dials one websocket per opened channel.
type Transport struct {
	base         *url.URL
	root         string
	dialer       *websocket.Dialer
	header       http.Header
	writeTimeout time.Duration
	readLimit    int64
	logger       *slog.Logger
}

// Option configures a Transport
type Option func(*Transport) error

// WithRoot overrides the engine root path segment.
func WithRoot(root string) Option {
	return func(t *Transport) error {
		t.root = strings.Trim(root, "/")
		return nil
	}
}

// WithHandshakeTimeout bounds the websocket upgrade.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(t *Transport) error {
		if d <= 0 {
			return errors.Invalidf("websocket", "WithHandshakeTimeout", "timeout must be positive, got %s", d)
		}
		t.dialer.HandshakeTimeout = d
		return nil
	}
}

// WithTLS configures client TLS for wss URLs.
func WithTLS(cfg security.ClientTLSConfig) Option {
	return func(t *Transport) error {
		tlsConfig, err := tlsutil.LoadClientTLSConfig(cfg)
		if err != nil {
			return errors.WrapInvalid(err, "websocket", "WithTLS", "load client TLS config")
		}
		t.dialer.TLSClientConfig = tlsConfig
		return nil
	}
}

// WithHeader adds a header sent with every upgrade request.
func WithHeader(key, value string) Option {
	return func(t *Transport) error {
		t.header.Add(key, value)
		return nil
	}
}

// WithAuthorization sets the Authorization header, e.g. "Bearer <token>".
func WithAuthorization(value string) Option {
	return func(t *Transport) error {
		if value != "" {
			t.header.Set("Authorization", value)
		}
		return nil
	}
}

// WithWriteTimeout bounds sends whose context has no deadline.
func WithWriteTimeout(d time.Duration) Option {
	return func(t *Transport) error {
		if d > 0 {
			t.writeTimeout = d
		}
		return nil
	}
}

// WithReadLimit caps the size of a single inbound message.
func WithReadLimit(n int64) Option {
	return func(t *Transport) error {
		t.readLimit = n
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) error {
		if l != nil {
			t.logger = l
		}
		return nil
	}
}

// NewTransport creates a transport for the engine at baseURL. http and https
// URLs are mapped to ws and wss. A path in baseURL replaces DefaultRoot.
func NewTransport(baseURL string, opts ...Option) (*Transport, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.WrapInvalid(err, "websocket", "NewTransport", "parse base URL")
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, errors.Invalidf("websocket", "NewTransport", "unsupported URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.Invalidf("websocket", "NewTransport", "URL %q has no host", baseURL)
	}

	t := &Transport{
		base:         &url.URL{Scheme: u.Scheme, Host: u.Host, User: u.User},
		root:         DefaultRoot,
		dialer:       &websocket.Dialer{HandshakeTimeout: DefaultHandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		header:       make(http.Header),
		writeTimeout: DefaultWriteTimeout,
		logger:       slog.Default(),
	}
	if p := strings.Trim(u.Path, "/"); p != "" {
		t.root = p
	}
	for _, opt := range opts {
		if err := opt(t); err != nil {
			return nil, err
		}
	}
	t.logger = t.logger.With("component", "websocket-transport", "host", t.base.Host)
	return t, nil
}

// URL returns the websocket URL for ep.
func (t *Transport) URL(ep stream.Endpoint) string {
	dir := subscribersPath
	if ep.Direction == stream.Publish {
		dir = publishersPath
	}
	segments := []string{dir, url.PathEscape(ep.Project), url.PathEscape(ep.Query), url.PathEscape(ep.Window)}
	if t.root != "" {
		segments = append([]string{t.root}, segments...)
	}
	u := *t.base
	u.Path = ""
	s := u.String() + "/" + strings.Join(segments, "/") + "/"
	if q := ep.Encode(); q != "" {
		s += "?" + q
	}
	return s
}

// Open dials the engine for ep. The dial is bounded by ctx and the handshake
// timeout; a refused upgrade is reported with the HTTP status.
func (t *Transport) Open(ctx context.Context, ep stream.Endpoint) (stream.Channel, error) {
	if err := ep.Validate(); err != nil {
		return nil, err
	}
	target := t.URL(ep)
	ws, resp, err := t.dialer.DialContext(ctx, target, t.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w: HTTP %s", err, resp.Status)
			if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusBadRequest {
				return nil, &errors.ChannelError{Endpoint: ep.Path(), Op: "open",
					Err: errors.WrapInvalid(err, "websocket", "Open", "upgrade "+target)}
			}
		}
		return nil, &errors.ChannelError{Endpoint: ep.Path(), Op: "open",
			Err: errors.WrapTransient(err, "websocket", "Open", "dial "+target)}
	}
	if t.readLimit > 0 {
		ws.SetReadLimit(t.readLimit)
	}

	t.logger.Debug("Channel opened", "endpoint", ep.String())
	c := NewConn(ws, t.logger)
	c.writeTimeout = t.writeTimeout
	return c, nil
}
