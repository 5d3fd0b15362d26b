package websocket

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/c360/espflow/stream"
)

// Handler serves the engine side of one channel. memory.Loopback satisfies it.
type Handler interface {
	Serve(ctx context.Context, ep stream.Endpoint, peer stream.Channel)
}

// Server exposes a Handler at the engine's websocket URL layout.
type Server struct {
	handler  Handler
	root     string
	upgrader websocket.Upgrader
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ServerOption configures a Server
type ServerOption func(*Server)

// WithServerRoot sets the root path segment served.
func WithServerRoot(root string) ServerOption {
	return func(s *Server) { s.root = strings.Trim(root, "/") }
}

// WithServerLogger sets the logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithCheckOrigin replaces the upgrade origin check. The default accepts any
// origin.
func WithCheckOrigin(fn func(r *http.Request) bool) ServerOption {
	return func(s *Server) { s.upgrader.CheckOrigin = fn }
}

// NewServer creates a server dispatching upgraded connections to h.
func NewServer(h Handler, opts ...ServerOption) *Server {
	s := &Server{
		handler: h,
		root:    DefaultRoot,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "websocket-server")
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// ServeHTTP upgrades requests for /<root>/subscribers|publishers/p/q/w/ and
// runs the handler until it returns.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ep, ok := s.endpoint(r)
	if !ok {
		http.NotFound(w, r)
		return
	}
	if s.ctx.Err() != nil {
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client
		s.logger.Debug("Upgrade failed", "endpoint", ep.String(), "error", err)
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()
	conn := NewConn(ws, s.logger)
	defer conn.Close()

	s.logger.Debug("Channel accepted", "endpoint", ep.String(), "remote", conn.RemoteAddr())
	s.handler.Serve(s.ctx, ep, conn)
}

func (s *Server) endpoint(r *http.Request) (stream.Endpoint, bool) {
	path := strings.Trim(r.URL.Path, "/")
	if s.root != "" {
		if !strings.HasPrefix(path, s.root+"/") {
			return stream.Endpoint{}, false
		}
		path = strings.TrimPrefix(path, s.root+"/")
	}

	dir, rest, ok := strings.Cut(path, "/")
	if !ok {
		return stream.Endpoint{}, false
	}
	var direction stream.Direction
	switch dir {
	case subscribersPath:
		direction = stream.Subscribe
	case publishersPath:
		direction = stream.Publish
	default:
		return stream.Endpoint{}, false
	}

	ep, err := stream.ParseEndpoint(rest, direction)
	if err != nil {
		return stream.Endpoint{}, false
	}

	query := r.URL.Query()
	if len(query) > 0 {
		ep.Params = make(map[string]string, len(query))
		for k := range query {
			ep.Params[k] = query.Get(k)
		}
	}
	return ep, true
}

// Close cancels every running handler and waits for them to return.
func (s *Server) Close() error {
	s.cancel()
	s.wg.Wait()
	return nil
}
