package memory

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/c360/espflow/codec"
	"github.com/c360/espflow/errors"
	"github.com/c360/espflow/event"
	"github.com/c360/espflow/schema"
	"github.com/c360/espflow/stream"
)

// Loopback stands in for the engine: windows are registered with a schema,
// events published to a window are relayed to every subscriber of that window,
// each in the format it asked for. It is a Handler for Transport.
type Loopback struct {
	logger *slog.Logger

	mu      sync.RWMutex
	windows map[string]*loopWindow
}

type loopWindow struct {
	schema    *schema.Schema
	subs      map[*loopSub]struct{}
	published uint64
}

type loopSub struct {
	peer   stream.Channel
	format codec.Format
	path   string
}

// NewLoopback creates an engine stand-in with no windows.
func NewLoopback(logger *slog.Logger) *Loopback {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loopback{
		logger:  logger.With("component", "loopback"),
		windows: make(map[string]*loopWindow),
	}
}

// Register adds or replaces the schema of the window at path (project/query/window).
func (l *Loopback) Register(path string, s *schema.Schema) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok := l.windows[path]; ok {
		w.schema = s
		return
	}
	l.windows[path] = &loopWindow{schema: s, subs: make(map[*loopSub]struct{})}
}

// Subscribers returns how many subscribers a window has.
func (l *Loopback) Subscribers(path string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if w, ok := l.windows[path]; ok {
		return len(w.subs)
	}
	return 0
}

// Published returns how many events were published into a window.
func (l *Loopback) Published(path string) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if w, ok := l.windows[path]; ok {
		return w.published
	}
	return 0
}

// Serve implements Handler.
func (l *Loopback) Serve(ctx context.Context, ep stream.Endpoint, peer stream.Channel) {
	path := ep.Path()
	l.mu.RLock()
	w, ok := l.windows[path]
	var s *schema.Schema
	if ok {
		s = w.schema
	}
	l.mu.RUnlock()

	format, err := codec.ParseFormat(ep.Params["format"])
	if err != nil {
		format = codec.CSV
		if ep.Direction == stream.Subscribe {
			format = codec.XML
		}
	}

	if ep.Direction == stream.Subscribe {
		l.serveSubscriber(ctx, path, s, format, peer)
		return
	}
	if !ok {
		l.logger.Warn("Publish to unknown window", "window", path)
		return
	}
	l.servePublisher(ctx, path, s, format, ep.Params["dateformat"], peer)
}

func (l *Loopback) serveSubscriber(ctx context.Context, path string, s *schema.Schema, format codec.Format, peer stream.Channel) {
	if s == nil {
		_ = stream.WriteHandshake(ctx, peer, http.StatusNotFound, nil)
		return
	}

	sub := &loopSub{peer: peer, format: format, path: path}
	l.mu.Lock()
	l.windows[path].subs[sub] = struct{}{}
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.windows[path].subs, sub)
		l.mu.Unlock()
	}()

	if err := stream.WriteHandshake(ctx, peer, http.StatusOK, s); err != nil {
		l.logger.Debug("Handshake failed", "window", path, "error", err)
		return
	}

	// Subscribers never send; Receive returns once the client goes away.
	for {
		if _, err := peer.Receive(ctx); err != nil {
			return
		}
	}
}

func (l *Loopback) servePublisher(ctx context.Context, path string, s *schema.Schema, format codec.Format, dateFormat string, peer stream.Channel) {
	var opts []codec.Option
	if dateFormat != "" {
		opts = append(opts, codec.WithDateFormat(dateFormat))
	}
	for {
		msg, err := peer.Receive(ctx)
		if err != nil {
			return
		}
		events, err := codec.Decode(format, msg, s, opts...)
		if err != nil {
			l.logger.Warn("Dropped bad publish message", "window", path, "error", err)
			continue
		}
		if err := l.Inject(ctx, path, events); err != nil {
			l.logger.Warn("Relay failed", "window", path, "error", err)
		}
	}
}

// Inject delivers events to every current subscriber of the window at path as
// if they had been published into it.
func (l *Loopback) Inject(ctx context.Context, path string, events []event.Event) error {
	l.mu.Lock()
	w, ok := l.windows[path]
	if !ok {
		l.mu.Unlock()
		return errors.Invalidf("loopback", "Inject", "unknown window %q", path)
	}
	w.published += uint64(len(events))
	s := w.schema
	subs := make([]*loopSub, 0, len(w.subs))
	for sub := range w.subs {
		subs = append(subs, sub)
	}
	l.mu.Unlock()

	encoded := make(map[codec.Format][]byte)
	for _, sub := range subs {
		data, ok := encoded[sub.format]
		if !ok {
			var err error
			data, err = codec.Encode(sub.format, events, s, codec.WithWindow(path))
			if err != nil {
				return err
			}
			encoded[sub.format] = data
		}
		if err := sub.peer.Send(ctx, data); err != nil {
			l.logger.Debug("Subscriber gone", "window", path, "error", err)
		}
	}
	return nil
}
