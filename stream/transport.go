package stream

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/c360/espflow/errors"
)

// Direction says which way events flow on a channel
type Direction int

// Channel directions
const (
	Subscribe Direction = iota
	Publish
)

func (d Direction) String() string {
	if d == Publish {
		return "publish"
	}
	return "subscribe"
}

// Endpoint addresses one window on the engine.
type Endpoint struct {
	Project   string
	Query     string
	Window    string
	Direction Direction
	// Params are passed to the engine with the open request (format, mode,
	// pagesize, rate and so on). Transports decide how to carry them.
	Params map[string]string
}

// ParseEndpoint reads a "project/query/window" path.
func ParseEndpoint(path string, dir Direction) (Endpoint, error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 3 {
		return Endpoint{}, errors.Invalidf("stream", "ParseEndpoint",
			"window path %q is not project/query/window", path)
	}
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			return Endpoint{}, errors.Invalidf("stream", "ParseEndpoint",
				"window path %q has an empty segment", path)
		}
	}
	return Endpoint{Project: parts[0], Query: parts[1], Window: parts[2], Direction: dir}, nil
}

// Path returns "project/query/window".
func (e Endpoint) Path() string {
	return e.Project + "/" + e.Query + "/" + e.Window
}

// Encode returns the params as a query string with keys sorted.
func (e Endpoint) Encode() string {
	v := make(url.Values, len(e.Params))
	for k, p := range e.Params {
		v.Set(k, p)
	}
	return v.Encode()
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%s", e.Direction, e.Path())
}

// Validate checks that every path segment is set.
func (e Endpoint) Validate() error {
	if e.Project == "" || e.Query == "" || e.Window == "" {
		return errors.Invalidf("stream", "Endpoint.Validate", "incomplete endpoint %q", e.Path())
	}
	return nil
}

// with returns a copy of e with the direction set and params merged over it.
func (e Endpoint) with(dir Direction, params map[string]string) Endpoint {
	out := e
	out.Direction = dir
	out.Params = make(map[string]string, len(e.Params)+len(params))
	for k, v := range params {
		out.Params[k] = v
	}
	for k, v := range e.Params {
		out.Params[k] = v
	}
	return out
}

// Channel is one open, ordered, duplex message stream to a window.
//
// Send and Receive may be called concurrently with each other but neither may
// be called concurrently with itself. Receive returns the context's error when
// ctx ends first, and io.EOF when the remote side closed the stream. Close is
// idempotent and unblocks pending calls.
type Channel interface {
	Send(ctx context.Context, msg []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Transport opens channels. Open must return within ctx's deadline; it never
// retries on its own.
type Transport interface {
	Open(ctx context.Context, ep Endpoint) (Channel, error)
}
