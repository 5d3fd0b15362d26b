package dataflow

import (
	"context"

	"github.com/c360/espflow/errors"
	"github.com/c360/espflow/stream"
)

// Endpoint returns the streaming endpoint of the window.
func (w *Window) Endpoint(dir stream.Direction) (stream.Endpoint, error) {
	path := w.Path()
	if path == "" {
		return stream.Endpoint{}, errors.Invalidf("dataflow", "Endpoint",
			"window %q is not attached to a project", w.name)
	}
	return stream.ParseEndpoint(path, dir)
}

// Publisher opens a publisher injecting events into the window. The window's
// schema is used to validate records; the caller owns the publisher and must
// close it.
func (w *Window) Publisher(ctx context.Context, tr stream.Transport, opts ...stream.Option) (*stream.Publisher, error) {
	if w.schema == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "dataflow", "Publisher",
			"open publisher on window "+w.name+" without schema")
	}
	ep, err := w.Endpoint(stream.Publish)
	if err != nil {
		return nil, err
	}
	return stream.NewPublisher(ctx, tr, ep, w.schema, opts...)
}

// Subscribe opens a subscription on the window and keeps it as the window's
// cache. A window holds one subscription at a time: call Unsubscribe before
// subscribing again. When the window has a schema, the engine's schema must
// be compatible with it.
func (w *Window) Subscribe(ctx context.Context, tr stream.Transport, opts ...stream.Option) (*stream.Subscriber, error) {
	ep, err := w.Endpoint(stream.Subscribe)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sub != nil {
		return nil, errors.WrapInvalid(errors.ErrAlreadyStarted, "dataflow", "Subscribe",
			"subscribe to window "+w.name)
	}

	if w.schema != nil {
		opts = append([]stream.Option{stream.WithSchema(w.schema)}, opts...)
	}
	sub, err := stream.NewSubscriber(tr, ep, opts...)
	if err != nil {
		return nil, err
	}
	if err := sub.Subscribe(ctx); err != nil {
		return nil, err
	}
	w.sub = sub
	return sub, nil
}

// Subscription returns the window's current subscription, or nil.
func (w *Window) Subscription() *stream.Subscriber {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sub
}

// Unsubscribe ends the window's subscription and drops its cache. It is a
// no-op without a subscription.
func (w *Window) Unsubscribe() {
	w.mu.Lock()
	sub := w.sub
	w.sub = nil
	w.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
}
