package stream

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/c360/espflow/codec"
	"github.com/c360/espflow/errors"
	"github.com/c360/espflow/event"
	"github.com/c360/espflow/schema"
)

// PublisherState is the lifecycle state of a Publisher
type PublisherState int32

// Publisher states
const (
	PublisherOpen PublisherState = iota
	PublisherClosed
	PublisherFailed
)

func (s PublisherState) String() string {
	switch s {
	case PublisherOpen:
		return "open"
	case PublisherClosed:
		return "closed"
	case PublisherFailed:
		return "failed"
	}
	return fmt.Sprintf("publisher-state(%d)", int32(s))
}

// Publisher streams events into one window.
type Publisher struct {
	id       string
	endpoint Endpoint
	schema   *schema.Schema
	opts     options
	logger   *slog.Logger
	ch       Channel
	limiter  *rate.Limiter
	lastSend time.Time

	// mu guards closing against concurrent enqueues; Close takes the write lock
	// so no block can slip in behind the final flush.
	mu      sync.RWMutex
	closing bool
	queue   chan []event.Event
	flush   chan struct{}

	failed   chan struct{}
	failOnce sync.Once
	failErr  atomic.Pointer[errors.ChannelError]

	eg        *errgroup.Group
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
	state     atomic.Int32

	queued atomic.Int64
	events atomic.Uint64
	blocks atomic.Uint64
}

// PublisherStats is a point-in-time view of a publisher.
type PublisherStats struct {
	State  PublisherState
	Queued int64
	Events uint64
	Blocks uint64
}

// NewPublisher opens a publish channel for ep and starts the writer goroutine.
// Opening is bounded by the handshake timeout; ctx only scopes the open.
func NewPublisher(ctx context.Context, tr Transport, ep Endpoint, s *schema.Schema, opts ...Option) (*Publisher, error) {
	if s == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "publisher", "NewPublisher", "window schema is required")
	}
	if err := ep.Validate(); err != nil {
		return nil, err
	}

	o := defaultOptions(codec.CSV)
	if err := o.apply(opts); err != nil {
		return nil, err
	}

	p := &Publisher{
		id:     uuid.New().String(),
		schema: s,
		opts:   o,
		queue:  make(chan []event.Event, o.queueSize),
		flush:  make(chan struct{}),
		failed: make(chan struct{}),
	}
	p.endpoint = ep.with(Publish, p.params())
	p.logger = o.logger.With("component", "publisher", "window", ep.Path(), "publisher_id", p.id)
	if o.rate > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(o.rate), o.blockSize)
	}

	openCtx, cancel := context.WithTimeout(ctx, o.handshakeTimeout)
	defer cancel()
	ch, err := tr.Open(openCtx, p.endpoint)
	if err != nil {
		p.record("open")
		return nil, &errors.ChannelError{Endpoint: ep.Path(), Op: "open", Err: err}
	}
	p.ch = ch

	runCtx, runCancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = runCancel
	p.eg, runCtx = errgroup.WithContext(runCtx)
	p.eg.Go(func() error { return p.run(runCtx) })

	p.logger.Info("Publisher opened", "format", o.format, "block_size", o.blockSize,
		"rate", o.rate, "pace", o.pace)
	return p, nil
}

func (p *Publisher) params() map[string]string {
	params := map[string]string{
		"format":     string(p.opts.format),
		"blocksize":  strconv.Itoa(p.opts.blockSize),
		"rate":       strconv.FormatFloat(p.opts.rate, 'f', -1, 64),
		"pause":      strconv.FormatInt(p.opts.pace.Milliseconds(), 10),
		"dateformat": p.opts.dateFormat,
		"opcode":     p.opts.opcode.String(),
	}
	return params
}

// ID returns the publisher's unique id.
func (p *Publisher) ID() string { return p.id }

// Endpoint returns the endpoint the channel was opened on.
func (p *Publisher) Endpoint() Endpoint { return p.endpoint }

// State returns the current state.
func (p *Publisher) State() PublisherState {
	return PublisherState(p.state.Load())
}

// Err returns the channel error that failed the publisher, if any.
func (p *Publisher) Err() error {
	if e := p.failErr.Load(); e != nil {
		return e
	}
	return nil
}

// Stats returns counters for the publisher.
func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		State:  p.State(),
		Queued: p.queued.Load(),
		Events: p.events.Load(),
		Blocks: p.blocks.Load(),
	}
}

// Publish validates records against the schema, using the configured opcode,
// and queues them. The first bad record aborts the call before anything is
// queued, with a SchemaMismatchError giving its 1-based row.
func (p *Publisher) Publish(ctx context.Context, records []event.Record) error {
	events := make([]event.Event, len(records))
	for i, r := range records {
		ev := event.Event{Opcode: p.opts.opcode, Record: r}
		if err := event.Validate(p.schema, &ev, i+1); err != nil {
			return err
		}
		events[i] = ev
	}
	return p.enqueue(ctx, events)
}

// PublishEvents validates and queues events that carry their own opcodes.
func (p *Publisher) PublishEvents(ctx context.Context, events []event.Event) error {
	out := make([]event.Event, len(events))
	for i, ev := range events {
		if err := event.Validate(p.schema, &ev, i+1); err != nil {
			return err
		}
		out[i] = ev
	}
	return p.enqueue(ctx, out)
}

// PublishText decodes data in format f and queues the events. Decoding fails
// as a whole on the first bad row.
func (p *Publisher) PublishText(ctx context.Context, f codec.Format, data []byte) error {
	events, err := codec.Decode(f, data, p.schema, p.codecOptions()...)
	if err != nil {
		return err
	}
	return p.enqueue(ctx, events)
}

// PublishFrom reads events in format f from r and queues them one block at a
// time, so large sources are never held in memory at once. Each block is
// validated before it is queued; when a later block is bad, the blocks already
// queued are still sent. It returns the number of events queued.
func (p *Publisher) PublishFrom(ctx context.Context, f codec.Format, r io.Reader) (int, error) {
	src := newChunkReader(r, f, p.opts.blockSize)
	total := 0
	for {
		chunk, rows, err := src.next()
		if len(chunk) > 0 {
			events, derr := codec.Decode(f, chunk, p.schema, p.codecOptions()...)
			if derr != nil {
				var sme *errors.SchemaMismatchError
				if stderrors.As(derr, &sme) && sme.Row > 0 {
					sme.Row += src.offset - rows
				}
				return total, derr
			}
			if qerr := p.enqueue(ctx, events); qerr != nil {
				return total, qerr
			}
			total += len(events)
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, errors.Wrap(err, "publisher", "PublishFrom", "read source")
		}
	}
}

func (p *Publisher) codecOptions() []codec.Option {
	return []codec.Option{
		codec.WithOpcode(p.opts.opcode),
		codec.WithDateFormat(p.opts.dateFormat),
	}
}

func (p *Publisher) enqueue(ctx context.Context, events []event.Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if err := p.Err(); err != nil {
		return err
	}
	if p.closing {
		return errors.WrapInvalid(errors.ErrClosed, "publisher", "Publish", "enqueue events")
	}

	for start := 0; start < len(events); start += p.opts.blockSize {
		end := min(start+p.opts.blockSize, len(events))
		select {
		case p.queue <- events[start:end]:
			p.queued.Add(int64(end - start))
		case <-p.failed:
			return p.Err()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (p *Publisher) run(ctx context.Context) error {
	for {
		select {
		case b := <-p.queue:
			if err := p.send(ctx, b); err != nil {
				return err
			}
		case <-p.flush:
			for {
				select {
				case b := <-p.queue:
					if err := p.send(ctx, b); err != nil {
						return err
					}
				default:
					return nil
				}
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (p *Publisher) send(ctx context.Context, block []event.Event) error {
	p.queued.Add(-int64(len(block)))

	if p.limiter != nil {
		if err := p.limiter.WaitN(ctx, len(block)); err != nil {
			return p.abort(ctx, err)
		}
	}
	if p.opts.pace > 0 && !p.lastSend.IsZero() {
		if wait := time.Until(p.lastSend.Add(p.opts.pace)); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return p.abort(ctx, ctx.Err())
			}
		}
	}

	data, err := codec.Encode(p.opts.format, block, p.schema,
		codec.WithDateFormat(p.opts.dateFormat), codec.WithWindow(p.endpoint.Path()))
	if err != nil {
		return p.fail(err)
	}

	start := time.Now()
	if err := p.ch.Send(ctx, data); err != nil {
		return p.abort(ctx, err)
	}
	p.lastSend = time.Now()

	p.events.Add(uint64(len(block)))
	p.blocks.Add(1)
	if p.opts.metrics != nil {
		p.opts.metrics.RecordPublished(p.endpoint.Path(), len(block), time.Since(start))
	}
	p.logger.Debug("Published block", "events", len(block), "bytes", len(data))
	return nil
}

// abort separates a cancelled writer from a broken channel.
func (p *Publisher) abort(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return p.fail(err)
}

func (p *Publisher) fail(err error) error {
	ce := &errors.ChannelError{Endpoint: p.endpoint.Path(), Op: "send", Err: err}
	p.failOnce.Do(func() {
		p.failErr.Store(ce)
		p.state.Store(int32(PublisherFailed))
		close(p.failed)
		p.record("send")
		p.logger.Error("Publisher failed", "error", err, "dropped", p.queued.Load())
	})
	return ce
}

func (p *Publisher) record(op string) {
	if p.opts.metrics != nil {
		p.opts.metrics.RecordChannelError(op)
	}
}

// Close sends everything still queued, then closes the channel. If ctx ends
// first the remaining blocks are dropped. Close is idempotent and returns the
// same result every time; after a send failure it returns that ChannelError.
func (p *Publisher) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closing = true
		p.mu.Unlock()
		close(p.flush)

		done := make(chan error, 1)
		go func() { done <- p.eg.Wait() }()

		select {
		case <-done:
		case <-ctx.Done():
			p.cancel()
			<-done
			p.closeErr = errors.WrapTransient(ctx.Err(), "publisher", "Close", "flush queued events")
		}
		p.cancel()

		if err := p.ch.Close(); err != nil && p.closeErr == nil {
			p.closeErr = &errors.ChannelError{Endpoint: p.endpoint.Path(), Op: "close", Err: err}
		}
		if err := p.Err(); err != nil {
			p.closeErr = err
		} else {
			p.state.Store(int32(PublisherClosed))
		}
		p.logger.Info("Publisher closed", "events", p.events.Load(), "blocks", p.blocks.Load())
	})
	return p.closeErr
}
