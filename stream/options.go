package stream

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/espflow/codec"
	"github.com/c360/espflow/errors"
	"github.com/c360/espflow/event"
	"github.com/c360/espflow/metric"
	"github.com/c360/espflow/schema"
	"github.com/c360/espflow/table"
)

// Defaults shared by publishers and subscribers
const (
	DefaultHandshakeTimeout = 30 * time.Second
	DefaultQueueSize        = 256
	DefaultTickInterval     = 100 * time.Millisecond
	DefaultPageSize         = 50
	DefaultDateFormat       = "%Y%m%dT%H:%M:%S.%f"
)

// Subscription modes understood by the engine
const (
	ModeUpdating  = "updating"
	ModeStreaming = "streaming"
)

type options struct {
	schema           *schema.Schema
	format           codec.Format
	dateFormat       string
	queueSize        int
	handshakeTimeout time.Duration
	logger           *slog.Logger
	metrics          *metric.Metrics
	registry         *metric.MetricsRegistry

	// publisher
	blockSize int
	rate      float64
	pace      time.Duration
	opcode    event.Opcode

	// subscriber
	limit        int
	horizons     []Horizon
	horizonMode  HorizonMode
	policy       table.DuplicatePolicy
	changeLog    int
	tickInterval time.Duration
	mode         string
	pageSize     int
	filter       string
	interval     time.Duration
	onEvent      func(event.Event)
}

func defaultOptions(format codec.Format) options {
	return options{
		format:           format,
		dateFormat:       DefaultDateFormat,
		queueSize:        DefaultQueueSize,
		handshakeTimeout: DefaultHandshakeTimeout,
		blockSize:        1,
		opcode:           event.Insert,
		changeLog:        table.DefaultChangeLog,
		tickInterval:     DefaultTickInterval,
		mode:             ModeUpdating,
		pageSize:         DefaultPageSize,
	}
}

func (o *options) apply(opts []Option) error {
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(o); err != nil {
			return err
		}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return nil
}

// Option configures a Publisher or a Subscriber. Options that only make sense
// for one of them are ignored by the other.
type Option func(*options) error

func invalidOption(format string, args ...any) error {
	return errors.WrapInvalid(fmt.Errorf(format, args...), "stream", "Option", "validate option")
}

// WithSchema sets the window schema. A publisher needs one; a subscriber
// without one adopts the schema the engine sends, and one with a schema checks
// that the engine's is compatible.
func WithSchema(s *schema.Schema) Option {
	return func(o *options) error {
		o.schema = s
		return nil
	}
}

// WithFormat sets the wire encoding. Publishers default to CSV, subscribers to XML.
func WithFormat(f codec.Format) Option {
	return func(o *options) error {
		if _, err := codec.ParseFormat(string(f)); err != nil {
			return invalidOption("%v", err)
		}
		o.format = f
		return nil
	}
}

// WithDateFormat sets the strftime-style format for date and stamp text.
func WithDateFormat(format string) Option {
	return func(o *options) error {
		o.dateFormat = format
		return nil
	}
}

// WithQueueSize bounds the in-process queue between the caller (publisher) or
// the reader goroutine (subscriber) and the worker draining it.
func WithQueueSize(n int) Option {
	return func(o *options) error {
		if n <= 0 {
			return invalidOption("queue size must be positive, got %d", n)
		}
		o.queueSize = n
		return nil
	}
}

// WithHandshakeTimeout bounds opening the channel and reading the handshake.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) error {
		if d <= 0 {
			return invalidOption("handshake timeout must be positive, got %s", d)
		}
		o.handshakeTimeout = d
		return nil
	}
}

// WithLogger sets the logger; slog.Default() otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) error {
		o.logger = l
		return nil
	}
}

// WithMetrics records into the registry's core metrics. Subscribers also
// register their cache's change-log metrics there for each subscription.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(o *options) error {
		if registry != nil {
			o.metrics = registry.CoreMetrics()
			o.registry = registry
		}
		return nil
	}
}

// WithBlockSize sets how many events go into one published message.
func WithBlockSize(n int) Option {
	return func(o *options) error {
		if n <= 0 {
			return invalidOption("block size must be positive, got %d", n)
		}
		o.blockSize = n
		return nil
	}
}

// WithRate caps publishing at eventsPerSecond. Zero means unlimited.
func WithRate(eventsPerSecond float64) Option {
	return func(o *options) error {
		if eventsPerSecond < 0 {
			return invalidOption("rate must not be negative, got %v", eventsPerSecond)
		}
		o.rate = eventsPerSecond
		return nil
	}
}

// WithPace waits d between published messages.
func WithPace(d time.Duration) Option {
	return func(o *options) error {
		if d < 0 {
			return invalidOption("pace must not be negative, got %s", d)
		}
		o.pace = d
		return nil
	}
}

// WithOpcode sets the opcode for published records that carry none.
func WithOpcode(op event.Opcode) Option {
	return func(o *options) error {
		if op < event.Insert || op > event.Delete {
			return invalidOption("invalid opcode %d", op)
		}
		o.opcode = op
		return nil
	}
}

// WithLimit keeps at most n rows in the subscription cache. Zero is unbounded.
func WithLimit(n int) Option {
	return func(o *options) error {
		if n < 0 {
			return invalidOption("limit must not be negative, got %d", n)
		}
		o.limit = n
		return nil
	}
}

// WithHorizon adds stop conditions. Combined with WithHorizonMode.
func WithHorizon(h ...Horizon) Option {
	return func(o *options) error {
		for _, one := range h {
			if err := one.validate(); err != nil {
				return err
			}
		}
		o.horizons = append(o.horizons, h...)
		return nil
	}
}

// WithHorizonMode sets how several horizons combine; HorizonAny by default.
func WithHorizonMode(m HorizonMode) Option {
	return func(o *options) error {
		if m != HorizonAny && m != HorizonAll {
			return invalidOption("unknown horizon mode %d", m)
		}
		o.horizonMode = m
		return nil
	}
}

// WithDuplicatePolicy decides what an insert on an existing key does.
func WithDuplicatePolicy(p table.DuplicatePolicy) Option {
	return func(o *options) error {
		o.policy = p
		return nil
	}
}

// WithChangeLog sets how many changes DeltaSince can look back over. Zero disables it.
func WithChangeLog(n int) Option {
	return func(o *options) error {
		if n < 0 {
			return invalidOption("change log size must not be negative, got %d", n)
		}
		o.changeLog = n
		return nil
	}
}

// WithTickInterval sets how often time horizons are checked between events.
func WithTickInterval(d time.Duration) Option {
	return func(o *options) error {
		if d <= 0 {
			return invalidOption("tick interval must be positive, got %s", d)
		}
		o.tickInterval = d
		return nil
	}
}

// WithMode sets the engine subscription mode, ModeUpdating or ModeStreaming.
func WithMode(mode string) Option {
	return func(o *options) error {
		if mode != ModeUpdating && mode != ModeStreaming {
			return invalidOption("unknown subscription mode %q", mode)
		}
		o.mode = mode
		return nil
	}
}

// WithPageSize sets the engine's maximum events per message.
func WithPageSize(n int) Option {
	return func(o *options) error {
		if n <= 0 {
			return invalidOption("page size must be positive, got %d", n)
		}
		o.pageSize = n
		return nil
	}
}

// WithFilter passes an engine-side filter expression with the subscribe request.
func WithFilter(expr string) Option {
	return func(o *options) error {
		o.filter = expr
		return nil
	}
}

// WithInterval asks the engine to batch events for d between sends.
func WithInterval(d time.Duration) Option {
	return func(o *options) error {
		o.interval = d
		return nil
	}
}

// WithOnEvent calls fn from the apply loop after each applied event. fn must
// not block; it may call Stop or Unsubscribe.
func WithOnEvent(fn func(event.Event)) Option {
	return func(o *options) error {
		o.onEvent = fn
		return nil
	}
}
