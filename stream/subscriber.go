package stream

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/c360/espflow/codec"
	"github.com/c360/espflow/errors"
	"github.com/c360/espflow/event"
	"github.com/c360/espflow/schema"
	"github.com/c360/espflow/table"
)

// State is the lifecycle state of a Subscriber
type State int32

// Subscriber states
const (
	Unsubscribed State = iota
	Subscribing
	Active
	Stopped
)

func (s State) String() string {
	switch s {
	case Unsubscribed:
		return "unsubscribed"
	case Subscribing:
		return "subscribing"
	case Active:
		return "active"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// StopReason says why a subscription left Active
type StopReason int32

// Stop reasons
const (
	StopNone StopReason = iota
	StopHorizon
	StopCaller
	StopCanceled
	StopChannel
)

func (r StopReason) String() string {
	switch r {
	case StopNone:
		return "none"
	case StopHorizon:
		return "horizon"
	case StopCaller:
		return "caller"
	case StopCanceled:
		return "canceled"
	case StopChannel:
		return "channel"
	}
	return fmt.Sprintf("reason(%d)", int32(r))
}

// Subscriber keeps a local, bounded cache of one window's event stream.
//
// All methods are safe for concurrent use. The cache is written only by the
// subscription's apply loop; reads go through immutable snapshots.
type Subscriber struct {
	transport Transport
	endpoint  Endpoint
	opts      options
	logger    *slog.Logger

	lifecycleMu sync.Mutex
	state       atomic.Int32
	schema      atomic.Pointer[schema.Schema]
	table       atomic.Pointer[table.Table]
	sess        atomic.Pointer[session]
}

// session is one Subscribe..Stopped run.
type session struct {
	id      string
	ch      Channel
	table   *table.Table
	horizon *horizonSet
	cancel  context.CancelFunc
	eg      *errgroup.Group
	done    chan struct{}

	// applyMu is held while an event is applied and its horizons checked,
	// never while the OnEvent callback runs.
	applyMu sync.Mutex

	reason atomic.Int32
	err    error // set before done is closed

	received     atomic.Uint64
	applied      atomic.Uint64
	rejected     atomic.Uint64
	decodeErrors atomic.Uint64
}

func (s *session) stopWith(r StopReason) {
	s.reason.CompareAndSwap(int32(StopNone), int32(r))
}

// halt cancels the session and returns once no event is being applied. Every
// later apply sees the cancelled context and backs out.
func (s *session) halt(r StopReason) {
	s.stopWith(r)
	s.cancel()
	s.applyMu.Lock()
	defer s.applyMu.Unlock()
}

type inbound struct {
	data []byte
	err  error
}

// SubscriberStats is a point-in-time view of a subscriber.
type SubscriberStats struct {
	ID           string
	State        State
	Reason       StopReason
	Received     uint64
	Applied      uint64
	Rejected     uint64
	DecodeErrors uint64
	Evicted      uint64
	Rows         int
	Version      uint64
}

// NewSubscriber prepares a subscriber for ep. Nothing is opened until Subscribe.
func NewSubscriber(tr Transport, ep Endpoint, opts ...Option) (*Subscriber, error) {
	if tr == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "subscriber", "NewSubscriber", "transport is required")
	}
	if err := ep.Validate(); err != nil {
		return nil, err
	}

	o := defaultOptions(codec.XML)
	if err := o.apply(opts); err != nil {
		return nil, err
	}

	s := &Subscriber{transport: tr, opts: o}
	s.endpoint = ep.with(Subscribe, s.params())
	s.logger = o.logger.With("component", "subscriber", "window", ep.Path())

	if o.schema != nil {
		t, err := s.newTable(o.schema, "")
		if err != nil {
			return nil, err
		}
		s.schema.Store(o.schema)
		s.table.Store(t)
	}
	return s, nil
}

func (s *Subscriber) params() map[string]string {
	params := map[string]string{
		"format":   string(s.opts.format),
		"mode":     s.opts.mode,
		"pagesize": strconv.Itoa(s.opts.pageSize),
		"schema":   "true",
	}
	if s.opts.filter != "" {
		params["filter"] = s.opts.filter
	}
	if s.opts.interval > 0 {
		params["interval"] = strconv.FormatInt(s.opts.interval.Milliseconds(), 10)
	}
	return params
}

// newTable builds a cache for sch. Only session tables export metrics, under
// a component name unique to the session.
func (s *Subscriber) newTable(sch *schema.Schema, sessionID string) (*table.Table, error) {
	opts := []table.Option{
		table.WithLimit(s.opts.limit),
		table.WithDuplicatePolicy(s.opts.policy),
		table.WithChangeLog(s.opts.changeLog),
	}
	if sessionID != "" && s.opts.registry != nil {
		opts = append(opts, table.WithMetrics(s.opts.registry, tableComponent(s.endpoint.Path(), sessionID)))
	}
	return table.New(sch, opts...)
}

func tableComponent(path, sessionID string) string {
	if len(sessionID) > 8 {
		sessionID = sessionID[:8]
	}
	return "cache:" + path + ":" + sessionID
}

// releaseTable drops the table's metrics from the registry.
func (s *Subscriber) releaseTable(t *table.Table) {
	if t != nil {
		t.Close()
	}
}

// Endpoint returns the endpoint subscriptions are opened on.
func (s *Subscriber) Endpoint() Endpoint { return s.endpoint }

// State returns the current state.
func (s *Subscriber) State() State {
	return State(s.state.Load())
}

func (s *Subscriber) setState(st State) {
	s.state.Store(int32(st))
	if s.opts.metrics != nil {
		s.opts.metrics.RecordSubscriptionState(s.endpoint.Path(), int(st))
	}
}

// Schema returns the window schema, nil before the first handshake when none
// was configured.
func (s *Subscriber) Schema() *schema.Schema {
	return s.schema.Load()
}

// Subscribe opens the channel, reads the handshake and starts the apply loop.
// On failure the subscriber is back in Unsubscribed and the error is a
// ChannelError, a SchemaMismatchError or a HorizonExpressionError. The
// subscription runs until a horizon is met, Stop or Unsubscribe is called, the
// channel fails or ctx is done. A stopped subscriber must be unsubscribed
// before it can subscribe again.
func (s *Subscriber) Subscribe(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if st := s.State(); st != Unsubscribed {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "subscriber", "Subscribe",
			fmt.Sprintf("subscribe from state %s", st))
	}
	s.setState(Subscribing)

	sess, err := s.open(ctx)
	if err != nil {
		s.setState(Unsubscribed)
		var ce *errors.ChannelError
		if stderrors.As(err, &ce) && s.opts.metrics != nil {
			s.opts.metrics.RecordChannelError(ce.Op)
		}
		s.logger.Error("Subscribe failed", "error", err)
		return err
	}

	s.sess.Store(sess)
	s.table.Store(sess.table)
	s.schema.Store(sess.table.Schema())
	s.setState(Active)
	s.start(ctx, sess)

	s.logger.Info("Subscribed", "subscription_id", sess.id, "limit", s.opts.limit,
		"horizons", len(s.opts.horizons), "horizon_mode", s.opts.horizonMode)
	return nil
}

func (s *Subscriber) open(ctx context.Context) (*session, error) {
	hctx, cancel := context.WithTimeout(ctx, s.opts.handshakeTimeout)
	defer cancel()

	ch, err := s.transport.Open(hctx, s.endpoint)
	if err != nil {
		return nil, &errors.ChannelError{Endpoint: s.endpoint.Path(), Op: "open", Err: err}
	}

	sess, err := s.prepare(hctx, ch)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	return sess, nil
}

func (s *Subscriber) prepare(ctx context.Context, ch Channel) (*session, error) {
	remote, err := ReadHandshake(ctx, ch, s.endpoint)
	if err != nil {
		return nil, err
	}

	sch := s.opts.schema
	if sch == nil {
		sch = remote
	} else if err := sch.Compatible(remote); err != nil {
		return nil, &errors.SchemaMismatchError{Reason: "engine schema differs from the configured schema", Err: err}
	}

	hs, err := newHorizonSet(s.opts.horizons, s.opts.horizonMode, sch, schema.ParseOptions{DateFormat: s.opts.dateFormat})
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	t, err := s.newTable(sch, id)
	if err != nil {
		return nil, err
	}

	return &session{
		id:      id,
		ch:      ch,
		table:   t,
		horizon: hs,
		done:    make(chan struct{}),
	}, nil
}

func (s *Subscriber) start(ctx context.Context, sess *session) {
	runCtx, cancel := context.WithCancel(ctx)
	sess.cancel = cancel

	queue := make(chan inbound, s.opts.queueSize)
	var egCtx context.Context
	sess.eg, egCtx = errgroup.WithContext(runCtx)
	sess.eg.Go(func() error { return s.read(egCtx, sess, queue) })
	sess.eg.Go(func() error { return s.applyLoop(egCtx, sess, queue) })

	go s.finish(sess)
}

// read moves raw messages from the channel into the queue. A receive error is
// queued too, so the apply loop sees it after everything that came before it.
func (s *Subscriber) read(ctx context.Context, sess *session, queue chan<- inbound) error {
	for {
		data, err := sess.ch.Receive(ctx)
		if ctx.Err() != nil {
			return nil
		}
		msg := inbound{data: data, err: err}
		select {
		case queue <- msg:
		case <-ctx.Done():
			return nil
		}
		if err != nil {
			return nil
		}
	}
}

func (s *Subscriber) applyLoop(ctx context.Context, sess *session, queue <-chan inbound) error {
	now := time.Now()
	sess.horizon.begin(now)

	var tick <-chan time.Time
	if sess.horizon.timed {
		ticker := time.NewTicker(s.opts.tickInterval)
		defer ticker.Stop()
		tick = ticker.C
		if sess.horizon.tick(now) {
			s.horizonReached(sess)
			return nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-tick:
			if sess.horizon.tick(now) {
				s.horizonReached(sess)
				return nil
			}
		case msg := <-queue:
			if msg.err != nil {
				sess.stopWith(StopChannel)
				return &errors.ChannelError{Endpoint: s.endpoint.Path(), Op: "receive", Err: msg.err}
			}
			if s.handle(ctx, sess, msg.data) {
				return nil
			}
		}
	}
}

// handle decodes one message and applies its events in order. It reports
// whether the subscription must stop.
func (s *Subscriber) handle(ctx context.Context, sess *session, data []byte) bool {
	sess.received.Add(1)

	events, err := codec.Decode(s.opts.format, data, sess.table.Schema(), codec.WithDateFormat(s.opts.dateFormat))
	if err != nil {
		sess.decodeErrors.Add(1)
		if s.opts.metrics != nil {
			s.opts.metrics.RecordDecodeError(string(s.opts.format))
		}
		s.logger.Warn("Dropped undecodable message", "error", err, "bytes", len(data))
		return false
	}

	for _, ev := range events {
		applied, stop := s.apply(ctx, sess, ev)
		if applied && s.opts.onEvent != nil {
			s.opts.onEvent(ev)
		}
		if stop || ctx.Err() != nil {
			return true
		}
	}
	return false
}

// apply writes one event to the cache and checks the horizons, holding the
// session's apply lock.
func (s *Subscriber) apply(ctx context.Context, sess *session, ev event.Event) (applied, stop bool) {
	sess.applyMu.Lock()
	defer sess.applyMu.Unlock()

	if ctx.Err() != nil {
		return false, true
	}
	path := s.endpoint.Path()

	res, err := sess.table.Apply(ev)
	if err != nil {
		sess.rejected.Add(1)
		if s.opts.metrics != nil {
			s.opts.metrics.RecordRejected(path, rejectReason(err))
		}
		s.logger.Warn("Rejected event", "opcode", ev.Opcode, "error", err)
		return false, false
	}

	total := sess.applied.Add(1)
	if s.opts.metrics != nil {
		s.opts.metrics.RecordApplied(path, ev.Opcode.String())
		s.opts.metrics.RecordCacheRows(path, sess.table.Len())
	}
	if len(res.Evicted) > 0 {
		s.logger.Debug("Evicted rows", "count", len(res.Evicted), "version", res.Version)
	}

	if sess.horizon.applied(time.Now(), total, res.Row) {
		s.horizonReached(sess)
		return true, true
	}
	return true, false
}

func rejectReason(err error) string {
	switch {
	case stderrors.Is(err, errors.ErrDuplicateKey):
		return "duplicate_key"
	case stderrors.Is(err, errors.ErrKeyNotFound):
		return "key_not_found"
	}
	return "schema"
}

func (s *Subscriber) horizonReached(sess *session) {
	sess.stopWith(StopHorizon)
	s.logger.Info("Horizon reached", "subscription_id", sess.id,
		"horizons", sess.horizon.firedNames(), "applied", sess.applied.Load())
	sess.cancel()
}

// finish waits for the session's goroutines, releases the channel and moves
// the subscriber to its resting state.
func (s *Subscriber) finish(sess *session) {
	err := sess.eg.Wait()
	sess.cancel()

	if cerr := sess.ch.Close(); cerr != nil {
		s.logger.Debug("Channel close failed", "error", cerr)
	}
	sess.stopWith(StopCanceled)

	var ce *errors.ChannelError
	if stderrors.As(err, &ce) {
		sess.err = ce
		if s.opts.metrics != nil {
			s.opts.metrics.RecordChannelError(ce.Op)
		}
		s.logger.Error("Subscription failed", "subscription_id", sess.id, "error", ce)
	}

	// Stop and Unsubscribe move the state themselves; a newer session may
	// already be running.
	s.lifecycleMu.Lock()
	if s.sess.Load() == sess && s.State() == Active {
		s.setState(Stopped)
	}
	s.lifecycleMu.Unlock()

	s.logger.Info("Subscription stopped", "subscription_id", sess.id,
		"reason", StopReason(sess.reason.Load()), "applied", sess.applied.Load(),
		"rejected", sess.rejected.Load(), "rows", sess.table.Len())
	close(sess.done)
}

// Stop ends an active subscription and keeps the cache. When it returns no
// further event is applied and the state is Stopped; the channel is released
// in the background and Done is closed once it is. Stop may be called from
// the OnEvent callback. Stopping a subscriber that is not active does nothing.
func (s *Subscriber) Stop() {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	sess := s.sess.Load()
	if sess == nil || s.State() != Active {
		return
	}
	sess.halt(StopCaller)
	s.setState(Stopped)
}

// Unsubscribe stops the subscription if needed and clears the cache. It is
// idempotent, valid from every state and may be called from the OnEvent
// callback.
func (s *Subscriber) Unsubscribe() {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	sess := s.sess.Load()
	if sess == nil || s.State() == Unsubscribed {
		return
	}
	sess.halt(StopCaller)
	sess.table.Clear()
	s.releaseTable(sess.table)
	s.setState(Unsubscribed)
	s.logger.Info("Unsubscribed", "subscription_id", sess.id)
}

// Done is closed when the current subscription stops. Before the first
// Subscribe it is already closed.
func (s *Subscriber) Done() <-chan struct{} {
	if sess := s.sess.Load(); sess != nil {
		return sess.done
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// Err returns the ChannelError that ended the last subscription, if any.
func (s *Subscriber) Err() error {
	sess := s.sess.Load()
	if sess == nil {
		return nil
	}
	select {
	case <-sess.done:
		if sess.err != nil {
			return sess.err
		}
	default:
	}
	return nil
}

// Reason returns why the last subscription stopped.
func (s *Subscriber) Reason() StopReason {
	if sess := s.sess.Load(); sess != nil {
		return StopReason(sess.reason.Load())
	}
	return StopNone
}

// Wait blocks until the current subscription stops or ctx is done, and
// returns Err.
func (s *Subscriber) Wait(ctx context.Context) error {
	sess := s.sess.Load()
	if sess == nil {
		return errors.WrapInvalid(errors.ErrNotStarted, "subscriber", "Wait", "wait for subscription")
	}
	select {
	case <-sess.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns a consistent, immutable view of the cache, or nil when the
// schema is not known yet.
func (s *Subscriber) Snapshot() *table.Snapshot {
	if t := s.table.Load(); t != nil {
		return t.Snapshot()
	}
	return nil
}

// Len returns the number of cached rows.
func (s *Subscriber) Len() int {
	if t := s.table.Load(); t != nil {
		return t.Len()
	}
	return 0
}

// Version returns the cache version; every change increments it.
func (s *Subscriber) Version() uint64 {
	if t := s.table.Load(); t != nil {
		return t.Version()
	}
	return 0
}

// Get returns the cached row for a key tuple.
func (s *Subscriber) Get(key ...any) (event.Record, bool) {
	if t := s.table.Load(); t != nil {
		return t.Get(key...)
	}
	return nil, false
}

// DeltaSince returns the changes made after version. See table.Table.DeltaSince.
func (s *Subscriber) DeltaSince(version uint64) ([]table.Change, error) {
	t := s.table.Load()
	if t == nil {
		return nil, errors.WrapInvalid(errors.ErrNotStarted, "subscriber", "DeltaSince", "read changes")
	}
	return t.DeltaSince(version)
}

// Stats returns counters for the current or last subscription.
func (s *Subscriber) Stats() SubscriberStats {
	st := SubscriberStats{State: s.State()}
	if t := s.table.Load(); t != nil {
		st.Rows = t.Len()
		st.Version = t.Version()
		st.Evicted = t.Stats().Evicted
	}
	if sess := s.sess.Load(); sess != nil {
		st.ID = sess.id
		st.Reason = StopReason(sess.reason.Load())
		st.Received = sess.received.Load()
		st.Applied = sess.applied.Load()
		st.Rejected = sess.rejected.Load()
		st.DecodeErrors = sess.decodeErrors.Load()
	}
	return st
}
