package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/espflow/errors"
	"github.com/c360/espflow/metric"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Client errors
var (
	ErrNotConnected = stderrors.New("not connected to NATS")
	ErrCircuitOpen  = stderrors.New("circuit breaker is open")
)

// Client owns one NATS connection. Repeated connect failures open a circuit
// breaker that rejects further attempts until its backoff has elapsed.
type Client struct {
	url    string
	logger *slog.Logger

	mu   sync.RWMutex
	conn *nats.Conn
	js   jetstream.JetStream

	status          atomic.Value // ConnectionStatus
	failures        atomic.Int32
	circuitFailures atomic.Int32
	backoff         atomic.Int64 // time.Duration
	lastFailure     atomic.Value // time.Time

	circuitThreshold int32
	maxBackoff       time.Duration

	maxReconnects int
	reconnectWait time.Duration
	pingInterval  time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration

	username string
	password string
	token    string
	tlsOpt   nats.Option
	name     string

	metrics *metric.Metrics

	onDisconnect func(error)
	onReconnect  func()

	closeOnce sync.Once
	closed    atomic.Bool
}

// NewClient creates a client for url. Nothing is dialed until Connect.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:              url,
		logger:           slog.Default(),
		maxReconnects:    -1,
		reconnectWait:    2 * time.Second,
		pingInterval:     30 * time.Second,
		circuitThreshold: 5,
		maxBackoff:       time.Minute,
		timeout:          5 * time.Second,
		drainTimeout:     30 * time.Second,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "natsclient", "NewClient", "apply option")
		}
	}
	c.logger = c.logger.With("component", "natsclient", "url", redactURL(url))
	c.status.Store(StatusDisconnected)
	c.backoff.Store(int64(time.Second))
	c.lastFailure.Store(time.Time{})
	return c, nil
}

// URL returns the server URL
func (c *Client) URL() string { return c.url }

// Status returns the current connection status.
func (c *Client) Status() ConnectionStatus {
	if s, ok := c.status.Load().(ConnectionStatus); ok {
		return s
	}
	return StatusDisconnected
}

// IsHealthy reports whether the connection is up.
func (c *Client) IsHealthy() bool { return c.Status() == StatusConnected }

// Failures returns the failure count since the last success.
func (c *Client) Failures() int32 { return c.failures.Load() }

// Backoff returns the current circuit breaker backoff.
func (c *Client) Backoff() time.Duration { return time.Duration(c.backoff.Load()) }

// Conn returns the underlying connection, or nil before Connect.
func (c *Client) Conn() *nats.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

func (c *Client) setStatus(s ConnectionStatus) {
	c.status.Store(s)
	if c.metrics != nil {
		c.metrics.RecordNATSStatus(s == StatusConnected)
	}
}

func (c *Client) recordFailure() {
	total := c.failures.Add(1)
	c.lastFailure.Store(time.Now())
	round := c.circuitFailures.Add(1)
	if round < c.circuitThreshold {
		return
	}

	current := c.Backoff()
	next := min(current*2, c.maxBackoff)
	c.backoff.Store(int64(next))
	c.circuitFailures.Store(0)

	prev := c.Status()
	if prev == StatusCircuitOpen {
		c.logger.Warn("Circuit breaker still open", "backoff", next)
		return
	}
	if c.status.CompareAndSwap(prev, StatusCircuitOpen) {
		c.logger.Warn("Circuit breaker opened", "failures", total, "retry_after", current)
		time.AfterFunc(current, c.halfOpen)
	}
}

// halfOpen lets the next Connect try again.
func (c *Client) halfOpen() {
	c.status.CompareAndSwap(StatusCircuitOpen, StatusDisconnected)
}

func (c *Client) resetCircuit() {
	c.failures.Store(0)
	c.circuitFailures.Store(0)
	c.backoff.Store(int64(time.Second))
	c.lastFailure.Store(time.Time{})
	c.status.CompareAndSwap(StatusCircuitOpen, StatusDisconnected)
}

func (c *Client) connectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.PingInterval(c.pingInterval),
		nats.Timeout(c.timeout),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ReconnectHandler(c.handleReconnect),
		nats.ClosedHandler(c.handleClosed),
		nats.ErrorHandler(c.handleError),
	}
	if c.username != "" && c.password != "" {
		opts = append(opts, nats.UserInfo(c.username, c.password))
	}
	if c.token != "" {
		opts = append(opts, nats.Token(c.token))
	}
	if c.tlsOpt != nil {
		opts = append(opts, c.tlsOpt)
	}
	if c.name != "" {
		opts = append(opts, nats.Name(c.name))
	}
	return opts
}

// Connect dials the server. It fails fast with ErrCircuitOpen while the
// breaker is open.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return errors.WrapInvalid(errors.ErrClosed, "natsclient", "Connect", "connect closed client")
	}
	if c.Status() == StatusCircuitOpen {
		return ErrCircuitOpen
	}
	c.setStatus(StatusConnecting)
	c.logger.Info("Connecting to NATS")

	type result struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan result, 1)
	opts := c.connectionOptions()
	go func() {
		conn, err := nats.Connect(c.url, opts...)
		done <- result{conn, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		// the dial may still succeed; close it when it does
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		res.err = ctx.Err()
	}

	if res.err != nil {
		c.recordFailure()
		if c.Status() == StatusCircuitOpen {
			return ErrCircuitOpen
		}
		c.setStatus(StatusDisconnected)
		return errors.WrapTransient(res.err, "natsclient", "Connect", "establish connection")
	}

	js, err := jetstream.New(res.conn)
	if err != nil {
		c.logger.Warn("JetStream unavailable", "error", err)
	}
	c.mu.Lock()
	c.conn = res.conn
	c.js = js
	c.mu.Unlock()

	c.resetCircuit()
	c.setStatus(StatusConnected)
	c.logger.Info("Connected to NATS")
	return nil
}

// WaitForConnection polls until the client is connected or ctx ends.
func (c *Client) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if c.IsHealthy() {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.WrapTransient(ctx.Err(), "natsclient", "WaitForConnection", "wait for connection")
		case <-ticker.C:
		}
	}
}

// Close drains the connection, bounded by ctx and the drain timeout. It is
// idempotent.
func (c *Client) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.js = nil
		c.username, c.password, c.token = "", "", ""
		c.mu.Unlock()

		if conn == nil {
			c.setStatus(StatusDisconnected)
			return
		}

		drained := make(chan error, 1)
		go func() { drained <- conn.Drain() }()
		timer := time.NewTimer(c.drainTimeout)
		defer timer.Stop()

		select {
		case derr := <-drained:
			if derr != nil {
				err = errors.Wrap(derr, "natsclient", "Close", "drain connection")
			}
		case <-timer.C:
			err = errors.WrapTransient(fmt.Errorf("drain timeout after %s", c.drainTimeout),
				"natsclient", "Close", "drain connection")
		case <-ctx.Done():
			err = errors.Wrap(ctx.Err(), "natsclient", "Close", "drain connection")
		}
		conn.Close()
		c.setStatus(StatusDisconnected)
	})
	return err
}

// RTT returns the round-trip time to the server.
func (c *Client) RTT() (time.Duration, error) {
	conn := c.Conn()
	if conn == nil || !conn.IsConnected() {
		return 0, ErrNotConnected
	}
	return conn.RTT()
}

// JetStream returns the JetStream context.
func (c *Client) JetStream() (jetstream.JetStream, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.js == nil {
		return nil, errors.WrapTransient(ErrNotConnected, "natsclient", "JetStream", "get JetStream context")
	}
	return c.js, nil
}

func (c *Client) ready(method string) (jetstream.JetStream, error) {
	if c.Status() == StatusCircuitOpen {
		return nil, ErrCircuitOpen
	}
	if c.Status() != StatusConnected {
		return nil, errors.WrapTransient(ErrNotConnected, "natsclient", method, "check connection")
	}
	return c.JetStream()
}

// CreateKeyValueBucket returns the bucket named in cfg, creating it when it
// does not exist yet.
func (c *Client) CreateKeyValueBucket(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	js, err := c.ready("CreateKeyValueBucket")
	if err != nil {
		return nil, err
	}
	if kv, err := js.KeyValue(ctx, cfg.Bucket); err == nil {
		return kv, nil
	}

	kv, err := js.CreateKeyValue(ctx, cfg)
	if err != nil && isAlreadyExistsError(err) {
		// lost a creation race
		kv, err = js.KeyValue(ctx, cfg.Bucket)
	}
	if err != nil {
		c.recordFailure()
		return nil, errors.WrapTransient(err, "natsclient", "CreateKeyValueBucket", "create bucket "+cfg.Bucket)
	}
	c.logger.Debug("KV bucket ready", "bucket", cfg.Bucket)
	return kv, nil
}

// GetKeyValueBucket returns an existing bucket.
func (c *Client) GetKeyValueBucket(ctx context.Context, name string) (jetstream.KeyValue, error) {
	js, err := c.ready("GetKeyValueBucket")
	if err != nil {
		return nil, err
	}
	kv, err := js.KeyValue(ctx, name)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrBucketNotFound) {
			return nil, errors.WrapInvalid(errors.ErrKeyNotFound, "natsclient", "GetKeyValueBucket", "bucket "+name)
		}
		return nil, errors.WrapTransient(err, "natsclient", "GetKeyValueBucket", "get bucket "+name)
	}
	return kv, nil
}

// DeleteKeyValueBucket removes a bucket and its contents.
func (c *Client) DeleteKeyValueBucket(ctx context.Context, name string) error {
	js, err := c.ready("DeleteKeyValueBucket")
	if err != nil {
		return err
	}
	if err := js.DeleteKeyValue(ctx, name); err != nil {
		return errors.WrapTransient(err, "natsclient", "DeleteKeyValueBucket", "delete bucket "+name)
	}
	return nil
}

func (c *Client) handleDisconnect(_ *nats.Conn, err error) {
	if c.closed.Load() {
		return
	}
	c.setStatus(StatusReconnecting)
	c.logger.Warn("NATS disconnected", "error", err)
	if c.onDisconnect != nil {
		go c.onDisconnect(err)
	}
}

func (c *Client) handleReconnect(_ *nats.Conn) {
	c.setStatus(StatusConnected)
	c.resetCircuit()
	if c.metrics != nil {
		c.metrics.RecordNATSReconnect()
	}
	c.logger.Info("NATS reconnected")
	if c.onReconnect != nil {
		go c.onReconnect()
	}
}

func (c *Client) handleClosed(_ *nats.Conn) {
	c.setStatus(StatusDisconnected)
}

func (c *Client) handleError(_ *nats.Conn, sub *nats.Subscription, err error) {
	if sub != nil {
		c.logger.Error("NATS subscription error", "subject", sub.Subject, "error", err)
		return
	}
	c.logger.Error("NATS error", "error", err)
}

func isAlreadyExistsError(err error) bool {
	if stderrors.Is(err, jetstream.ErrBucketExists) || stderrors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "already in use") || strings.Contains(s, "already exists")
}

// redactURL drops credentials from a server URL for logging.
func redactURL(u string) string {
	scheme, rest, ok := strings.Cut(u, "://")
	if !ok {
		return u
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		rest = rest[at+1:]
	}
	return scheme + "://" + rest
}
