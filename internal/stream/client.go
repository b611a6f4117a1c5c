// Package stream owns the single live push subscription to the detection
// backend. It parses inbound envelopes, drops malformed frames without
// disturbing the connection, and reconnects after transport failures on a
// linear backoff schedule with a bounded attempt budget.
package stream

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/platevision/monitor-cli/internal/model"
	"github.com/platevision/monitor-cli/internal/resilience"
)

const (
	defaultBackoffStep = 5 * time.Second
	defaultMaxAttempts = 5

	defaultPongWait     = 60 * time.Second
	defaultPingInterval = 54 * time.Second
	writeWait           = 10 * time.Second
)

// ErrNoCredential is returned by Connect when no credential is supplied.
// The transport is never touched in that case.
var ErrNoCredential = eris.New("stream: credential required")

var errSuperseded = eris.New("stream: connection superseded")

// TransportError wraps a transport-level failure. Transport errors are
// recoverable; the client schedules a reconnect while its attempt budget
// lasts.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return "stream: " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// EventHandler receives every well-formed envelope, on the read-loop
// goroutine. Handlers own delivery order; the client never calls them
// concurrently with each other.
type EventHandler func(env model.Envelope)

// ErrorHandler receives every transport failure after the initial dial.
type ErrorHandler func(err error)

// Option configures the client.
type Option func(*Client)

// WithBackoffStep sets the base reconnect delay. Attempt n waits n times
// this step.
func WithBackoffStep(d time.Duration) Option {
	return func(c *Client) { c.backoff.Delay = d }
}

// WithMaxAttempts sets the reconnect attempt budget per connect cycle.
func WithMaxAttempts(n int) Option {
	return func(c *Client) { c.backoff.MaxAttempts = n }
}

// WithDialer sets a custom websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithKeepalive sets the ping interval and the pong deadline. The interval
// must be shorter than the deadline or reads time out between pings.
func WithKeepalive(pingInterval, pongWait time.Duration) Option {
	return func(c *Client) {
		c.pingInterval = pingInterval
		c.pongWait = pongWait
	}
}

// WithReadLimit caps the size of a single inbound frame. Oversized frames
// fail the read and go through the normal reconnect path.
func WithReadLimit(n int64) Option {
	return func(c *Client) { c.readLimit = n }
}

// Stats is a point-in-time snapshot of the subscription.
type Stats struct {
	State    model.ConnState `json:"state"`
	Attempts int             `json:"attempts"`
	Received uint64          `json:"received"`
	Dropped  uint64          `json:"dropped"`
}

// Client maintains at most one live subscription. Opening a new one closes
// the previous; scheduling a reconnect replaces any pending one. All state
// transitions happen on transport callbacks and timer fires only.
type Client struct {
	rawURL       string
	dialer       *websocket.Dialer
	backoff      resilience.RetryConfig
	pingInterval time.Duration
	pongWait     time.Duration
	readLimit    int64

	mu         sync.Mutex
	conn       *websocket.Conn
	state      model.ConnState
	gen        uint64
	attempts   int
	reconnect  *time.Timer
	credential string
	onEvent    EventHandler
	onError    ErrorHandler

	received atomic.Uint64
	dropped  atomic.Uint64
}

// NewClient creates a client for the given subscription URL (ws:// or
// wss://). The URL carries no credential; Connect appends it per call.
func NewClient(rawURL string, opts ...Option) *Client {
	c := &Client{
		rawURL: rawURL,
		dialer: websocket.DefaultDialer,
		backoff: resilience.RetryConfig{
			MaxAttempts: defaultMaxAttempts,
			Delay:       defaultBackoffStep,
			Strategy:    resilience.Linear,
		},
		pingInterval: defaultPingInterval,
		pongWait:     defaultPongWait,
		state:        model.ConnDisconnected,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect opens the subscription, closing any existing one first. The
// credential rides as a query parameter because the transport carries no
// custom headers. A synchronous dial failure is returned to the caller;
// either way the reconnect policy engages, and onError sees every failure
// after that. Callbacks are retained for scheduled reconnects.
func (c *Client) Connect(ctx context.Context, credential string, onEvent EventHandler, onError ErrorHandler) error {
	if strings.TrimSpace(credential) == "" {
		return ErrNoCredential
	}

	c.mu.Lock()
	c.gen++ // supersede any live connection, read loop, and pending timer
	c.clearReconnectLocked()
	c.closeConnLocked()
	c.credential = credential
	c.onEvent = onEvent
	c.onError = onError
	c.attempts = 0
	c.mu.Unlock()

	g, err := c.dial(ctx)
	if err != nil {
		c.transportFailure(g, "dial", err, false)
	}
	return err
}

// Disconnect closes the transport if open, cancels any pending reconnect,
// and resets the attempt counter. Idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.gen++
	c.clearReconnectLocked()
	c.closeConnLocked()
	c.attempts = 0
	c.state = model.ConnDisconnected
	c.mu.Unlock()

	zap.L().Info("stream: disconnected")
}

// IsConnected reports whether the transport is open right now, not whether
// a connection has ever succeeded.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == model.ConnOpen && c.conn != nil
}

// State returns the current connection state.
func (c *Client) State() model.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns the reconnect attempts consumed in the current cycle.
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Stats returns a snapshot of connection state and frame counters.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	state, attempts := c.state, c.attempts
	c.mu.Unlock()

	return Stats{
		State:    state,
		Attempts: attempts,
		Received: c.received.Load(),
		Dropped:  c.dropped.Load(),
	}
}

// dial opens one physical connection and starts its read and ping loops.
// It returns the generation it ran under so failures can be attributed.
func (c *Client) dial(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	c.gen++
	g := c.gen
	c.state = model.ConnConnecting
	cred := c.credential
	c.mu.Unlock()

	target, err := c.subscribeURL(cred)
	if err != nil {
		c.markError(g)
		return g, err
	}

	conn, resp, err := c.dialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close() //nolint:errcheck
	}
	if err != nil {
		c.markError(g)
		return g, &TransportError{Op: "dial", Err: err}
	}

	c.mu.Lock()
	if g != c.gen {
		c.mu.Unlock()
		conn.Close() //nolint:errcheck
		return g, errSuperseded
	}
	c.conn = conn
	c.state = model.ConnOpen
	c.attempts = 0 // successful open resets the budget
	c.mu.Unlock()

	if c.readLimit > 0 {
		conn.SetReadLimit(c.readLimit)
	}
	_ = conn.SetReadDeadline(time.Now().Add(c.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	done := make(chan struct{})
	go c.readLoop(conn, g, done)
	go c.pingLoop(conn, done)

	zap.L().Info("stream: connected", zap.String("url", c.rawURL))
	return g, nil
}

// subscribeURL appends the credential to the subscription URL.
func (c *Client) subscribeURL(credential string) (string, error) {
	u, err := url.Parse(c.rawURL)
	if err != nil {
		return "", eris.Wrap(err, "stream: parse subscription url")
	}
	q := u.Query()
	q.Set("token", credential)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) readLoop(conn *websocket.Conn, g uint64, done chan struct{}) {
	defer close(done)
	defer conn.Close() //nolint:errcheck

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.transportFailure(g, "read", err, true)
			return
		}
		c.received.Add(1)

		env, perr := model.ParseEnvelope(raw)
		if perr != nil {
			// Malformed frames are dropped without touching the connection.
			c.dropped.Add(1)
			zap.L().Debug("stream: dropped malformed frame", zap.Error(perr))
			continue
		}

		c.mu.Lock()
		handler := c.onEvent
		c.mu.Unlock()
		if handler != nil {
			handler(env)
		}
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				// The read loop observes the broken connection and owns
				// the failure handling.
				return
			}
		}
	}
}

// transportFailure applies the reconnect policy for a failure on generation
// g. Failures from superseded connections are ignored; without that check a
// replaced connection's dying read loop would schedule a spurious reconnect.
func (c *Client) transportFailure(g uint64, op string, err error, notify bool) {
	c.mu.Lock()
	if g != c.gen {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	onError := c.onError

	scheduled := c.attempts < c.backoff.MaxAttempts
	var attempt int
	var delay time.Duration
	if scheduled {
		c.attempts++
		attempt = c.attempts
		delay = c.backoff.DelayFor(attempt)
		c.state = model.ConnReconnectScheduled
		c.clearReconnectLocked()
		c.reconnect = time.AfterFunc(delay, func() { c.redial(g) })
	} else {
		c.state = model.ConnDisconnected
	}
	c.mu.Unlock()

	if scheduled {
		zap.L().Warn("stream: transport failure, reconnect scheduled",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	} else {
		zap.L().Warn("stream: reconnect budget exhausted, staying disconnected",
			zap.String("op", op),
			zap.Error(err),
		)
	}

	if notify && onError != nil {
		terr := err
		if _, ok := err.(*TransportError); !ok {
			terr = &TransportError{Op: op, Err: err}
		}
		onError(terr)
	}
}

// redial runs when the reconnect timer fires. A timer whose generation has
// been superseded, or whose slot was cleared, does nothing.
func (c *Client) redial(g uint64) {
	c.mu.Lock()
	if g != c.gen || c.state != model.ConnReconnectScheduled {
		c.mu.Unlock()
		return
	}
	c.reconnect = nil
	c.mu.Unlock()

	ng, err := c.dial(context.Background())
	if err != nil {
		c.transportFailure(ng, "redial", err, true)
	}
}

func (c *Client) markError(g uint64) {
	c.mu.Lock()
	if g == c.gen {
		c.state = model.ConnError
	}
	c.mu.Unlock()
}

func (c *Client) clearReconnectLocked() {
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
}

func (c *Client) closeConnLocked() {
	if c.conn == nil {
		return
	}
	deadline := time.Now().Add(writeWait)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	c.conn.WriteControl(websocket.CloseMessage, msg, deadline) //nolint:errcheck
	c.conn.Close()                                             //nolint:errcheck
	c.conn = nil
}
