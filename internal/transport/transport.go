// Package transport owns the persistent connection to the remote voice agent:
// credential acquisition, dial, keep-alive, bounded reconnect and the
// connection state every other component reads.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/pitchcoach/internal/clock"
	"github.com/ent0n29/pitchcoach/internal/credential"
	"github.com/ent0n29/pitchcoach/internal/observability"
	"github.com/ent0n29/pitchcoach/internal/protocol"
	"github.com/ent0n29/pitchcoach/internal/reliability"
)

type State int32

const (
	StateUninitialized State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	ErrAlreadyOpen         = errors.New("connection already open")
	ErrConnectInProgress   = errors.New("connect already in progress")
	ErrOpenFailed          = errors.New("transport open failed")
	ErrClosedUnexpectedly  = errors.New("transport closed unexpectedly")
	ErrClosed              = errors.New("transport closed")
	ErrReconnectsExhausted = errors.New("reconnect attempts exhausted")
)

const (
	DefaultKeepAliveInterval    = 30 * time.Second
	DefaultReconnectDelay       = 2 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultConnectTimeout       = 10 * time.Second
	DefaultOutboundQueue        = 256
)

type Config struct {
	URL                  string
	KeepAliveInterval    time.Duration
	ReconnectDelay       time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
	ConnectTimeout       time.Duration
	OutboundQueue        int
	// Settings is sent as the first frame of every connection.
	Settings protocol.Settings
}

func (c Config) withDefaults() Config {
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.ReconnectMaxDelay < c.ReconnectDelay {
		c.ReconnectMaxDelay = c.ReconnectDelay
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.OutboundQueue <= 0 {
		c.OutboundQueue = DefaultOutboundQueue
	}
	return c
}

// Info is the caller-facing view of the connection. Retry counting is not
// exposed beyond Retrying.
type Info struct {
	State       State
	RateLimited bool
	Retrying    bool
	Err         error
}

type Handlers struct {
	// OnStateChange runs on the goroutine that caused the transition.
	OnStateChange func(Info)
	// OnFrame runs on the connection's reader goroutine, in arrival order.
	OnFrame func(protocol.Frame)
}

type link struct {
	gen  uint64
	conn Conn
	out  chan protocol.Frame
	done chan struct{}
}

type Transport struct {
	cfg      Config
	creds    credential.Source
	dialer   Dialer
	clock    clock.Clock
	handlers Handlers
	logger   zerolog.Logger
	metrics  *observability.Metrics

	state atomic.Int32

	mu          sync.Mutex
	gen         uint64
	link        *link
	attempts    int
	rateLimited bool
	closed      bool
	keepAlive   clock.Timer
	reconnect   clock.Timer
}

func New(cfg Config, creds credential.Source, dialer Dialer, clk clock.Clock, handlers Handlers, logger zerolog.Logger, metrics *observability.Metrics) *Transport {
	if clk == nil {
		clk = clock.Real()
	}
	return &Transport{
		cfg:      cfg.withDefaults(),
		creds:    creds,
		dialer:   dialer,
		clock:    clk,
		handlers: handlers,
		logger:   logger.With().Str("component", "transport").Logger(),
		metrics:  metrics,
	}
}

func (t *Transport) State() State { return State(t.state.Load()) }

// Open reports whether frames handed to Send will be written.
func (t *Transport) Open() bool { return t.State() == StateOpen }

func (t *Transport) RateLimited() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rateLimited
}

// ClearRateLimit releases the rate-limit latch so Connect may proceed again.
func (t *Transport) ClearRateLimit() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rateLimited = false
}

// Connect fetches a credential and opens the connection. It is the caller's
// entry point: it resets the reconnect budget and cancels a pending retry.
func (t *Transport) Connect(ctx context.Context) error {
	return t.open(ctx, true)
}

func (t *Transport) open(ctx context.Context, external bool) error {
	t.mu.Lock()
	if external {
		t.closed = false
		t.attempts = 0
		stopTimer(&t.reconnect)
	} else if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	switch t.State() {
	case StateOpen:
		t.mu.Unlock()
		return ErrAlreadyOpen
	case StateConnecting:
		t.mu.Unlock()
		return ErrConnectInProgress
	}
	if t.rateLimited {
		t.mu.Unlock()
		return reliability.ErrRateLimited
	}
	t.gen++
	gen := t.gen
	t.setState(StateConnecting)
	t.mu.Unlock()
	t.notify(Info{State: StateConnecting})

	ctx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	defer cancel()

	cred, err := t.creds.Fetch(ctx)
	if err != nil {
		t.metrics.ObserveError(credentialErrorKind(err))
		t.fail(gen, err)
		return err
	}
	conn, err := t.dialer.Dial(ctx, t.cfg.URL, cred)
	if err != nil {
		if !errors.Is(err, ErrOpenFailed) {
			err = fmt.Errorf("%w: %w", ErrOpenFailed, err)
		}
		t.metrics.ObserveError("transport_open_failed")
		t.fail(gen, err)
		return err
	}

	settings, err := protocol.JSONFrame(t.cfg.Settings)
	if err != nil {
		_ = conn.Close()
		err = fmt.Errorf("%w: encode settings: %v", ErrOpenFailed, err)
		t.fail(gen, err)
		return err
	}

	l := &link{
		gen:  gen,
		conn: conn,
		out:  make(chan protocol.Frame, t.cfg.OutboundQueue),
		done: make(chan struct{}),
	}
	// Queued before the state flips to open so it is always the first frame.
	l.out <- settings

	t.mu.Lock()
	if gen != t.gen || t.closed {
		t.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	t.link = l
	t.attempts = 0
	t.setState(StateOpen)
	t.armKeepAliveLocked(gen)
	t.mu.Unlock()

	go t.writeLoop(l)
	go t.readLoop(l)

	t.logger.Info().Str("url", t.cfg.URL).Msg("agent connection open")
	t.notify(Info{State: StateOpen})
	return nil
}

// Send queues a frame for the writer. It is a no-op when the connection is
// not open and never blocks; a saturated queue drops the frame.
func (t *Transport) Send(frame protocol.Frame) error {
	if !t.Open() {
		return nil
	}
	t.mu.Lock()
	l := t.link
	t.mu.Unlock()
	if l == nil {
		return nil
	}
	select {
	case <-l.done:
	case l.out <- frame:
	default:
		t.metrics.ObserveDrop("outbound", "queue_full")
	}
	return nil
}

// Close tears the connection down and cancels every timer. No reconnect is
// attempted until the next Connect.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.gen++
	stopTimer(&t.reconnect)
	t.teardownLocked()
	changed := t.State() != StateClosed && t.State() != StateUninitialized
	if changed {
		t.setState(StateClosed)
	}
	rateLimited := t.rateLimited
	t.mu.Unlock()
	if changed {
		t.notify(Info{State: StateClosed, RateLimited: rateLimited})
	}
	return nil
}

// fail handles an open failure or a lost connection for attempt gen.
func (t *Transport) fail(gen uint64, cause error) {
	t.mu.Lock()
	if gen != t.gen || t.State() == StateClosed {
		t.mu.Unlock()
		return
	}
	t.teardownLocked()
	t.setState(StateClosed)
	if errors.Is(cause, reliability.ErrRateLimited) {
		t.rateLimited = true
	}
	retry := !t.closed && !t.rateLimited && t.attempts < t.cfg.MaxReconnectAttempts
	if retry {
		t.attempts++
		delay := reliability.ExponentialBackoff(t.attempts-1, t.cfg.ReconnectDelay, t.cfg.ReconnectMaxDelay)
		t.reconnect = t.clock.AfterFunc(delay, t.reconnectNow)
		t.metrics.ObserveReconnect()
		t.logger.Info().Err(cause).Int("attempt", t.attempts).Dur("delay", delay).Msg("agent connection failed, reconnect scheduled")
	}
	info := Info{State: StateClosed, RateLimited: t.rateLimited, Retrying: retry, Err: cause}
	if !retry && !t.rateLimited && !t.closed {
		info.Err = fmt.Errorf("%w: %w", ErrReconnectsExhausted, cause)
	}
	t.mu.Unlock()

	if !retry {
		t.logger.Error().Err(info.Err).Bool("rate_limited", info.RateLimited).Msg("agent connection failed permanently")
	}
	t.notify(info)
}

// lost handles a clean remote close: no automatic retry.
func (t *Transport) lost(gen uint64, cause error) {
	t.mu.Lock()
	if gen != t.gen || t.State() == StateClosed {
		t.mu.Unlock()
		return
	}
	t.teardownLocked()
	t.setState(StateClosed)
	rateLimited := t.rateLimited
	t.mu.Unlock()

	t.logger.Info().Err(cause).Msg("agent connection closed")
	t.notify(Info{State: StateClosed, RateLimited: rateLimited, Err: cause})
}

func (t *Transport) reconnectNow() {
	if err := t.open(context.Background(), false); err != nil && !errors.Is(err, ErrClosed) {
		t.logger.Debug().Err(err).Msg("reconnect attempt failed")
	}
}

func (t *Transport) armKeepAliveLocked(gen uint64) {
	stopTimer(&t.keepAlive)
	t.keepAlive = t.clock.AfterFunc(t.cfg.KeepAliveInterval, func() { t.keepAliveTick(gen) })
}

func (t *Transport) keepAliveTick(gen uint64) {
	_ = t.Send(protocol.KeepAliveFrame())

	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen || t.State() != StateOpen {
		return
	}
	t.armKeepAliveLocked(gen)
}

func (t *Transport) teardownLocked() {
	stopTimer(&t.keepAlive)
	if t.link != nil {
		close(t.link.done)
		_ = t.link.conn.Close()
		t.link = nil
	}
}

func (t *Transport) setState(s State) {
	if State(t.state.Swap(int32(s))) != s {
		t.metrics.ObserveConnectionState(s.String())
	}
}

func (t *Transport) notify(info Info) {
	if t.handlers.OnStateChange != nil {
		t.handlers.OnStateChange(info)
	}
}

func stopTimer(timer *clock.Timer) {
	if *timer != nil {
		(*timer).Stop()
		*timer = nil
	}
}

func credentialErrorKind(err error) string {
	switch {
	case errors.Is(err, reliability.ErrRateLimited):
		return "credential_rate_limited"
	case errors.Is(err, credential.ErrUnavailable):
		return "credential_unavailable"
	default:
		return "credential_fetch_failed"
	}
}
