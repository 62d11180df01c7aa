// Package voice wires one coaching call: capture, agent transport, inbound
// dispatch, playback and the trigger watcher around a single event loop.
package voice

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ent0n29/pitchcoach/internal/audio"
	"github.com/ent0n29/pitchcoach/internal/capture"
	"github.com/ent0n29/pitchcoach/internal/clock"
	"github.com/ent0n29/pitchcoach/internal/conversation"
	"github.com/ent0n29/pitchcoach/internal/credential"
	"github.com/ent0n29/pitchcoach/internal/dispatch"
	"github.com/ent0n29/pitchcoach/internal/memory"
	"github.com/ent0n29/pitchcoach/internal/observability"
	"github.com/ent0n29/pitchcoach/internal/playback"
	"github.com/ent0n29/pitchcoach/internal/protocol"
	"github.com/ent0n29/pitchcoach/internal/transport"
	"github.com/ent0n29/pitchcoach/internal/trigger"
)

var ErrEnded = errors.New("session ended")

const DefaultEventQueue = 512

// Callbacks run on the session's event loop. They must not block and must
// not call End.
type Callbacks struct {
	OnStatusChange     func(conversation.Status)
	OnUtterance        func(conversation.Utterance)
	OnPersonaSeedReady func(trigger.PersonaSeed)
	OnDiagnosticEvent  func(protocol.ControlEvent)
	OnConnectionChange func(transport.Info)
}

type Config struct {
	ID         string
	UserID     string
	Transport  transport.Config
	Trigger    trigger.Config
	EventQueue int
}

type Deps struct {
	Credentials credential.Source
	Dialer      transport.Dialer
	Microphone  capture.Device
	Speaker     playback.Sink
	Clock       clock.Clock
	Store       memory.Store
	Analyzer    *playback.Analyzer
	Recorder    *audio.Recorder
	Logger      zerolog.Logger
	Metrics     *observability.Metrics
}

type Snapshot struct {
	ID               string              `json:"session_id"`
	UserID           string              `json:"user_id,omitempty"`
	Status           conversation.Status `json:"status"`
	Connection       string              `json:"connection"`
	RateLimited      bool                `json:"rate_limited"`
	Retrying         bool                `json:"retrying"`
	Utterances       int                 `json:"utterances"`
	PersonaSeedReady bool                `json:"persona_seed_ready"`
	StartedAt        time.Time           `json:"started_at"`
	LastError        string              `json:"last_error,omitempty"`
}

type Session struct {
	id       string
	userID   string
	cb       Callbacks
	clock    clock.Clock
	recorder *audio.Recorder
	logger   zerolog.Logger
	metrics  *observability.Metrics

	machine    *conversation.Machine
	transcript *conversation.Transcript
	player     *playback.Scheduler
	watcher    *trigger.Watcher
	dispatcher *dispatch.Dispatcher
	capture    *capture.Pipeline
	transport  *transport.Transport
	persist    *persister

	events   chan func()
	quit     chan struct{}
	loopDone chan struct{}
	finished chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc

	startMu        sync.Mutex
	captureStarted bool
	connects       sync.WaitGroup

	mu        sync.Mutex
	ended     bool
	conn      transport.Info
	seedReady bool
	startedAt time.Time

	endOnce sync.Once
}

// New builds a session and starts its event loop. Nothing touches the
// microphone or the network until Start.
func New(cfg Config, cb Callbacks, deps Deps) *Session {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.EventQueue <= 0 {
		cfg.EventQueue = DefaultEventQueue
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := deps.Logger.With().Str("session_id", cfg.ID).Logger()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		id:       cfg.ID,
		userID:   cfg.UserID,
		cb:       cb,
		clock:    clk,
		recorder: deps.Recorder,
		logger:   logger,
		metrics:  deps.Metrics,
		events:   make(chan func(), cfg.EventQueue),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
		finished: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}

	var taps []playback.Tap
	if deps.Analyzer != nil {
		taps = append(taps, deps.Analyzer)
	}
	if deps.Recorder != nil {
		taps = append(taps, deps.Recorder)
	}

	s.machine = conversation.NewMachine(s.statusChanged, logger)
	s.transcript = conversation.NewTranscript(s.utteranceAppended)
	s.player = playback.NewScheduler(deps.Speaker, s.post, logger, deps.Metrics, taps...)
	s.watcher = trigger.NewWatcher(cfg.Trigger, clk, s.post, s.personaSeedReady, logger)
	s.dispatcher = dispatch.New(dispatch.Deps{
		Machine:      s.machine,
		Transcript:   s.transcript,
		Player:       s.player,
		Watcher:      s.watcher,
		Clock:        clk,
		OnDiagnostic: s.diagnostic,
	}, logger, deps.Metrics)
	s.transport = transport.New(cfg.Transport, deps.Credentials, deps.Dialer, clk, transport.Handlers{
		OnStateChange: s.connectionChanged,
		OnFrame:       s.frameReceived,
	}, logger, deps.Metrics)
	s.capture = capture.NewPipeline(deps.Microphone, s.transport, s.machine, logger, deps.Metrics)
	if deps.Store != nil {
		s.persist = newPersister(deps.Store, cfg.ID, cfg.UserID, logger, deps.Metrics)
	}

	go s.run()
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) Status() conversation.Status { return s.machine.Status() }

// Start acquires the microphone and connects to the agent in the background.
// It is idempotent while the connection is open or connecting; after a
// terminal failure it starts a fresh connect with a reset retry budget.
func (s *Session) Start(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.isEnded() {
		return ErrEnded
	}

	if !s.captureStarted {
		if err := s.capture.Start(ctx); err != nil {
			s.logger.Error().Err(err).Msg("microphone unavailable")
			s.metrics.ObserveSessionEvent("capture_failed")
			return err
		}
		s.captureStarted = true
		s.mu.Lock()
		s.startedAt = s.clock.Now()
		s.mu.Unlock()
		s.metrics.ObserveSessionEvent("started")
	}

	switch s.transport.State() {
	case transport.StateOpen, transport.StateConnecting:
		return nil
	}
	s.connects.Add(1)
	go s.connect()
	return nil
}

// ToggleSleep flips sleep and returns the resulting status.
func (s *Session) ToggleSleep() (conversation.Status, error) {
	if s.isEnded() {
		return s.machine.Status(), ErrEnded
	}
	var status conversation.Status
	err := s.do(func() {
		s.machine.ToggleSleep()
		status = s.machine.Status()
	})
	return status, err
}

// ClearRateLimit releases the rate-limit latch and reconnects if the session
// has been started.
func (s *Session) ClearRateLimit() {
	s.transport.ClearRateLimit()
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if !s.captureStarted || s.isEnded() {
		return
	}
	if s.transport.State() == transport.StateClosed {
		s.connects.Add(1)
		go s.connect()
	}
}

// End tears the call down: playback is cancelled, capture stopped, the
// connection closed and every timer released. Safe to call repeatedly.
func (s *Session) End() {
	s.endOnce.Do(func() {
		s.startMu.Lock()
		s.mu.Lock()
		s.ended = true
		s.mu.Unlock()
		s.startMu.Unlock()

		// No connect may start after this point; abort the ones in flight.
		s.cancel()
		s.connects.Wait()

		_ = s.do(func() {
			s.watcher.Stop()
			s.player.CancelAll()
		})
		if err := s.capture.Stop(); err != nil {
			s.logger.Warn().Err(err).Msg("closing microphone stream")
		}
		_ = s.transport.Close()
		// Flush the close notification before the loop stops.
		_ = s.do(func() {})

		close(s.quit)
		<-s.loopDone

		if s.persist != nil {
			s.persist.close()
		}
		if s.recorder != nil {
			if err := s.recorder.Close(); err != nil {
				s.logger.Warn().Err(err).Msg("writing audio dump")
			}
		}
		s.metrics.ObserveSessionEvent("ended")
		s.logger.Info().Int("utterances", s.transcript.Len()).Msg("session ended")
		close(s.finished)
	})
}

// Done is closed once End has finished.
func (s *Session) Done() <-chan struct{} { return s.finished }

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	conn := s.conn
	seedReady := s.seedReady
	startedAt := s.startedAt
	s.mu.Unlock()

	snap := Snapshot{
		ID:               s.id,
		UserID:           s.userID,
		Status:           s.machine.Status(),
		Connection:       s.transport.State().String(),
		RateLimited:      s.transport.RateLimited(),
		Retrying:         conn.Retrying,
		Utterances:       s.transcript.Len(),
		PersonaSeedReady: seedReady,
		StartedAt:        startedAt,
	}
	if conn.Err != nil {
		snap.LastError = conn.Err.Error()
	}
	return snap
}

func (s *Session) Transcript() []conversation.Utterance {
	return s.transcript.Snapshot()
}

func (s *Session) run() {
	defer close(s.loopDone)
	for {
		select {
		case <-s.quit:
			return
		case fn := <-s.events:
			fn()
		}
	}
}

// post queues fn on the event loop. It blocks while the queue is full and
// drops fn once the loop has stopped.
func (s *Session) post(fn func()) {
	select {
	case s.events <- fn:
	case <-s.quit:
	}
}

// do runs fn on the event loop and waits for it.
func (s *Session) do(fn func()) error {
	done := make(chan struct{})
	select {
	case s.events <- func() { fn(); close(done) }:
	case <-s.quit:
		return ErrEnded
	}
	select {
	case <-done:
		return nil
	case <-s.quit:
		return ErrEnded
	}
}

func (s *Session) isEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

func (s *Session) connect() {
	defer s.connects.Done()
	err := s.transport.Connect(s.ctx)
	switch {
	case err == nil,
		errors.Is(err, transport.ErrAlreadyOpen),
		errors.Is(err, transport.ErrConnectInProgress),
		errors.Is(err, transport.ErrClosed):
	default:
		s.logger.Warn().Err(err).Msg("agent connect failed")
	}
}

func (s *Session) frameReceived(frame protocol.Frame) {
	s.post(func() { s.dispatcher.Dispatch(frame) })
}

func (s *Session) connectionChanged(info transport.Info) {
	s.post(func() {
		s.mu.Lock()
		s.conn = info
		s.mu.Unlock()
		if s.cb.OnConnectionChange != nil {
			s.cb.OnConnectionChange(info)
		}
	})
}

func (s *Session) statusChanged(from, to conversation.Status) {
	s.capture.OnStatusChange(from, to)
	s.metrics.ObserveSessionEvent("status_" + string(to))
	if s.cb.OnStatusChange != nil {
		s.cb.OnStatusChange(to)
	}
}

func (s *Session) utteranceAppended(u conversation.Utterance) {
	if s.persist != nil {
		s.persist.utterance(u)
	}
	if s.cb.OnUtterance != nil {
		s.cb.OnUtterance(u)
	}
}

func (s *Session) personaSeedReady(seed trigger.PersonaSeed) {
	s.mu.Lock()
	s.seedReady = true
	s.mu.Unlock()
	s.metrics.ObserveSessionEvent("persona_seed_ready")
	if s.persist != nil {
		s.persist.personaSeed(seed)
	}
	if s.cb.OnPersonaSeedReady != nil {
		s.cb.OnPersonaSeedReady(seed)
	}
}

func (s *Session) diagnostic(ev protocol.ControlEvent) {
	if s.cb.OnDiagnosticEvent != nil {
		s.cb.OnDiagnosticEvent(ev)
	}
}
