package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/pitchcoach/internal/audio"
	"github.com/ent0n29/pitchcoach/internal/capture"
	"github.com/ent0n29/pitchcoach/internal/clock"
	"github.com/ent0n29/pitchcoach/internal/conversation"
	"github.com/ent0n29/pitchcoach/internal/credential"
	"github.com/ent0n29/pitchcoach/internal/memory"
	"github.com/ent0n29/pitchcoach/internal/playback"
	"github.com/ent0n29/pitchcoach/internal/protocol"
	"github.com/ent0n29/pitchcoach/internal/transport"
	"github.com/ent0n29/pitchcoach/internal/trigger"
)

type readResult struct {
	msgType int
	data    []byte
}

type fakeConn struct {
	mu        sync.Mutex
	written   []protocol.Frame
	reads     chan readResult
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{reads: make(chan readResult, 64), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case r := <-c.reads:
		return r.msgType, r.data, nil
	case <-c.closed:
		return 0, nil, errors.New("use of closed network connection")
	}
}

func (c *fakeConn) WriteMessage(msgType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, protocol.Frame{Binary: msgType == websocket.BinaryMessage, Data: data})
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) text(s string) { c.reads <- readResult{websocket.TextMessage, []byte(s)} }

func (c *fakeConn) binary(b []byte) { c.reads <- readResult{websocket.BinaryMessage, b} }

func (c *fakeConn) binaryWrites() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, f := range c.written {
		if f.Binary {
			n++
		}
	}
	return n
}

func (c *fakeConn) frames() []protocol.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Frame(nil), c.written...)
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (d *fakeDialer) Dial(context.Context, string, credential.Credential) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}

type fakeStream struct {
	mu     sync.Mutex
	fn     capture.FrameFunc
	closed bool
}

func (s *fakeStream) Attach(fn capture.FrameFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fn = fn
}

func (s *fakeStream) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fn = nil
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// emit mimics the device callback: frames arrive only while attached.
func (s *fakeStream) emit(samples []float32) {
	s.mu.Lock()
	fn := s.fn
	s.mu.Unlock()
	if fn != nil {
		fn(samples)
	}
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeMic struct {
	stream *fakeStream
	err    error
}

func (m *fakeMic) Acquire(context.Context, capture.Format) (capture.Stream, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.stream, nil
}

type fakeVoice struct {
	mu      sync.Mutex
	stopped bool
}

func (v *fakeVoice) Stop() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.stopped = true
}

func (v *fakeVoice) isStopped() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stopped
}

type fakeSink struct {
	mu     sync.Mutex
	voices []*fakeVoice
}

func (s *fakeSink) Now() time.Duration { return 0 }

func (s *fakeSink) Schedule(playback.Buffer, time.Duration, func()) playback.Voice {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := &fakeVoice{}
	s.voices = append(s.voices, v)
	return v
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.voices)
}

func (s *fakeSink) playing() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, v := range s.voices {
		if !v.isStopped() {
			n++
		}
	}
	return n
}

type fakeCreds struct{}

func (fakeCreds) Fetch(context.Context) (credential.Credential, error) {
	return credential.Credential{Value: "abc", Scheme: credential.SchemeBearer}, nil
}

type recorder struct {
	mu         sync.Mutex
	statuses   []conversation.Status
	utterances []conversation.Utterance
	seeds      []trigger.PersonaSeed
	events     []protocol.ControlEvent
	conns      []transport.Info
	// playingAtListen records how many voices were still playing when each
	// listening transition was observed.
	playingAtListen []int
}

func (r *recorder) seedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seeds)
}

type harness struct {
	session *Session
	dialer  *fakeDialer
	stream  *fakeStream
	sink    *fakeSink
	clock   *clock.Manual
	store   *memory.InMemoryStore
	rec     *recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		dialer: &fakeDialer{},
		stream: &fakeStream{},
		sink:   &fakeSink{},
		clock:  clock.NewManual(time.Unix(1_700_000_000, 0)),
		store:  memory.NewInMemoryStore(),
		rec:    &recorder{},
	}
	rec := h.rec
	cb := Callbacks{
		OnStatusChange: func(s conversation.Status) {
			rec.mu.Lock()
			defer rec.mu.Unlock()
			rec.statuses = append(rec.statuses, s)
			if s == conversation.StatusListening {
				rec.playingAtListen = append(rec.playingAtListen, h.sink.playing())
			}
		},
		OnUtterance: func(u conversation.Utterance) {
			rec.mu.Lock()
			defer rec.mu.Unlock()
			rec.utterances = append(rec.utterances, u)
		},
		OnPersonaSeedReady: func(seed trigger.PersonaSeed) {
			rec.mu.Lock()
			defer rec.mu.Unlock()
			rec.seeds = append(rec.seeds, seed)
		},
		OnDiagnosticEvent: func(ev protocol.ControlEvent) {
			rec.mu.Lock()
			defer rec.mu.Unlock()
			rec.events = append(rec.events, ev)
		},
		OnConnectionChange: func(info transport.Info) {
			rec.mu.Lock()
			defer rec.mu.Unlock()
			rec.conns = append(rec.conns, info)
		},
	}
	h.session = New(Config{
		ID:        "sess-1",
		UserID:    "user-1",
		Transport: transport.Config{URL: "wss://agent.test/v1/agent"},
		Trigger:   trigger.Config{Phrase: "persona is ready", SettleDelay: 2 * time.Second},
	}, cb, Deps{
		Credentials: fakeCreds{},
		Dialer:      h.dialer,
		Microphone:  &fakeMic{stream: h.stream},
		Speaker:     h.sink,
		Clock:       h.clock,
		Store:       h.store,
		Logger:      zerolog.Nop(),
	})
	t.Cleanup(h.session.End)
	return h
}

// started starts the session and waits for the agent to accept settings.
func (h *harness) started(t *testing.T) *fakeConn {
	t.Helper()
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, "connection open", func() bool { return h.session.Snapshot().Connection == "open" })
	conn := h.dialer.last()
	conn.text(`{"type":"SettingsApplied"}`)
	waitFor(t, "listening", func() bool { return h.session.Status() == conversation.StatusListening })
	return conn
}

// settle waits until every event queued so far has been processed.
func (h *harness) settle(t *testing.T) {
	t.Helper()
	if err := h.session.do(func() {}); err != nil {
		t.Fatalf("settle: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func pcmFrame(d time.Duration) []byte {
	n := int(d * protocol.OutputSampleRate / time.Second)
	return audio.EncodePCM16LE(make([]float32, n))
}

func TestStartSendsSettingsFirstAndStreamsAudio(t *testing.T) {
	h := newHarness(t)
	conn := h.started(t)

	h.stream.emit([]float32{0.1, 0.2})
	waitFor(t, "audio frame sent", func() bool { return conn.binaryWrites() == 1 })

	first := conn.frames()[0]
	if first.Binary {
		t.Fatalf("first frame is binary, want settings")
	}
	var settings map[string]any
	if err := json.Unmarshal(first.Data, &settings); err != nil {
		t.Fatalf("decode settings: %v", err)
	}
	if settings["type"] != "Settings" {
		t.Fatalf("first frame type = %v, want Settings", settings["type"])
	}

	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	h.settle(t)
	if h.dialer.count() != 1 {
		t.Fatalf("dials = %d, want 1 (Start is idempotent)", h.dialer.count())
	}
}

func TestSleepGatesBothDirections(t *testing.T) {
	h := newHarness(t)
	conn := h.started(t)

	status, err := h.session.ToggleSleep()
	if err != nil || status != conversation.StatusSleeping {
		t.Fatalf("ToggleSleep() = %s, %v, want sleeping", status, err)
	}

	for i := 0; i < 10; i++ {
		h.stream.emit([]float32{0.5})
		conn.binary(pcmFrame(20 * time.Millisecond))
	}
	conn.text(`{"type":"AgentStartedSpeaking"}`)
	waitFor(t, "inbound drained", func() bool { return len(conn.reads) == 0 })
	h.settle(t)

	if n := conn.binaryWrites(); n != 0 {
		t.Fatalf("outbound audio frames while sleeping = %d, want 0", n)
	}
	if n := h.sink.count(); n != 0 {
		t.Fatalf("scheduled buffers while sleeping = %d, want 0", n)
	}
	if got := h.session.Status(); got != conversation.StatusSleeping {
		t.Fatalf("Status() = %s, want sleeping", got)
	}

	if status, _ := h.session.ToggleSleep(); status != conversation.StatusListening {
		t.Fatalf("ToggleSleep() = %s, want listening", status)
	}
	h.stream.emit([]float32{0.5})
	waitFor(t, "audio after wake", func() bool { return conn.binaryWrites() == 1 })
}

func TestUserSpeechInterruptsPlaybackBeforeListening(t *testing.T) {
	h := newHarness(t)
	conn := h.started(t)

	conn.text(`{"type":"AgentStartedSpeaking"}`)
	for i := 0; i < 3; i++ {
		conn.binary(pcmFrame(500 * time.Millisecond))
	}
	waitFor(t, "buffers scheduled", func() bool { return h.sink.count() == 3 })

	conn.text(`{"type":"UserStartedSpeaking"}`)
	waitFor(t, "listening", func() bool { return h.session.Status() == conversation.StatusListening })
	h.settle(t)

	if n := h.sink.playing(); n != 0 {
		t.Fatalf("playing voices = %d, want 0", n)
	}
	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	last := h.rec.playingAtListen[len(h.rec.playingAtListen)-1]
	if last != 0 {
		t.Fatalf("voices still playing when listening was reported = %d, want 0", last)
	}
}

func TestPersonaSeedFiresOnceAndIsPersisted(t *testing.T) {
	h := newHarness(t)
	conn := h.started(t)

	conn.text(`{"role":"user","content":"I sell eco-friendly packaging for restaurants, call 555-123-4567"}`)
	conn.text(`{"role":"user","content":"ok"}`)
	conn.text(`{"role":"assistant","content":"Great, your persona is ready."}`)
	conn.text(`{"role":"assistant","content":"Again: persona is ready."}`)
	waitFor(t, "transcript", func() bool { return h.session.Snapshot().Utterances == 4 })
	h.settle(t)

	h.clock.Advance(2 * time.Second)
	waitFor(t, "seed delivered", func() bool { return h.rec.seedCount() == 1 })

	h.clock.Advance(time.Minute)
	h.settle(t)
	if n := h.rec.seedCount(); n != 1 {
		t.Fatalf("seeds = %d, want 1", n)
	}

	h.rec.mu.Lock()
	seed := h.rec.seeds[0]
	delivered := len(h.rec.utterances)
	h.rec.mu.Unlock()
	if delivered != 4 {
		t.Fatalf("OnUtterance calls = %d, want 4", delivered)
	}
	if !strings.HasPrefix(seed.ProductService, "I sell eco-friendly packaging") {
		t.Fatalf("ProductService = %q", seed.ProductService)
	}
	if len(seed.ConversationHistory) != 2 {
		t.Fatalf("ConversationHistory = %v, want 2 user lines", seed.ConversationHistory)
	}

	h.session.End()
	stored, err := h.store.PersonaSeed(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("PersonaSeed() error = %v", err)
	}
	if !stored.PIIRedacted || strings.Contains(stored.ProductService, "555-123-4567") {
		t.Fatalf("stored seed not redacted: %+v", stored)
	}
	lines, err := h.store.SessionTranscript(context.Background(), "sess-1", 0)
	if err != nil {
		t.Fatalf("SessionTranscript() error = %v", err)
	}
	if len(lines) != 4 {
		t.Fatalf("stored utterances = %d, want 4", len(lines))
	}
	if !h.session.Snapshot().PersonaSeedReady {
		t.Fatalf("PersonaSeedReady = false, want true")
	}
}

func TestEndReleasesEverything(t *testing.T) {
	h := newHarness(t)
	conn := h.started(t)
	conn.text(`{"role":"assistant","content":"persona is ready"}`)
	waitFor(t, "transcript", func() bool { return h.session.Snapshot().Utterances == 1 })
	h.settle(t)
	if n := h.clock.Pending(); n != 2 {
		t.Fatalf("pending timers = %d, want keep-alive and settle", n)
	}

	h.session.End()
	h.session.End()

	select {
	case <-h.session.Done():
	default:
		t.Fatalf("Done() not closed after End")
	}
	if n := h.clock.Pending(); n != 0 {
		t.Fatalf("pending timers after End = %d, want 0", n)
	}
	if !h.stream.isClosed() {
		t.Fatalf("microphone stream still open")
	}
	if got := h.session.Snapshot().Connection; got != "closed" {
		t.Fatalf("connection = %s, want closed", got)
	}
	if _, err := h.session.ToggleSleep(); !errors.Is(err, ErrEnded) {
		t.Fatalf("ToggleSleep() after End error = %v, want ErrEnded", err)
	}
	if err := h.session.Start(context.Background()); !errors.Is(err, ErrEnded) {
		t.Fatalf("Start() after End error = %v, want ErrEnded", err)
	}
	h.clock.Advance(time.Hour)
	if n := h.rec.seedCount(); n != 0 {
		t.Fatalf("seed delivered after End")
	}
}

func TestStartSurfacesMicrophoneErrors(t *testing.T) {
	h := newHarness(t)
	h.session = New(Config{ID: "sess-2"}, Callbacks{}, Deps{
		Credentials: fakeCreds{},
		Dialer:      h.dialer,
		Microphone:  &fakeMic{err: fmt.Errorf("%w: user refused", capture.ErrPermissionDenied)},
		Speaker:     h.sink,
		Clock:       h.clock,
		Logger:      zerolog.Nop(),
	})
	t.Cleanup(h.session.End)

	err := h.session.Start(context.Background())
	if !errors.Is(err, capture.ErrPermissionDenied) {
		t.Fatalf("Start() error = %v, want ErrPermissionDenied", err)
	}
	if h.dialer.count() != 0 {
		t.Fatalf("dials = %d, want 0", h.dialer.count())
	}
}

func TestConnectionChangesReachCallback(t *testing.T) {
	h := newHarness(t)
	h.started(t)
	h.settle(t)

	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	if len(h.rec.conns) < 2 {
		t.Fatalf("connection infos = %d, want connecting and open", len(h.rec.conns))
	}
	if h.rec.conns[0].State != transport.StateConnecting || h.rec.conns[1].State != transport.StateOpen {
		t.Fatalf("connection states = %v, %v", h.rec.conns[0].State, h.rec.conns[1].State)
	}
	if len(h.rec.events) != 1 || h.rec.events[0].Type != protocol.TypeSettingsApplied {
		t.Fatalf("diagnostic events = %+v, want SettingsApplied", h.rec.events)
	}
}
