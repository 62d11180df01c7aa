package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/pitchcoach/internal/conversation"
	"github.com/ent0n29/pitchcoach/internal/protocol"
	"github.com/ent0n29/pitchcoach/internal/transport"
	"github.com/ent0n29/pitchcoach/internal/trigger"
)

const subscriberQueue = 64

type EventType string

const (
	EventStatus      EventType = "status"
	EventUtterance   EventType = "utterance"
	EventPersonaSeed EventType = "persona_seed"
	EventDiagnostic  EventType = "diagnostic"
	EventConnection  EventType = "connection"
	EventEnded       EventType = "ended"
)

// Event is one message on a session's websocket feed.
type Event struct {
	Type        EventType               `json:"type"`
	SessionID   string                  `json:"session_id"`
	At          time.Time               `json:"at"`
	Status      conversation.Status     `json:"status,omitempty"`
	Utterance   *conversation.Utterance `json:"utterance,omitempty"`
	PersonaSeed *trigger.PersonaSeed    `json:"persona_seed,omitempty"`
	Diagnostic  *protocol.ControlEvent  `json:"diagnostic,omitempty"`
	Connection  *ConnectionEvent        `json:"connection,omitempty"`
}

type ConnectionEvent struct {
	State       string `json:"state"`
	RateLimited bool   `json:"rate_limited"`
	Retrying    bool   `json:"retrying"`
	Error       string `json:"error,omitempty"`
}

func connectionEvent(info transport.Info) *ConnectionEvent {
	ev := &ConnectionEvent{
		State:       info.State.String(),
		RateLimited: info.RateLimited,
		Retrying:    info.Retrying,
	}
	if info.Err != nil {
		ev.Error = info.Err.Error()
	}
	return ev
}

// hub fans call events out to websocket subscribers. publish never blocks;
// a subscriber that falls behind loses events.
type hub struct {
	mu     sync.Mutex
	subs   map[chan Event]struct{}
	closed bool
	onDrop func()
}

func newHub(onDrop func()) *hub {
	return &hub{subs: make(map[chan Event]struct{}), onDrop: onDrop}
}

func (h *hub) subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberQueue)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
	}
}

func (h *hub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			if h.onDrop != nil {
				h.onDrop()
			}
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	h := s.hub(id)
	if h == nil {
		respondError(w, http.StatusNotFound, "session_not_found", "no live session with that id")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	events, unsubscribe := h.subscribe()
	defer unsubscribe()
	s.metrics.ObserveSessionEvent("ws_connected")
	defer s.metrics.ObserveSessionEvent("ws_disconnected")

	// The read side only services control frames and notices the client
	// going away.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		conn.SetReadLimit(4 << 10)
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		conn.SetPongHandler(func(string) error {
			_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-readerDone:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
					time.Now().Add(time.Second))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				s.metrics.ObserveError("ws_write_failed")
				return
			}
		}
	}
}
