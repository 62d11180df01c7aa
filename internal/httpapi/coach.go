package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/pitchcoach/internal/capture"
	"github.com/ent0n29/pitchcoach/internal/conversation"
	"github.com/ent0n29/pitchcoach/internal/memory"
	"github.com/ent0n29/pitchcoach/internal/protocol"
	"github.com/ent0n29/pitchcoach/internal/session"
	"github.com/ent0n29/pitchcoach/internal/transport"
	"github.com/ent0n29/pitchcoach/internal/trigger"
	"github.com/ent0n29/pitchcoach/internal/voice"
)

const transcriptLimit = 500

type sessionView struct {
	Session *session.Session `json:"session"`
	Call    *voice.Snapshot  `json:"call,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = "anonymous"
	}

	sess, previous := s.sessions.Create(req.UserID)
	if previous != nil {
		previous.End()
		if c, ok := previous.(Call); ok {
			s.closeHub(c.Snapshot().ID)
		}
	}
	h := newHub(func() { s.metrics.ObserveDrop("events", "subscriber_full") })
	s.mu.Lock()
	s.hubs[sess.ID] = h
	s.mu.Unlock()

	call, err := s.engine.NewCall(sess.ID, sess.UserID, s.callbacks(sess.ID, h))
	if err != nil {
		s.abandon(sess.ID)
		respondError(w, http.StatusInternalServerError, "call_init_failed", err.Error())
		return
	}
	if err := s.sessions.Attach(sess.ID, call); err != nil {
		call.End()
		s.closeHub(sess.ID)
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if err := call.Start(r.Context()); err != nil {
		s.abandon(sess.ID)
		switch {
		case errors.Is(err, capture.ErrPermissionDenied):
			respondError(w, http.StatusForbidden, "microphone_permission_denied", err.Error())
		case errors.Is(err, capture.ErrDeviceUnavailable):
			respondError(w, http.StatusServiceUnavailable, "microphone_unavailable", err.Error())
		default:
			respondError(w, http.StatusInternalServerError, "call_start_failed", err.Error())
		}
		return
	}

	s.metrics.ObserveSessionEvent("created")
	s.metrics.SetActiveSessions(s.sessions.ActiveCount())
	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       sess.ID,
		UserID:          sess.UserID,
		Status:          sess.Status,
		StartedAt:       sess.StartedAt,
		LastActivityAt:  sess.LastActivityAt,
		InactivityTTLMS: s.cfg.SessionInactivityTimeout.Milliseconds(),
	})
}

// abandon ends a session whose call never got going.
func (s *Server) abandon(id string) {
	if _, call, err := s.sessions.End(id); err == nil && call != nil {
		call.End()
	}
	s.closeHub(id)
}

// callbacks bridge a call's loop events into the registry and event feed.
// They run on the call's event loop, one at a time.
func (s *Server) callbacks(id string, h *hub) voice.Callbacks {
	last := conversation.StatusIdle
	interrupted := func() {
		if last == conversation.StatusSpeaking {
			_ = s.sessions.Interrupt(id)
		}
	}
	now := func() time.Time { return time.Now().UTC() }
	return voice.Callbacks{
		OnStatusChange: func(st conversation.Status) {
			last = st
			_ = s.sessions.SetConversationStatus(id, string(st))
			h.publish(Event{Type: EventStatus, SessionID: id, At: now(), Status: st})
		},
		OnUtterance: func(u conversation.Utterance) {
			if u.Role == conversation.RoleUser {
				interrupted()
			}
			_ = s.sessions.Touch(id)
			h.publish(Event{Type: EventUtterance, SessionID: id, At: now(), Utterance: &u})
		},
		OnPersonaSeedReady: func(seed trigger.PersonaSeed) {
			_ = s.sessions.MarkPersonaSeedReady(id)
			h.publish(Event{Type: EventPersonaSeed, SessionID: id, At: now(), PersonaSeed: &seed})
		},
		OnDiagnosticEvent: func(ev protocol.ControlEvent) {
			if ev.Type == protocol.TypeUserStartedSpeaking {
				interrupted()
			}
			h.publish(Event{Type: EventDiagnostic, SessionID: id, At: now(), Diagnostic: &ev})
		},
		OnConnectionChange: func(info transport.Info) {
			h.publish(Event{Type: EventConnection, SessionID: id, At: now(), Connection: connectionEvent(info)})
		},
	}
}

func (s *Server) liveCall(w http.ResponseWriter, r *http.Request) (string, Call, bool) {
	id := chi.URLParam(r, "id")
	c, err := s.sessions.Call(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return id, nil, false
	}
	call, ok := c.(Call)
	if !ok {
		respondError(w, http.StatusNotFound, "session_not_found", "session has no live call")
		return id, nil, false
	}
	return id, call, true
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.sessions.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	view := sessionView{Session: sess}
	if c, err := s.sessions.Call(id); err == nil {
		if call, ok := c.(Call); ok {
			snap := call.Snapshot()
			view.Call = &snap
		}
	}
	respondJSON(w, http.StatusOK, view)
}

func (s *Server) handleToggleSleep(w http.ResponseWriter, r *http.Request) {
	id, call, ok := s.liveCall(w, r)
	if !ok {
		return
	}
	status, err := call.ToggleSleep()
	if err != nil {
		respondError(w, http.StatusConflict, "session_ended", err.Error())
		return
	}
	_ = s.sessions.Touch(id)
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"status":     status,
	})
}

func (s *Server) handleClearRateLimit(w http.ResponseWriter, r *http.Request) {
	_, call, ok := s.liveCall(w, r)
	if !ok {
		return
	}
	call.ClearRateLimit()
	respondJSON(w, http.StatusOK, call.Snapshot())
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, call, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if call != nil {
		call.End()
	}
	if h := s.hub(id); h != nil {
		h.publish(Event{Type: EventEnded, SessionID: id, At: time.Now().UTC()})
	}
	s.closeHub(id)
	s.metrics.ObserveSessionEvent("end_requested")
	s.metrics.SetActiveSessions(s.sessions.ActiveCount())
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if c, err := s.sessions.Call(id); err == nil {
		if call, ok := c.(Call); ok {
			respondJSON(w, http.StatusOK, map[string]any{
				"session_id": id,
				"source":     "live",
				"utterances": call.Transcript(),
			})
			return
		}
	}
	if s.store == nil {
		respondError(w, http.StatusNotFound, "session_not_found", "no live session and no store")
		return
	}
	records, err := s.store.SessionTranscript(r.Context(), id, transcriptLimit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if len(records) == 0 {
		if _, err := s.sessions.Get(id); err != nil {
			respondError(w, http.StatusNotFound, "session_not_found", err.Error())
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"source":     "store",
		"utterances": records,
	})
}

func (s *Server) handlePersonaSeed(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.store == nil {
		respondError(w, http.StatusNotFound, "persona_seed_not_found", "no store configured")
		return
	}
	rec, err := s.store.PersonaSeed(r.Context(), id)
	if errors.Is(err, memory.ErrNotFound) {
		respondError(w, http.StatusNotFound, "persona_seed_not_found", err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleSpectrum(w http.ResponseWriter, r *http.Request) {
	id, call, ok := s.liveCall(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"bands":      call.Spectrum(),
	})
}
