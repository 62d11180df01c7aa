// Package httpapi exposes the local control surface for coaching calls:
// start, sleep toggle, end, status and a websocket feed of call events.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/pitchcoach/internal/config"
	"github.com/ent0n29/pitchcoach/internal/conversation"
	"github.com/ent0n29/pitchcoach/internal/memory"
	"github.com/ent0n29/pitchcoach/internal/observability"
	"github.com/ent0n29/pitchcoach/internal/session"
	"github.com/ent0n29/pitchcoach/internal/voice"
)

// Call is the live coaching call behind a registered session.
type Call interface {
	Start(ctx context.Context) error
	ToggleSleep() (conversation.Status, error)
	ClearRateLimit()
	End()
	Snapshot() voice.Snapshot
	Transcript() []conversation.Utterance
	Spectrum() []float64
}

// Engine builds calls. Callbacks handed to NewCall run on the call's event
// loop.
type Engine interface {
	NewCall(sessionID, userID string, cb voice.Callbacks) (Call, error)
}

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	engine   Engine
	store    memory.Store
	metrics  *observability.Metrics
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	mu   sync.Mutex
	hubs map[string]*hub
}

func New(cfg config.Config, sessions *session.Manager, engine Engine, store memory.Store, metrics *observability.Metrics, logger zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		engine:   engine,
		store:    store,
		metrics:  metrics,
		logger:   logger.With().Str("component", "httpapi").Logger(),
		hubs:     make(map[string]*hub),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may watch a call unless configured otherwise.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Route("/v1/coach/session", func(r chi.Router) {
		r.Post("/", s.handleCreateSession)
		r.Get("/{id}", s.handleGetSession)
		r.Post("/{id}/sleep", s.handleToggleSleep)
		r.Post("/{id}/rate-limit/clear", s.handleClearRateLimit)
		r.Post("/{id}/end", s.handleEndSession)
		r.Get("/{id}/transcript", s.handleTranscript)
		r.Get("/{id}/persona-seed", s.handlePersonaSeed)
		r.Get("/{id}/spectrum", s.handleSpectrum)
		r.Get("/{id}/events", s.handleEvents)
	})
	return r
}

// SessionExpired releases the event feed of a session the janitor ended.
func (s *Server) SessionExpired(sess *session.Session) {
	s.closeHub(sess.ID)
}

// Shutdown ends every live call and closes every event feed.
func (s *Server) Shutdown() {
	n := s.sessions.EndAll()
	s.mu.Lock()
	hubs := s.hubs
	s.hubs = make(map[string]*hub)
	s.mu.Unlock()
	for _, h := range hubs {
		h.close()
	}
	s.metrics.SetActiveSessions(0)
	if n > 0 {
		s.logger.Info().Int("sessions", n).Msg("ended live sessions on shutdown")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	mode := "disabled"
	if s.store != nil {
		mode = s.store.Mode()
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ready",
		"store_mode": mode,
	})
}

// handlePerfLatency reports the rolling agent latency window.
func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.LatencySnapshot())
}

func (s *Server) hub(id string) *hub {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hubs[id]
}

func (s *Server) closeHub(id string) {
	s.mu.Lock()
	h := s.hubs[id]
	delete(s.hubs, id)
	s.mu.Unlock()
	if h != nil {
		h.close()
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
