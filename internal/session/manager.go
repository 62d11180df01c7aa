// Package session keeps the registry of live coaching calls and ends the
// ones that go quiet.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var ErrNotFound = errors.New("session not found")

// Call is the live side of a registered session.
type Call interface {
	End()
}

type Session struct {
	ID                 string    `json:"session_id"`
	UserID             string    `json:"user_id"`
	Status             Status    `json:"status"`
	ConversationStatus string    `json:"conversation_status,omitempty"`
	InterruptionCount  int       `json:"interruption_count"`
	PersonaSeedReady   bool      `json:"persona_seed_ready"`
	StartedAt          time.Time `json:"started_at"`
	LastActivityAt     time.Time `json:"last_activity_at"`
}

type entry struct {
	session *Session
	call    Call
}

type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*entry
	sessionByUser     map[string]string
	inactivityTimeout time.Duration
	retention         time.Duration
	onExpire          func(*Session)
	now               func() time.Time
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*entry),
		sessionByUser:     make(map[string]string),
		inactivityTimeout: inactivityTimeout,
		retention:         30 * time.Minute,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

// SetRetention sets how long ended sessions stay queryable before the
// janitor drops them.
func (m *Manager) SetRetention(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retention = d
}

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Create registers a new session. A user holds at most one active call; the
// previous one is ended and returned so the caller can release it.
func (m *Manager) Create(userID string) (*Session, Call) {
	now := m.now()
	s := &Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		Status:         StatusActive,
		StartedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var previous Call
	if prevID, ok := m.sessionByUser[userID]; ok && userID != "" {
		if prev, ok := m.sessions[prevID]; ok && prev.session.Status == StatusActive {
			prev.session.Status = StatusEnded
			prev.session.LastActivityAt = now
			previous = prev.call
			prev.call = nil
		}
	}
	m.sessions[s.ID] = &entry{session: s}
	if userID != "" {
		m.sessionByUser[userID] = s.ID
	}
	return clone(s), previous
}

// Attach binds the live call to a registered session.
func (m *Manager) Attach(sessionID string, call Call) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	e.call = call
	return nil
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(e.session), nil
}

// Call returns the live call of an active session.
func (m *Manager) Call(sessionID string) (Call, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	if !ok || e.session.Status != StatusActive || e.call == nil {
		return nil, ErrNotFound
	}
	return e.call, nil
}

func (m *Manager) Touch(sessionID string) error {
	return m.update(sessionID, func(s *Session) {})
}

func (m *Manager) SetConversationStatus(sessionID, status string) error {
	return m.update(sessionID, func(s *Session) { s.ConversationStatus = status })
}

func (m *Manager) Interrupt(sessionID string) error {
	return m.update(sessionID, func(s *Session) { s.InterruptionCount++ })
}

func (m *Manager) MarkPersonaSeedReady(sessionID string) error {
	return m.update(sessionID, func(s *Session) { s.PersonaSeedReady = true })
}

func (m *Manager) update(sessionID string, fn func(*Session)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	fn(e.session)
	e.session.LastActivityAt = m.now()
	return nil
}

// End marks the session ended and returns its live call, if any, for the
// caller to tear down outside the registry lock.
func (m *Manager) End(sessionID string) (*Session, Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, nil, ErrNotFound
	}
	call := e.call
	e.call = nil
	e.session.Status = StatusEnded
	e.session.LastActivityAt = m.now()
	if e.session.UserID != "" && m.sessionByUser[e.session.UserID] == sessionID {
		delete(m.sessionByUser, e.session.UserID)
	}
	return clone(e.session), call, nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
				m.pruneEnded()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, e := range m.sessions {
		if e.session.Status == StatusActive {
			count++
		}
	}
	return count
}

// EndAll ends every active session; used on shutdown.
func (m *Manager) EndAll() int {
	m.mu.Lock()
	var calls []Call
	now := m.now()
	for _, e := range m.sessions {
		if e.session.Status != StatusActive {
			continue
		}
		e.session.Status = StatusEnded
		e.session.LastActivityAt = now
		if e.call != nil {
			calls = append(calls, e.call)
			e.call = nil
		}
	}
	m.sessionByUser = make(map[string]string)
	m.mu.Unlock()

	for _, c := range calls {
		c.End()
	}
	return len(calls)
}

func (m *Manager) expireInactive() {
	now := m.now()
	var expired []*Session
	var calls []Call

	m.mu.Lock()
	for _, e := range m.sessions {
		s := e.session
		if s.Status != StatusActive {
			continue
		}
		if now.Sub(s.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		s.Status = StatusEnded
		s.LastActivityAt = now
		expired = append(expired, clone(s))
		if e.call != nil {
			calls = append(calls, e.call)
			e.call = nil
		}
		if s.UserID != "" && m.sessionByUser[s.UserID] == s.ID {
			delete(m.sessionByUser, s.UserID)
		}
	}
	hook := m.onExpire
	m.mu.Unlock()

	for _, c := range calls {
		c.End()
	}
	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

// pruneEnded drops sessions that ended longer than the retention window ago.
func (m *Manager) pruneEnded() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, e := range m.sessions {
		if e.session.Status != StatusEnded || now.Sub(e.session.LastActivityAt) < m.retention {
			continue
		}
		delete(m.sessions, id)
		n++
	}
	return n
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
