package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a simple in-process store for local/dev use.
type InMemoryStore struct {
	mu          sync.RWMutex
	utterances  map[string][]UtteranceRecord
	personaSeed map[string]PersonaSeedRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		utterances:  make(map[string][]UtteranceRecord),
		personaSeed: make(map[string]PersonaSeedRecord),
	}
}

func (s *InMemoryStore) SaveUtterance(_ context.Context, record UtteranceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	s.utterances[record.SessionID] = append(s.utterances[record.SessionID], record)
	return nil
}

func (s *InMemoryStore) SavePersonaSeed(_ context.Context, record PersonaSeedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	record.ConversationHistory = append([]string(nil), record.ConversationHistory...)
	s.personaSeed[record.SessionID] = record
	return nil
}

func (s *InMemoryStore) SessionTranscript(_ context.Context, sessionID string, limit int) ([]UtteranceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.utterances[sessionID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]UtteranceRecord, 0, limit)
	for i := len(arr) - limit; i < len(arr); i++ {
		out = append(out, arr[i])
	}
	return out, nil
}

func (s *InMemoryStore) PersonaSeed(_ context.Context, sessionID string) (PersonaSeedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.personaSeed[sessionID]
	if !ok {
		return PersonaSeedRecord{}, ErrNotFound
	}
	rec.ConversationHistory = append([]string(nil), rec.ConversationHistory...)
	return rec, nil
}

func (s *InMemoryStore) Mode() string { return "in-memory" }

func (s *InMemoryStore) Close() error { return nil }
