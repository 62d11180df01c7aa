package conversation

import (
	"sync"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Utterance struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Transcript is the append-only canonical record of a session.
type Transcript struct {
	mu       sync.RWMutex
	items    []Utterance
	onAppend func(Utterance)
}

func NewTranscript(onAppend func(Utterance)) *Transcript {
	return &Transcript{onAppend: onAppend}
}

func (t *Transcript) Append(u Utterance) {
	t.mu.Lock()
	t.items = append(t.items, u)
	t.mu.Unlock()
	if t.onAppend != nil {
		t.onAppend(u)
	}
}

func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.items)
}

// Snapshot returns a copy safe to hand to other goroutines.
func (t *Transcript) Snapshot() []Utterance {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Utterance(nil), t.items...)
}
