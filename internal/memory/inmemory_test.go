package memory

import (
	"context"
	"errors"
	"testing"
)

func TestInMemoryTranscriptKeepsOrderAndLimit(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	for _, content := range []string{"one", "two", "three"} {
		if err := s.SaveUtterance(ctx, UtteranceRecord{SessionID: "s1", Role: "user", Content: content}); err != nil {
			t.Fatalf("SaveUtterance() error = %v", err)
		}
	}
	_ = s.SaveUtterance(ctx, UtteranceRecord{SessionID: "s2", Role: "user", Content: "other"})

	got, err := s.SessionTranscript(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("SessionTranscript() error = %v", err)
	}
	if len(got) != 2 || got[0].Content != "two" || got[1].Content != "three" {
		t.Fatalf("SessionTranscript() = %+v, want [two three]", got)
	}
	if got[0].ID == "" || got[0].CreatedAt.IsZero() {
		t.Fatalf("record defaults not filled: %+v", got[0])
	}
}

func TestInMemoryPersonaSeed(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	if _, err := s.PersonaSeed(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("PersonaSeed() error = %v, want ErrNotFound", err)
	}

	history := []string{"I sell eco-friendly packaging for restaurants"}
	if err := s.SavePersonaSeed(ctx, PersonaSeedRecord{SessionID: "s1", ProductService: history[0], TargetMarket: "General", ConversationHistory: history}); err != nil {
		t.Fatalf("SavePersonaSeed() error = %v", err)
	}
	history[0] = "mutated"

	got, err := s.PersonaSeed(ctx, "s1")
	if err != nil {
		t.Fatalf("PersonaSeed() error = %v", err)
	}
	if got.ConversationHistory[0] != "I sell eco-friendly packaging for restaurants" {
		t.Fatalf("ConversationHistory = %v, want stored copy", got.ConversationHistory)
	}
	if s.Mode() != "in-memory" {
		t.Fatalf("Mode() = %q, want in-memory", s.Mode())
	}
}
