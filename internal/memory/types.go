package memory

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("record not found")

// UtteranceRecord stores one transcript line of a coaching session.
type UtteranceRecord struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	SessionID   string    `json:"session_id"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	PIIRedacted bool      `json:"pii_redacted"`
	CreatedAt   time.Time `json:"created_at"`
}

// PersonaSeedRecord stores the seed handed to persona generation.
type PersonaSeedRecord struct {
	ID                  string    `json:"id"`
	UserID              string    `json:"user_id"`
	SessionID           string    `json:"session_id"`
	ProductService      string    `json:"product_service"`
	TargetMarket        string    `json:"target_market"`
	ConversationHistory []string  `json:"conversation_history"`
	PIIRedacted         bool      `json:"pii_redacted"`
	CreatedAt           time.Time `json:"created_at"`
}

// Store persists session transcripts and persona seeds.
type Store interface {
	SaveUtterance(ctx context.Context, record UtteranceRecord) error
	SavePersonaSeed(ctx context.Context, record PersonaSeedRecord) error
	SessionTranscript(ctx context.Context, sessionID string, limit int) ([]UtteranceRecord, error)
	PersonaSeed(ctx context.Context, sessionID string) (PersonaSeedRecord, error)
	Mode() string
	Close() error
}
