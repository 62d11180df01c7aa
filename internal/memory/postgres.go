package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists transcripts and persona seeds in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS coach_utterances (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			pii_redacted BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_coach_utterances_session_created ON coach_utterances (session_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS coach_persona_seeds (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL UNIQUE,
			product_service TEXT NOT NULL,
			target_market TEXT NOT NULL,
			conversation_history TEXT[] NOT NULL,
			pii_redacted BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveUtterance(ctx context.Context, record UtteranceRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO coach_utterances (id, user_id, session_id, role, content, pii_redacted, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		record.ID,
		record.UserID,
		record.SessionID,
		record.Role,
		record.Content,
		record.PIIRedacted,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save utterance: %w", err)
	}
	return nil
}

func (s *PostgresStore) SavePersonaSeed(ctx context.Context, record PersonaSeedRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	history := record.ConversationHistory
	if history == nil {
		history = []string{}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO coach_persona_seeds (id, user_id, session_id, product_service, target_market, conversation_history, pii_redacted, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (session_id) DO NOTHING`,
		record.ID,
		record.UserID,
		record.SessionID,
		record.ProductService,
		record.TargetMarket,
		history,
		record.PIIRedacted,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save persona seed: %w", err)
	}
	return nil
}

func (s *PostgresStore) SessionTranscript(ctx context.Context, sessionID string, limit int) ([]UtteranceRecord, error) {
	if limit <= 0 {
		limit = 200
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, session_id, role, content, pii_redacted, created_at
		 FROM coach_utterances WHERE session_id=$1 ORDER BY created_at DESC LIMIT $2`,
		sessionID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	defer rows.Close()

	items := make([]UtteranceRecord, 0, limit)
	for rows.Next() {
		var r UtteranceRecord
		if err := rows.Scan(&r.ID, &r.UserID, &r.SessionID, &r.Role, &r.Content, &r.PIIRedacted, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transcript row: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transcript rows: %w", err)
	}

	// Newest-first from the query; callers want chronological order.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}

	return items, nil
}

func (s *PostgresStore) PersonaSeed(ctx context.Context, sessionID string) (PersonaSeedRecord, error) {
	var r PersonaSeedRecord
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, session_id, product_service, target_market, conversation_history, pii_redacted, created_at
		 FROM coach_persona_seeds WHERE session_id=$1`,
		sessionID,
	).Scan(&r.ID, &r.UserID, &r.SessionID, &r.ProductService, &r.TargetMarket, &r.ConversationHistory, &r.PIIRedacted, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return PersonaSeedRecord{}, ErrNotFound
	}
	if err != nil {
		return PersonaSeedRecord{}, fmt.Errorf("query persona seed: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) Mode() string { return "postgres" }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
