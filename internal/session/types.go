package session

import "time"

// CreateRequest defines payload for starting a coaching call.
type CreateRequest struct {
	UserID string `json:"user_id"`
}

// CreateResponse returns created call metadata.
type CreateResponse struct {
	SessionID       string    `json:"session_id"`
	UserID          string    `json:"user_id"`
	Status          Status    `json:"status"`
	StartedAt       time.Time `json:"started_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
}
