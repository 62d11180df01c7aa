package voice

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/pitchcoach/internal/conversation"
	"github.com/ent0n29/pitchcoach/internal/memory"
	"github.com/ent0n29/pitchcoach/internal/observability"
	"github.com/ent0n29/pitchcoach/internal/policy"
	"github.com/ent0n29/pitchcoach/internal/trigger"
)

const (
	persistQueue   = 128
	persistTimeout = 5 * time.Second
)

// persister writes redacted records off the event loop, in order.
type persister struct {
	store     memory.Store
	sessionID string
	userID    string
	logger    zerolog.Logger
	metrics   *observability.Metrics

	jobs chan func(context.Context) error
	done chan struct{}
}

func newPersister(store memory.Store, sessionID, userID string, logger zerolog.Logger, metrics *observability.Metrics) *persister {
	p := &persister{
		store:     store,
		sessionID: sessionID,
		userID:    userID,
		logger:    logger.With().Str("component", "persist").Logger(),
		metrics:   metrics,
		jobs:      make(chan func(context.Context) error, persistQueue),
		done:      make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *persister) utterance(u conversation.Utterance) {
	content, redacted := policy.RedactPII(u.Content)
	rec := memory.UtteranceRecord{
		UserID:      p.userID,
		SessionID:   p.sessionID,
		Role:        string(u.Role),
		Content:     content,
		PIIRedacted: redacted,
		CreatedAt:   u.Timestamp.UTC(),
	}
	p.enqueue(func(ctx context.Context) error { return p.store.SaveUtterance(ctx, rec) })
}

func (p *persister) personaSeed(seed trigger.PersonaSeed) {
	product, r1 := policy.RedactPII(seed.ProductService)
	history, r2 := policy.RedactAll(seed.ConversationHistory)
	rec := memory.PersonaSeedRecord{
		UserID:              p.userID,
		SessionID:           p.sessionID,
		ProductService:      product,
		TargetMarket:        seed.TargetMarket,
		ConversationHistory: history,
		PIIRedacted:         r1 || r2,
	}
	p.enqueue(func(ctx context.Context) error { return p.store.SavePersonaSeed(ctx, rec) })
}

func (p *persister) enqueue(job func(context.Context) error) {
	select {
	case p.jobs <- job:
	default:
		p.metrics.ObserveDrop("persist", "queue_full")
		p.logger.Warn().Msg("persistence queue full, dropping record")
	}
}

func (p *persister) run() {
	defer close(p.done)
	for job := range p.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		if err := job(ctx); err != nil {
			p.metrics.ObserveError("persist_failed")
			p.logger.Warn().Err(err).Msg("persisting session record")
		}
		cancel()
	}
}

// close drains queued writes.
func (p *persister) close() {
	close(p.jobs)
	<-p.done
}
