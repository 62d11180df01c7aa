// Package trigger watches the conversation for the agent's completion phrase
// and hands a persona seed to the persona generator once per session.
package trigger

import (
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/pitchcoach/internal/clock"
)

const (
	DefaultPhrase       = "I have everything I need to build your buyer persona"
	DefaultSettleDelay  = 2 * time.Second
	DefaultTargetMarket = "General"

	minProductServiceLen = 6
)

type PersonaSeed struct {
	ProductService      string   `json:"productService"`
	TargetMarket        string   `json:"targetMarket"`
	ConversationHistory []string `json:"conversationHistory"`
}

type Config struct {
	Phrase              string
	SettleDelay         time.Duration
	DefaultTargetMarket string
}

// Watcher must be driven from a single goroutine. The settle timer fires on
// the clock's goroutine and re-enters through post.
type Watcher struct {
	cfg     Config
	clk     clock.Clock
	post    func(func())
	onReady func(PersonaSeed)
	logger  zerolog.Logger

	history        []string
	productService string
	fired          bool
	timer          clock.Timer
	stopped        bool
}

func NewWatcher(cfg Config, clk clock.Clock, post func(func()), onReady func(PersonaSeed), logger zerolog.Logger) *Watcher {
	if strings.TrimSpace(cfg.Phrase) == "" {
		cfg.Phrase = DefaultPhrase
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	if strings.TrimSpace(cfg.DefaultTargetMarket) == "" {
		cfg.DefaultTargetMarket = DefaultTargetMarket
	}
	if clk == nil {
		clk = clock.Real()
	}
	if post == nil {
		post = func(fn func()) { fn() }
	}
	return &Watcher{
		cfg:     cfg,
		clk:     clk,
		post:    post,
		onReady: onReady,
		logger:  logger.With().Str("component", "trigger").Logger(),
	}
}

// ObserveUser records a user utterance. The first one longer than six
// characters after trimming becomes the product/service candidate.
func (w *Watcher) ObserveUser(content string) {
	w.history = append(w.history, content)
	if w.productService == "" && len(strings.TrimSpace(content)) > minProductServiceLen {
		w.productService = content
		w.logger.Debug().Str("product_service", content).Msg("captured product/service")
	}
}

// ObserveAssistant arms the settle timer on the first utterance containing
// the completion phrase.
func (w *Watcher) ObserveAssistant(content string) {
	if w.fired || w.stopped || !strings.Contains(content, w.cfg.Phrase) {
		return
	}
	w.fired = true
	w.logger.Info().Dur("settle", w.cfg.SettleDelay).Msg("completion phrase detected")
	w.timer = w.clk.AfterFunc(w.cfg.SettleDelay, func() {
		w.post(w.emit)
	})
}

func (w *Watcher) ProductService() string { return w.productService }

func (w *Watcher) Fired() bool { return w.fired }

// Stop cancels a pending settle timer. The seed is never delivered after Stop.
func (w *Watcher) Stop() {
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

func (w *Watcher) emit() {
	if w.stopped {
		return
	}
	w.timer = nil
	seed := PersonaSeed{
		ProductService:      w.productService,
		TargetMarket:        w.cfg.DefaultTargetMarket,
		ConversationHistory: append([]string(nil), w.history...),
	}
	w.logger.Info().Int("history", len(seed.ConversationHistory)).Msg("persona seed ready")
	if w.onReady != nil {
		w.onReady(seed)
	}
}
