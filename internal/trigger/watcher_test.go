package trigger

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/pitchcoach/internal/clock"
)

func newTestWatcher(clk clock.Clock, seeds *[]PersonaSeed) *Watcher {
	return NewWatcher(Config{Phrase: "persona is ready", SettleDelay: 2 * time.Second}, clk, nil, func(seed PersonaSeed) {
		*seeds = append(*seeds, seed)
	}, zerolog.Nop())
}

func TestProductServiceCapturedOnce(t *testing.T) {
	var seeds []PersonaSeed
	w := newTestWatcher(clock.NewManual(time.Unix(0, 0)), &seeds)

	w.ObserveUser("hi")
	w.ObserveUser("  yes   ")
	if got := w.ProductService(); got != "" {
		t.Fatalf("ProductService() = %q, want empty for short utterances", got)
	}
	w.ObserveUser("I sell eco-friendly packaging for restaurants")
	w.ObserveUser("ok")
	w.ObserveUser("also consulting for cafes")
	if got, want := w.ProductService(), "I sell eco-friendly packaging for restaurants"; got != want {
		t.Fatalf("ProductService() = %q, want %q", got, want)
	}
}

func TestSeedFiresOnceAfterSettleDelay(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	var seeds []PersonaSeed
	w := newTestWatcher(clk, &seeds)

	w.ObserveUser("I sell eco-friendly packaging for restaurants")
	w.ObserveAssistant("Thanks. Your persona is ready!")
	w.ObserveAssistant("Again, your persona is ready.")

	clk.Advance(1999 * time.Millisecond)
	if len(seeds) != 0 {
		t.Fatalf("seeds before settle delay = %d, want 0", len(seeds))
	}
	w.ObserveUser("great")
	clk.Advance(time.Millisecond)
	if len(seeds) != 1 {
		t.Fatalf("seeds = %d, want 1", len(seeds))
	}

	w.ObserveAssistant("persona is ready")
	clk.Advance(10 * time.Second)
	if len(seeds) != 1 {
		t.Fatalf("seeds after repeated phrase = %d, want 1", len(seeds))
	}

	seed := seeds[0]
	if seed.ProductService != "I sell eco-friendly packaging for restaurants" {
		t.Fatalf("ProductService = %q", seed.ProductService)
	}
	if seed.TargetMarket != DefaultTargetMarket {
		t.Fatalf("TargetMarket = %q, want %q", seed.TargetMarket, DefaultTargetMarket)
	}
	if len(seed.ConversationHistory) != 2 || seed.ConversationHistory[1] != "great" {
		t.Fatalf("ConversationHistory = %v, want both user utterances", seed.ConversationHistory)
	}
}

func TestPhraseMatchIsCaseSensitive(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	var seeds []PersonaSeed
	w := newTestWatcher(clk, &seeds)

	w.ObserveAssistant("PERSONA IS READY")
	if w.Fired() {
		t.Fatalf("Fired() = true for a different-case phrase, want false")
	}
}

func TestStopCancelsPendingSeed(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	var seeds []PersonaSeed
	w := newTestWatcher(clk, &seeds)

	w.ObserveAssistant("persona is ready")
	w.Stop()
	clk.Advance(5 * time.Second)
	if len(seeds) != 0 {
		t.Fatalf("seeds after Stop = %d, want 0", len(seeds))
	}
	if clk.Pending() != 0 {
		t.Fatalf("Pending() = %d, want 0", clk.Pending())
	}
}
