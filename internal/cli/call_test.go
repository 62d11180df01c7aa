package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/ent0n29/pitchcoach/internal/conversation"
	"github.com/ent0n29/pitchcoach/internal/transport"
	"github.com/ent0n29/pitchcoach/internal/trigger"
)

func TestPrinterRendersCallEvents(t *testing.T) {
	var out bytes.Buffer
	cb := printer(&out)

	cb.OnStatusChange(conversation.StatusListening)
	cb.OnUtterance(conversation.Utterance{Role: conversation.RoleAssistant, Content: "What do you sell?"})
	cb.OnUtterance(conversation.Utterance{Role: conversation.RoleUser, Content: "Payroll software"})
	cb.OnPersonaSeedReady(trigger.PersonaSeed{ProductService: "Payroll software", TargetMarket: "General", ConversationHistory: []string{"a", "b"}})
	cb.OnConnectionChange(transport.Info{State: transport.StateClosed, RateLimited: true})
	cb.OnConnectionChange(transport.Info{State: transport.StateClosed, Retrying: true, Err: errors.New("eof")})

	got := out.String()
	for _, want := range []string{
		"[listening]",
		" coach: What do you sell?",
		"   you: Payroll software",
		`Persona seed ready: "Payroll software" for General (2 lines of context)`,
		"rate limited",
		"still trying",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("output missing %q:\n%s", want, got)
		}
	}
}

func TestRootCmdRegistersCommands(t *testing.T) {
	root := NewRootCmd(&Dependencies{})
	for _, name := range []string{"serve", "call"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Fatalf("Find(%q) = %v, %v", name, cmd, err)
		}
	}
}

func TestReadLinesStopsWhenContextEnds(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	ctx, cancel := context.WithCancel(context.Background())
	lines := readLines(ctx, pr)

	if _, err := pw.Write([]byte("unread\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	cancel()

	// Nobody receives, so the reader has to give up on the pending line.
	time.Sleep(50 * time.Millisecond)
	select {
	case line, ok := <-lines:
		if ok {
			t.Fatalf("received %q after cancel, want closed channel", line)
		}
	case <-time.After(time.Second):
		t.Fatalf("reader goroutine still running after cancel")
	}
}

func TestReadLinesDeliversInOrder(t *testing.T) {
	lines := readLines(context.Background(), strings.NewReader("a\nq\n"))
	var got []string
	for line := range lines {
		got = append(got, line)
	}
	if strings.Join(got, ",") != "a,q" {
		t.Fatalf("lines = %v, want [a q]", got)
	}
}
