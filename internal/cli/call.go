package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ent0n29/pitchcoach/internal/app"
	"github.com/ent0n29/pitchcoach/internal/capture"
	"github.com/ent0n29/pitchcoach/internal/conversation"
	"github.com/ent0n29/pitchcoach/internal/memory"
	"github.com/ent0n29/pitchcoach/internal/observability"
	"github.com/ent0n29/pitchcoach/internal/protocol"
	"github.com/ent0n29/pitchcoach/internal/transport"
	"github.com/ent0n29/pitchcoach/internal/trigger"
	"github.com/ent0n29/pitchcoach/internal/voice"
)

func NewCallCmd(deps *Dependencies) *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "call",
		Short: "Talk to the coach from this terminal",
		Long:  "Start one coaching call on the default microphone and speaker.\nPress Enter to toggle sleep, type q or press Ctrl+C to hang up.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCall(cmd.Context(), deps, userID, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&userID, "user", "u", "local", "User id recorded with the transcript")
	return cmd
}

func runCall(ctx context.Context, deps *Dependencies, userID string, in io.Reader, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := deps.Logger
	devices, closeDevices, err := openDevices(logger)
	if err != nil {
		return err
	}
	defer closeDevices()

	store, err := memory.NewStore(ctx, deps.Config.DatabaseURL)
	if err != nil {
		return fmt.Errorf("memory store init failed: %w", err)
	}
	defer store.Close()

	metrics := observability.NewMetrics(deps.Config.MetricsNamespace)
	engine := app.NewEngine(deps.Config, devices, store, logger, metrics)
	call, err := engine.Open(uuid.NewString(), userID, printer(out))
	if err != nil {
		return err
	}
	defer call.End()

	if err := call.Start(ctx); err != nil {
		if errors.Is(err, capture.ErrPermissionDenied) {
			return fmt.Errorf("microphone access was denied; allow it in your system settings and retry: %w", err)
		}
		return err
	}
	fmt.Fprintln(out, "Connecting to your coach. Enter toggles sleep, q hangs up.")

	lines := readLines(ctx, in)
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(out, "Hanging up.")
			return nil
		case <-call.Done():
			return nil
		case line, ok := <-lines:
			if !ok || strings.EqualFold(strings.TrimSpace(line), "q") {
				fmt.Fprintln(out, "Hanging up.")
				return nil
			}
			if _, err := call.ToggleSleep(); err != nil {
				return err
			}
		}
	}
}

// readLines streams lines from in until it is exhausted or ctx ends. A read
// already blocked on in stays blocked until in yields or closes.
func readLines(ctx context.Context, in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}

// printer renders call events to the terminal. It runs on the call's event
// loop, so it only writes.
func printer(out io.Writer) voice.Callbacks {
	return voice.Callbacks{
		OnStatusChange: func(st conversation.Status) {
			fmt.Fprintf(out, "[%s]\n", st)
		},
		OnUtterance: func(u conversation.Utterance) {
			who := "you"
			if u.Role == conversation.RoleAssistant {
				who = "coach"
			}
			fmt.Fprintf(out, "%6s: %s\n", who, u.Content)
		},
		OnPersonaSeedReady: func(seed trigger.PersonaSeed) {
			fmt.Fprintf(out, "Persona seed ready: %q for %s (%d lines of context)\n",
				seed.ProductService, seed.TargetMarket, len(seed.ConversationHistory))
		},
		OnDiagnosticEvent: func(ev protocol.ControlEvent) {
			if ev.Type == protocol.TypeError || ev.Type == protocol.TypeWarning {
				fmt.Fprintf(out, "agent %s: %s\n", strings.ToLower(string(ev.Type)), ev.Description)
			}
		},
		OnConnectionChange: func(info transport.Info) {
			switch {
			case info.RateLimited:
				fmt.Fprintln(out, "The coach is busy right now (rate limited). Try again in a minute.")
			case info.Retrying:
				fmt.Fprintln(out, "Connection lost, still trying...")
			case info.State == transport.StateClosed && info.Err != nil:
				fmt.Fprintf(out, "Connection closed: %v\n", info.Err)
			}
		},
	}
}
