// Package dispatch routes inbound agent frames to playback, the conversation
// state machine, the transcript and the trigger watcher.
package dispatch

import (
	"github.com/rs/zerolog"

	"github.com/ent0n29/pitchcoach/internal/clock"
	"github.com/ent0n29/pitchcoach/internal/conversation"
	"github.com/ent0n29/pitchcoach/internal/observability"
	"github.com/ent0n29/pitchcoach/internal/playback"
	"github.com/ent0n29/pitchcoach/internal/protocol"
)

type Player interface {
	Enqueue(frame []byte) (playback.ScheduledSource, error)
	CancelAll() int
}

type Watcher interface {
	ObserveUser(content string)
	ObserveAssistant(content string)
}

type Deps struct {
	Machine    *conversation.Machine
	Transcript *conversation.Transcript
	Player     Player
	Watcher    Watcher
	Clock      clock.Clock
	// OnDiagnostic receives every control/telemetry event.
	OnDiagnostic func(protocol.ControlEvent)
}

// Dispatcher is not safe for concurrent use; frames must be dispatched in
// arrival order from one goroutine.
type Dispatcher struct {
	deps    Deps
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func New(deps Deps, logger zerolog.Logger, metrics *observability.Metrics) *Dispatcher {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	return &Dispatcher{
		deps:    deps,
		logger:  logger.With().Str("component", "dispatch").Logger(),
		metrics: metrics,
	}
}

func (d *Dispatcher) Dispatch(frame protocol.Frame) {
	if frame.Binary {
		d.audio(frame.Data)
		return
	}

	msg, err := protocol.ParseAgentMessage(frame.Data)
	if err != nil {
		d.logger.Warn().Err(err).Int("bytes", len(frame.Data)).Msg("dropping unparseable agent event")
		d.metrics.ObserveError("event_parse_failed")
		d.metrics.ObserveDrop("inbound", "parse_failed")
		return
	}

	switch m := msg.(type) {
	case protocol.Utterance:
		d.utterance(m)
	case protocol.ControlEvent:
		d.control(m)
	}
}

func (d *Dispatcher) audio(data []byte) {
	if d.deps.Machine.Sleeping() {
		d.metrics.ObserveDrop("inbound", "sleeping")
		return
	}
	// Decode failures are logged and counted by the player.
	_, _ = d.deps.Player.Enqueue(data)
}

func (d *Dispatcher) utterance(u protocol.Utterance) {
	d.deps.Transcript.Append(conversation.Utterance{
		Role:      conversation.Role(u.Role),
		Content:   u.Content,
		Timestamp: d.deps.Clock.Now(),
	})

	switch u.Role {
	case protocol.RoleUser:
		if d.deps.Watcher != nil {
			d.deps.Watcher.ObserveUser(u.Content)
		}
		d.userStartedSpeaking()
	case protocol.RoleAssistant:
		if d.deps.Watcher != nil {
			d.deps.Watcher.ObserveAssistant(u.Content)
		}
		d.deps.Machine.AgentStartedSpeaking()
	}
}

func (d *Dispatcher) control(ev protocol.ControlEvent) {
	if d.deps.OnDiagnostic != nil {
		d.deps.OnDiagnostic(ev)
	}
	d.recordLatency(ev.Latency)

	m := d.deps.Machine
	switch ev.Type {
	case protocol.TypeSettingsApplied:
		m.SettingsApplied()
	case protocol.TypeUserStartedSpeaking:
		d.userStartedSpeaking()
	case protocol.TypeAgentThinking:
		m.AgentThinking()
	case protocol.TypeAgentStartedSpeaking:
		m.AgentStartedSpeaking()
	case protocol.TypeAgentAudioDone:
		m.AgentAudioDone()
	case protocol.TypeError:
		d.metrics.ObserveError("agent_error")
		d.logger.Error().Str("code", ev.Code).Str("description", ev.Description).Msg("agent reported error")
	case protocol.TypeWarning:
		d.logger.Warn().Str("code", ev.Code).Str("description", ev.Description).Msg("agent reported warning")
	case protocol.TypeWelcome, protocol.TypeConversationText:
		d.logger.Debug().Str("type", string(ev.Type)).Str("request_id", ev.RequestID).Msg("agent event")
	default:
		d.logger.Debug().Str("type", string(ev.Type)).Msg("ignoring unrecognized agent event")
	}
}

// userStartedSpeaking cancels playback before the status leaves speaking so
// no queued buffer can start under the user's voice.
func (d *Dispatcher) userStartedSpeaking() {
	m := d.deps.Machine
	if m.Status() == conversation.StatusSpeaking {
		if n := d.deps.Player.CancelAll(); n > 0 {
			d.metrics.ObserveIndicator("barge_in")
			d.logger.Debug().Int("sources", n).Msg("user interrupted agent playback")
		}
	}
	m.UserStartedSpeaking()
}

func (d *Dispatcher) recordLatency(l protocol.Latency) {
	if l.Empty() {
		return
	}
	if l.TTS != nil {
		d.metrics.ObserveAgentLatency(observability.StageTTS, *l.TTS)
	}
	if l.TTT != nil {
		d.metrics.ObserveAgentLatency(observability.StageTTT, *l.TTT)
	}
	if l.Total != nil {
		d.metrics.ObserveAgentLatency(observability.StageTotal, *l.Total)
	}
}
