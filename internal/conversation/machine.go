// Package conversation tracks the bot's conversational status and the
// session transcript.
package conversation

import (
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Status string

const (
	StatusIdle      Status = "idle"
	StatusListening Status = "listening"
	StatusThinking  Status = "thinking"
	StatusSpeaking  Status = "speaking"
	StatusSleeping  Status = "sleeping"
)

// Machine is the single writer of the conversation status. Transitions are
// expected to run on one goroutine; Status may be read from any goroutine.
type Machine struct {
	status   atomic.Value
	onChange func(from, to Status)
	logger   zerolog.Logger
}

func NewMachine(onChange func(from, to Status), logger zerolog.Logger) *Machine {
	m := &Machine{
		onChange: onChange,
		logger:   logger.With().Str("component", "conversation").Logger(),
	}
	m.status.Store(StatusIdle)
	return m
}

func (m *Machine) Status() Status { return m.status.Load().(Status) }

func (m *Machine) Sleeping() bool { return m.Status() == StatusSleeping }

// SettingsApplied marks the agent ready to listen. It applies from any
// status, sleeping included.
func (m *Machine) SettingsApplied() bool {
	return m.set(StatusListening)
}

// UserStartedSpeaking moves to listening. The caller must cancel playback
// first when the previous status was speaking.
func (m *Machine) UserStartedSpeaking() bool {
	if m.Sleeping() {
		return false
	}
	return m.set(StatusListening)
}

func (m *Machine) AgentThinking() bool {
	if m.Sleeping() {
		return false
	}
	return m.set(StatusThinking)
}

func (m *Machine) AgentStartedSpeaking() bool {
	if m.Sleeping() {
		return false
	}
	return m.set(StatusSpeaking)
}

// AgentAudioDone ends the agent's turn from any status, sleeping included.
func (m *Machine) AgentAudioDone() bool {
	return m.set(StatusListening)
}

// ToggleSleep flips between sleeping and listening. Sleep is entered only
// from listening or speaking; other states ignore the request.
func (m *Machine) ToggleSleep() bool {
	switch m.Status() {
	case StatusSleeping:
		return m.set(StatusListening)
	case StatusListening, StatusSpeaking:
		return m.set(StatusSleeping)
	default:
		m.logger.Debug().Str("status", string(m.Status())).Msg("sleep toggle ignored")
		return false
	}
}

func (m *Machine) set(to Status) bool {
	from := m.Status()
	if from == to {
		return false
	}
	m.status.Store(to)
	m.logger.Debug().Str("from", string(from)).Str("to", string(to)).Msg("status transition")
	if m.onChange != nil {
		m.onChange(from, to)
	}
	return true
}
