package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies agent control/telemetry payload variants.
type MessageType string

const (
	TypeWelcome              MessageType = "Welcome"
	TypeSettingsApplied      MessageType = "SettingsApplied"
	TypeUserStartedSpeaking  MessageType = "UserStartedSpeaking"
	TypeAgentThinking        MessageType = "AgentThinking"
	TypeAgentStartedSpeaking MessageType = "AgentStartedSpeaking"
	TypeAgentAudioDone       MessageType = "AgentAudioDone"
	TypeConversationText     MessageType = "ConversationText"
	TypeError                MessageType = "Error"
	TypeWarning              MessageType = "Warning"
	TypeKeepAlive            MessageType = "KeepAlive"
	TypeSettings             MessageType = "Settings"
)

// Role tags the speaker of a conversational text payload.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ErrEventParse marks inbound text frames that could not be decoded.
var ErrEventParse = errors.New("event parse failed")

type envelope struct {
	Type MessageType `json:"type"`
	Role Role        `json:"role"`
}

// Utterance is a role-bearing payload: one line of the conversation.
type Utterance struct {
	Type    MessageType `json:"type,omitempty"`
	Role    Role        `json:"role"`
	Content string      `json:"content"`
}

// Latency carries the optional timing fields the agent attaches to control
// events. Values are seconds; a nil field was absent on the wire.
type Latency struct {
	TTS   *float64 `json:"tts_latency,omitempty"`
	TTT   *float64 `json:"ttt_latency,omitempty"`
	Total *float64 `json:"total_latency,omitempty"`
}

func (l Latency) Empty() bool {
	return l.TTS == nil && l.TTT == nil && l.Total == nil
}

// ControlEvent is a type-bearing payload.
type ControlEvent struct {
	Type        MessageType     `json:"type"`
	Latency     Latency         `json:"latency"`
	Description string          `json:"description,omitempty"`
	Code        string          `json:"code,omitempty"`
	RequestID   string          `json:"request_id,omitempty"`
	Raw         json.RawMessage `json:"raw,omitempty"`
}

type controlWire struct {
	Type        MessageType `json:"type"`
	Description string      `json:"description"`
	Message     string      `json:"message"`
	Code        string      `json:"code"`
	RequestID   string      `json:"request_id"`
	Latency
}

// ParseAgentMessage decodes a text frame from the agent. Payloads with a role
// field decode to Utterance, payloads with a type field to ControlEvent.
func ParseAgentMessage(raw []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: invalid envelope: %v", ErrEventParse, err)
	}

	if env.Role != "" {
		var msg Utterance
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEventParse, err)
		}
		switch msg.Role {
		case RoleUser, RoleAssistant:
		default:
			return nil, fmt.Errorf("%w: unknown role %q", ErrEventParse, msg.Role)
		}
		return msg, nil
	}

	if strings.TrimSpace(string(env.Type)) == "" {
		return nil, fmt.Errorf("%w: payload has neither role nor type", ErrEventParse)
	}

	var wire controlWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEventParse, err)
	}
	desc := wire.Description
	if desc == "" {
		desc = wire.Message
	}
	return ControlEvent{
		Type:        wire.Type,
		Latency:     wire.Latency,
		Description: desc,
		Code:        wire.Code,
		RequestID:   wire.RequestID,
		Raw:         append(json.RawMessage(nil), raw...),
	}, nil
}
