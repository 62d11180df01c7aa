package protocol

// Audio formats declared to the agent.
const (
	InputEncoding    = "linear16"
	InputSampleRate  = 16000
	OutputEncoding   = "linear16"
	OutputSampleRate = 24000
	OutputContainer  = "none"
	Channels         = 1
)

type Settings struct {
	Type  MessageType   `json:"type"`
	Audio AudioSettings `json:"audio"`
	Agent AgentSettings `json:"agent"`
}

type AudioSettings struct {
	Input  AudioFormat `json:"input"`
	Output AudioFormat `json:"output"`
}

type AudioFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels,omitempty"`
	Container  string `json:"container,omitempty"`
}

type AgentSettings struct {
	Listen   ListenSettings `json:"listen"`
	Think    ThinkSettings  `json:"think"`
	Speak    SpeakSettings  `json:"speak"`
	Greeting string         `json:"greeting,omitempty"`
}

type Provider struct {
	Type  string `json:"type"`
	Model string `json:"model,omitempty"`
}

type ListenSettings struct {
	Provider Provider `json:"provider"`
}

type ThinkSettings struct {
	Provider Provider `json:"provider"`
	Prompt   string   `json:"prompt,omitempty"`
}

type SpeakSettings struct {
	Provider Provider `json:"provider"`
}

// AgentProfile is the deployment-specific part of the settings frame.
type AgentProfile struct {
	Listen   Provider
	Think    Provider
	Speak    Provider
	Prompt   string
	Greeting string
}

// NewSettings builds the first frame sent after the connection opens.
func NewSettings(p AgentProfile) Settings {
	return Settings{
		Type: TypeSettings,
		Audio: AudioSettings{
			Input: AudioFormat{
				Encoding:   InputEncoding,
				SampleRate: InputSampleRate,
				Channels:   Channels,
			},
			Output: AudioFormat{
				Encoding:   OutputEncoding,
				SampleRate: OutputSampleRate,
				Channels:   Channels,
				Container:  OutputContainer,
			},
		},
		Agent: AgentSettings{
			Listen:   ListenSettings{Provider: p.Listen},
			Think:    ThinkSettings{Provider: p.Think, Prompt: p.Prompt},
			Speak:    SpeakSettings{Provider: p.Speak},
			Greeting: p.Greeting,
		},
	}
}
