package app

import (
	"fmt"
	"net/http"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ent0n29/pitchcoach/internal/audio"
	"github.com/ent0n29/pitchcoach/internal/capture"
	"github.com/ent0n29/pitchcoach/internal/clock"
	"github.com/ent0n29/pitchcoach/internal/config"
	"github.com/ent0n29/pitchcoach/internal/credential"
	"github.com/ent0n29/pitchcoach/internal/httpapi"
	"github.com/ent0n29/pitchcoach/internal/memory"
	"github.com/ent0n29/pitchcoach/internal/observability"
	"github.com/ent0n29/pitchcoach/internal/playback"
	"github.com/ent0n29/pitchcoach/internal/protocol"
	"github.com/ent0n29/pitchcoach/internal/transport"
	"github.com/ent0n29/pitchcoach/internal/trigger"
	"github.com/ent0n29/pitchcoach/internal/voice"
)

// Devices are the host audio endpoints calls are built on.
type Devices struct {
	Microphone capture.Device
	// NewSink returns a fresh output timeline and the func releasing it.
	NewSink func() (playback.Sink, func() error)
}

// Engine turns configuration into live coaching calls.
type Engine struct {
	cfg     config.Config
	devices Devices
	creds   credential.Source
	dialer  transport.Dialer
	store   memory.Store
	clock   clock.Clock
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewEngine(cfg config.Config, devices Devices, store memory.Store, logger zerolog.Logger, metrics *observability.Metrics) *Engine {
	return &Engine{
		cfg:     cfg,
		devices: devices,
		creds:   credentialSource(cfg),
		dialer:  transport.NewWebsocketDialer(),
		store:   store,
		clock:   clock.Real(),
		logger:  logger,
		metrics: metrics,
	}
}

func credentialSource(cfg config.Config) credential.Source {
	if cfg.HasCredentialEndpoint() {
		return credential.NewClient(cfg.AgentCredentialURL, &http.Client{Timeout: cfg.AgentConnectTimeout})
	}
	return credential.Static{Value: cfg.AgentAPIKey, Scheme: credential.SchemeToken}
}

// SessionConfig maps service configuration onto one call.
func SessionConfig(cfg config.Config, sessionID, userID string) voice.Config {
	return voice.Config{
		ID:     sessionID,
		UserID: userID,
		Transport: transport.Config{
			URL:                  cfg.AgentWSURL,
			KeepAliveInterval:    cfg.AgentKeepAliveInterval,
			ReconnectDelay:       cfg.AgentReconnectDelay,
			ReconnectMaxDelay:    cfg.AgentReconnectMaxDelay,
			MaxReconnectAttempts: cfg.AgentReconnectMaxAttempts,
			ConnectTimeout:       cfg.AgentConnectTimeout,
			Settings: protocol.NewSettings(protocol.AgentProfile{
				Listen:   protocol.Provider{Type: cfg.AgentListenProvider, Model: cfg.AgentListenModel},
				Think:    protocol.Provider{Type: cfg.AgentThinkProvider, Model: cfg.AgentThinkModel},
				Speak:    protocol.Provider{Type: cfg.AgentSpeakProvider, Model: cfg.AgentSpeakModel},
				Prompt:   cfg.AgentPrompt,
				Greeting: cfg.AgentGreeting,
			}),
		},
		Trigger: trigger.Config{
			Phrase:              cfg.TriggerPhrase,
			SettleDelay:         cfg.TriggerSettleDelay,
			DefaultTargetMarket: cfg.TriggerDefaultTargetMarket,
		},
	}
}

// Open builds a call that has not started yet.
func (e *Engine) Open(sessionID, userID string, cb voice.Callbacks) (*Call, error) {
	if e.devices.Microphone == nil || e.devices.NewSink == nil {
		return nil, fmt.Errorf("audio devices not configured")
	}
	sink, release := e.devices.NewSink()
	analyzer := playback.NewAnalyzer(0, 0, protocol.OutputSampleRate)

	var recorder *audio.Recorder
	if e.cfg.AudioDumpPath != "" && sessionID != "" {
		recorder = audio.NewRecorder(filepath.Join(e.cfg.AudioDumpPath, sessionID+".wav"), protocol.OutputSampleRate)
	}

	s := voice.New(SessionConfig(e.cfg, sessionID, userID), cb, voice.Deps{
		Credentials: e.creds,
		Dialer:      e.dialer,
		Microphone:  e.devices.Microphone,
		Speaker:     sink,
		Clock:       e.clock,
		Store:       e.store,
		Analyzer:    analyzer,
		Recorder:    recorder,
		Logger:      e.logger,
		Metrics:     e.metrics,
	})
	return &Call{Session: s, analyzer: analyzer, release: release, logger: e.logger}, nil
}

// NewCall satisfies httpapi.Engine.
func (e *Engine) NewCall(sessionID, userID string, cb voice.Callbacks) (httpapi.Call, error) {
	c, err := e.Open(sessionID, userID, cb)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Call is a voice session plus the output timeline it owns.
type Call struct {
	*voice.Session
	analyzer *playback.Analyzer
	release  func() error
	logger   zerolog.Logger

	once sync.Once
}

func (c *Call) Spectrum() []float64 {
	return c.analyzer.Spectrum()
}

func (c *Call) End() {
	c.Session.End()
	c.once.Do(func() {
		if c.release == nil {
			return
		}
		if err := c.release(); err != nil {
			c.logger.Warn().Err(err).Str("session_id", c.ID()).Msg("releasing output timeline")
		}
	})
}
