package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the coaching voice service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	SessionRetention         time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	LogLevel  string
	LogFormat string

	AgentWSURL                string
	AgentCredentialURL        string
	AgentAPIKey               string
	AgentKeepAliveInterval    time.Duration
	AgentReconnectDelay       time.Duration
	AgentReconnectMaxDelay    time.Duration
	AgentReconnectMaxAttempts int
	AgentConnectTimeout       time.Duration

	AgentListenProvider string
	AgentListenModel    string
	AgentThinkProvider  string
	AgentThinkModel     string
	AgentSpeakProvider  string
	AgentSpeakModel     string
	AgentPrompt         string
	AgentGreeting       string

	TriggerPhrase              string
	TriggerSettleDelay         time.Duration
	TriggerDefaultTargetMarket string

	DatabaseURL   string
	AudioDumpPath string
}

const (
	defaultPrompt = "You are a friendly sales coach preparing a role-play. " +
		"Ask the user what they sell and who they sell it to, one short question at a time. " +
		"When you know enough, say exactly: I have everything I need to build your buyer persona."
	defaultGreeting = "Hi! Tell me a little about what you sell."
)

// LoadDotEnv loads .env style files. Variables already present in the
// environment win; missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                   envOrDefault("APP_BIND_ADDR", "127.0.0.1:8080"),
		MetricsNamespace:           envOrDefault("APP_METRICS_NAMESPACE", "pitchcoach"),
		LogLevel:                   strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		LogFormat:                  strings.ToLower(envOrDefault("LOG_FORMAT", "console")),
		AgentWSURL:                 envOrDefault("AGENT_WS_URL", "wss://agent.deepgram.com/v1/agent/converse"),
		AgentCredentialURL:         stringsTrimSpace("AGENT_CREDENTIAL_URL"),
		AgentAPIKey:                stringsTrimSpace("AGENT_API_KEY"),
		AgentListenProvider:        envOrDefault("AGENT_LISTEN_PROVIDER", "deepgram"),
		AgentListenModel:           envOrDefault("AGENT_LISTEN_MODEL", "nova-3"),
		AgentThinkProvider:         envOrDefault("AGENT_THINK_PROVIDER", "open_ai"),
		AgentThinkModel:            envOrDefault("AGENT_THINK_MODEL", "gpt-4o-mini"),
		AgentSpeakProvider:         envOrDefault("AGENT_SPEAK_PROVIDER", "deepgram"),
		AgentSpeakModel:            envOrDefault("AGENT_SPEAK_MODEL", "aura-2-thalia-en"),
		AgentPrompt:                envOrDefault("AGENT_PROMPT", defaultPrompt),
		AgentGreeting:              envOrDefault("AGENT_GREETING", defaultGreeting),
		TriggerPhrase:              envOrDefault("TRIGGER_PHRASE", "I have everything I need to build your buyer persona"),
		TriggerDefaultTargetMarket: envOrDefault("TRIGGER_DEFAULT_TARGET_MARKET", "General"),
		DatabaseURL:                stringsTrimSpace("DATABASE_URL"),
		AudioDumpPath:              stringsTrimSpace("AUDIO_DUMP_PATH"),
		ShutdownTimeout:            15 * time.Second,
		SessionInactivityTimeout:   10 * time.Minute,
		SessionRetention:           30 * time.Minute,
		AgentKeepAliveInterval:     30 * time.Second,
		AgentReconnectDelay:        2 * time.Second,
		AgentReconnectMaxAttempts:  5,
		AgentConnectTimeout:        10 * time.Second,
		TriggerSettleDelay:         2 * time.Second,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionRetention, err = durationFromEnv("APP_SESSION_RETENTION", cfg.SessionRetention)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.AgentKeepAliveInterval, err = durationFromEnv("AGENT_KEEPALIVE_INTERVAL", cfg.AgentKeepAliveInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.AgentReconnectDelay, err = durationFromEnv("AGENT_RECONNECT_DELAY", cfg.AgentReconnectDelay)
	if err != nil {
		return Config{}, err
	}
	// Unset max delay means a fixed delay between attempts.
	cfg.AgentReconnectMaxDelay, err = durationFromEnv("AGENT_RECONNECT_MAX_DELAY", cfg.AgentReconnectDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.AgentReconnectMaxAttempts, err = intFromEnv("AGENT_RECONNECT_MAX_ATTEMPTS", cfg.AgentReconnectMaxAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.AgentConnectTimeout, err = durationFromEnv("AGENT_CONNECT_TIMEOUT", cfg.AgentConnectTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.TriggerSettleDelay, err = durationFromEnv("TRIGGER_SETTLE_DELAY", cfg.TriggerSettleDelay)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.AgentKeepAliveInterval <= 0 {
		return Config{}, fmt.Errorf("AGENT_KEEPALIVE_INTERVAL must be positive")
	}
	if cfg.AgentReconnectDelay <= 0 {
		return Config{}, fmt.Errorf("AGENT_RECONNECT_DELAY must be positive")
	}
	if cfg.AgentReconnectMaxDelay < cfg.AgentReconnectDelay {
		return Config{}, fmt.Errorf("AGENT_RECONNECT_MAX_DELAY must be >= AGENT_RECONNECT_DELAY")
	}
	if cfg.AgentReconnectMaxAttempts <= 0 {
		return Config{}, fmt.Errorf("AGENT_RECONNECT_MAX_ATTEMPTS must be positive")
	}
	if cfg.TriggerSettleDelay < 0 {
		return Config{}, fmt.Errorf("TRIGGER_SETTLE_DELAY must be >= 0")
	}
	switch cfg.LogFormat {
	case "json", "console":
	default:
		return Config{}, fmt.Errorf("LOG_FORMAT must be json or console")
	}
	if !strings.HasPrefix(cfg.AgentWSURL, "ws://") && !strings.HasPrefix(cfg.AgentWSURL, "wss://") {
		return Config{}, fmt.Errorf("AGENT_WS_URL must be a ws:// or wss:// URL")
	}
	if cfg.AgentCredentialURL == "" && cfg.AgentAPIKey == "" {
		return Config{}, fmt.Errorf("one of AGENT_CREDENTIAL_URL or AGENT_API_KEY is required")
	}

	return cfg, nil
}

// HasCredentialEndpoint reports whether credentials come from the token
// endpoint rather than a static key.
func (c Config) HasCredentialEndpoint() bool {
	return c.AgentCredentialURL != ""
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
