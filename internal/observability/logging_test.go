package observability

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewLoggerJSONRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, "warn", "json")
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	logger.Info().Msg("hidden")
	logger.Warn().Str("component", "transport").Msg("shown")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 1 {
		t.Fatalf("lines = %d, want 1 (%q)", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal(lines[0], &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if entry["component"] != "transport" || entry["message"] != "shown" {
		t.Fatalf("entry = %v", entry)
	}
}

func TestNewLoggerRejectsUnknownInput(t *testing.T) {
	if _, err := NewLogger(nil, "loud", "json"); err == nil {
		t.Fatalf("NewLogger(level=loud) error = nil, want error")
	}
	if _, err := NewLogger(nil, "info", "xml"); err == nil {
		t.Fatalf("NewLogger(format=xml) error = nil, want error")
	}
}
