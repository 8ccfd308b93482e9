package httpapi

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"":         zerolog.InfoLevel,
		"info":     zerolog.InfoLevel,
		" DEBUG ":  zerolog.DebugLevel,
		"trace":    zerolog.TraceLevel,
		"warn":     zerolog.WarnLevel,
		"warning":  zerolog.WarnLevel,
		"error":    zerolog.ErrorLevel,
		"fatal":    zerolog.FatalLevel,
		"panic":    zerolog.PanicLevel,
		"disabled": zerolog.Disabled,
		"verbose":  zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLogger_JSONCarriesServiceAndLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(LogConfig{Level: "warn", Service: "capsched-edge", Output: &buf})

	log.Info().Msg("dropped")
	log.Warn().Str("device_id", "D1").Msg("kept")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected only the warn line, got %q", buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["service"] != "capsched-edge" || entry["message"] != "kept" || entry["device_id"] != "D1" {
		t.Fatalf("unexpected entry %v", entry)
	}
	if _, ok := entry["time"]; !ok {
		t.Fatalf("entry must carry a timestamp: %v", entry)
	}
}

func TestNewLogger_Defaults(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(LogConfig{Output: &buf})
	log.Debug().Msg("hidden")
	log.Info().Msg("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Fatalf("debug must be filtered at the default level: %q", buf.String())
	}
	if !strings.Contains(buf.String(), `"service":"capsched"`) {
		t.Fatalf("default service tag missing: %q", buf.String())
	}
}

func TestNewLogger_Console(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(LogConfig{Format: "Console", Output: &buf})
	log.Info().Str("id", "e1").Msg("scheduled")

	out := buf.String()
	if strings.HasPrefix(strings.TrimSpace(out), "{") {
		t.Fatalf("console format must not emit JSON: %q", out)
	}
	if !strings.Contains(out, "scheduled") || !strings.Contains(out, "id=") {
		t.Fatalf("unexpected console line %q", out)
	}
}
