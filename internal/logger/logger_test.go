package logger

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog/log"
)

func TestInitWritesJSONWithServiceField(t *testing.T) {
	var buf bytes.Buffer
	if err := Init(Options{Level: "info", Out: &buf}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer Close()

	log.Info().Str("job_id", "abc").Msg("hello")
	log.Debug().Msg("hidden")

	var ev map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &ev); err != nil {
		t.Fatalf("expected a single JSON line, got %q: %v", buf.String(), err)
	}
	if ev["service"] != "docpdf" || ev["job_id"] != "abc" || ev["message"] != "hello" {
		t.Fatalf("unexpected event %v", ev)
	}
}

func TestInitFallsBackToInfoOnBadLevel(t *testing.T) {
	var buf bytes.Buffer
	if err := Init(Options{Level: "chatty", Out: &buf}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer Close()
	log.Debug().Msg("debug")
	if buf.Len() != 0 {
		t.Fatalf("debug should be filtered at info level, got %q", buf.String())
	}
}

func TestInitCreatesLogDirectory(t *testing.T) {
	var buf bytes.Buffer
	file := filepath.Join(t.TempDir(), "nested", "docpdf.log")
	if err := Init(Options{Level: "info", File: file, MaxSizeMB: 1, Out: &buf}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer Close()
	log.Info().Msg("to file")
}
