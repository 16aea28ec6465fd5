package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewHonoursVerbosity(t *testing.T) {
	tests := []struct {
		name      string
		verbosity int
		wantLines int
	}{
		{name: "infoOnly", verbosity: 0, wantLines: 1},
		{name: "debug", verbosity: 1, wantLines: 2},
		{name: "trace", verbosity: 2, wantLines: 3},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			log := New(Options{Verbosity: tc.verbosity, Format: FormatJSON, Output: &buf})
			log.Info("kernel started", "pid", 42)
			log.V(1).Info("kernel output")
			log.V(2).Info("sent")

			lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
			if len(lines) != tc.wantLines {
				t.Fatalf("expected %d lines, got %d:\n%s", tc.wantLines, len(lines), buf.String())
			}
			var record map[string]any
			if err := json.Unmarshal([]byte(lines[0]), &record); err != nil {
				t.Fatalf("decode log line: %v", err)
			}
			if record["msg"] != "kernel started" {
				t.Fatalf("unexpected message %v", record["msg"])
			}
			if record["pid"] != float64(42) {
				t.Fatalf("expected pid field, got %v", record["pid"])
			}
		})
	}
}

func TestAutoFormatFallsBackToJSON(t *testing.T) {
	var buf bytes.Buffer
	New(Options{Output: &buf}).Info("hello")
	if !strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Fatalf("expected json output for non-terminal writer, got %q", buf.String())
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]string{"": FormatAuto, "JSON": FormatJSON, " console ": FormatConsole} {
		got, err := ParseFormat(in)
		if err != nil || got != want {
			t.Fatalf("ParseFormat(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}
