package cliutil

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/Paintersrp/kernelsup/internal/kernel"
)

// LogRecord represents a structured supervisor event ready for JSON encoding.
type LogRecord struct {
	Timestamp time.Time `json:"ts"`
	Kernel    string    `json:"kernel"`
	Event     string    `json:"event"`
	Level     string    `json:"level"`
	Message   string    `json:"msg"`
	Source    string    `json:"source"`
	PID       int       `json:"pid,omitempty"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// NewLogRecord converts a supervisor event into a structured log record.
func NewLogRecord(event kernel.Event) LogRecord {
	level := event.Level
	if level == "" {
		switch inferred := inferLogLevel(event.Message); {
		case inferred != "":
			level = inferred
		case event.Source == kernel.LogSourceStderr:
			level = "warn"
		default:
			level = "info"
		}
	}
	source := event.Source
	if source == "" {
		source = kernel.LogSourceSystem
	}
	record := LogRecord{
		Timestamp: event.Timestamp,
		Kernel:    event.Kernel,
		Event:     string(event.Type),
		Level:     level,
		Message:   RedactSecrets(event.Message),
		Source:    source,
		PID:       event.PID,
		Attempt:   event.Attempt,
		Reason:    event.Reason,
	}
	if event.Type == kernel.EventTypeExited {
		code := event.ExitCode
		record.ExitCode = &code
	}
	if event.Err != nil {
		record.Error = RedactSecrets(event.Err.Error())
	}
	return record
}

var levelTokenPattern = regexp.MustCompile(`(?i)\b(error|warn|warning|info|debug)\b`)

func inferLogLevel(message string) string {
	matches := levelTokenPattern.FindStringSubmatch(message)
	if len(matches) < 2 {
		return ""
	}
	switch strings.ToLower(matches[1]) {
	case "error":
		return "error"
	case "warn", "warning":
		return "warn"
	case "info":
		return "info"
	case "debug":
		return "debug"
	default:
		return ""
	}
}

// EncodeLogEvent encodes an event to JSON, reporting errors to stderr if needed.
func EncodeLogEvent(enc *json.Encoder, stderr io.Writer, event kernel.Event) {
	if enc == nil {
		return
	}
	record := NewLogRecord(event)
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}
	if err := enc.Encode(&record); err != nil {
		fmt.Fprintf(stderr, "error: encode log: %v\n", err)
	}
}

// FormatEvent renders an event as a single human-readable line.
func FormatEvent(event kernel.Event) string {
	record := NewLogRecord(event)
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-5s %s", record.Timestamp.Format(time.TimeOnly), strings.ToUpper(record.Level), record.Kernel)
	if record.Event == string(kernel.EventTypeLog) {
		fmt.Fprintf(&b, " [%s] %s", record.Source, record.Message)
		return b.String()
	}
	fmt.Fprintf(&b, " %s", record.Event)
	if record.Message != "" {
		fmt.Fprintf(&b, ": %s", record.Message)
	}
	if record.PID != 0 {
		fmt.Fprintf(&b, " pid=%d", record.PID)
	}
	if record.ExitCode != nil {
		fmt.Fprintf(&b, " exit=%d", *record.ExitCode)
	}
	if record.Error != "" {
		fmt.Fprintf(&b, " err=%q", record.Error)
	}
	return b.String()
}
