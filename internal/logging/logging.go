// Package logging builds the logr.Logger shared by the kernelsup binaries.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

const (
	FormatAuto    = "auto"
	FormatJSON    = "json"
	FormatConsole = "console"
)

// Options configure New.
type Options struct {
	// Verbosity enables logr V-levels up to and including this value.
	Verbosity int
	// Format is auto, json or console. Auto picks console output when the
	// destination is a terminal.
	Format string
	Output io.Writer
}

// ParseFormat validates a format name.
func ParseFormat(s string) (string, error) {
	switch f := strings.ToLower(strings.TrimSpace(s)); f {
	case "", FormatAuto:
		return FormatAuto, nil
	case FormatJSON, FormatConsole:
		return f, nil
	default:
		return "", fmt.Errorf("unknown log format %q (want auto, json or console)", s)
	}
}

// New returns a zap-backed logger.
func New(opts Options) logr.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	format, err := ParseFormat(opts.Format)
	if err != nil {
		format = FormatAuto
	}
	if format == FormatAuto {
		format = FormatJSON
		if isTerminal(out) {
			format = FormatConsole
		}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if format == FormatConsole {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	verbosity := opts.Verbosity
	if verbosity < 0 {
		verbosity = 0
	}
	if verbosity > 127 {
		verbosity = 127
	}
	level := zap.NewAtomicLevelAt(zapcore.Level(-verbosity))
	core := zapcore.NewCore(enc, zapcore.AddSync(out), level)
	return zapr.NewLogger(zap.New(core))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}
