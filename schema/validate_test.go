package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateConfig(t *testing.T) {
	require.NoError(t, Validate(Config, map[string]any{"version": "1", "transport": "ipc"}))

	err := Validate(Config, map[string]any{
		"version":        "1",
		"transport":      "udp",
		"kernelSpecDirs": []any{""},
	})
	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, Config, serr.Schema)

	paths := make([]string, 0, len(serr.Problems))
	for _, p := range serr.Problems {
		paths = append(paths, p.Path)
	}
	assert.Contains(t, paths, "transport")
	assert.Contains(t, paths, "kernelSpecDirs[0]")
	assert.Contains(t, err.Error(), "does not match config.v1.json")
}

func TestValidateUnknownSchema(t *testing.T) {
	err := Validate("nope.json", map[string]any{})
	require.Error(t, err)
	var serr *Error
	assert.NotErrorAs(t, err, &serr)
}

func TestDotted(t *testing.T) {
	tests := map[string]string{
		"":                   "(root)",
		"/transport":         "transport",
		"/kernels/py/argv/0": "kernels.py.argv[0]",
		"/kernels/a~1b/env":  "kernels.a/b.env",
		"/kernelSpecDirs/2":  "kernelSpecDirs[2]",
	}
	for in, want := range tests {
		assert.Equal(t, want, dotted(in), in)
	}
}
