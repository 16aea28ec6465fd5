package cli

import (
	stdcontext "context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecRunsCodeInKernel(t *testing.T) {
	requireUnix(t)
	path := writeHelperConfig(t, "")
	ctx, cancel := stdcontext.WithTimeout(stdcontext.Background(), 60*time.Second)
	defer cancel()

	stdout, _, err := runCommand(t, ctx, "exec", "-c", path, "--timeout", "10s", "env")
	require.NoError(t, err)

	var reply map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout[strings.Index(stdout, "{"):]), &reply))
	assert.Equal(t, "ok", reply["status"])
	expressions, _ := reply["user_expressions"].(map[string]any)
	env, _ := expressions["env"].(map[string]any)
	assert.Equal(t, "1", env[envTestKernel])
}

func TestExecReportsKernelErrors(t *testing.T) {
	requireUnix(t)
	path := writeHelperConfig(t, "")
	ctx, cancel := stdcontext.WithTimeout(stdcontext.Background(), 60*time.Second)
	defer cancel()

	stdout, _, err := runCommand(t, ctx, "exec", "-c", path, "--timeout", "10s", "bogus")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UnknownCommand")
	assert.Contains(t, stdout, `"status": "error"`)
}

func TestExecUnknownKernel(t *testing.T) {
	path := writeHelperConfig(t, "")
	_, _, err := runCommand(t, stdcontext.Background(), "exec", "-c", path, "-k", "missing", "env")
	require.Error(t, err)
}

func TestErrorSummary(t *testing.T) {
	assert.Equal(t, "NameError: x", errorSummary(map[string]any{"ename": "NameError", "evalue": "x"}))
	assert.Equal(t, "KeyboardInterrupt", errorSummary(map[string]any{"ename": "KeyboardInterrupt"}))
	assert.Equal(t, `execution failed with status "aborted"`, errorSummary(map[string]any{"status": "aborted"}))
}
