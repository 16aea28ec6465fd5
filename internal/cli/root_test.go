package cli

import (
	stdcontext "context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Paintersrp/kernelsup/internal/config"
	"github.com/Paintersrp/kernelsup/internal/connection"
	"github.com/Paintersrp/kernelsup/internal/kernel"
)

func TestRootRegistersCommands(t *testing.T) {
	root := NewRootCmd()
	var names []string
	for _, cmd := range root.Commands() {
		names = append(names, cmd.Name())
	}
	for _, want := range []string{"run", "exec", "connect-info", "kernelspecs", "config"} {
		assert.Contains(t, names, want)
	}
}

func TestConfigLint(t *testing.T) {
	path := writeHelperConfig(t, "")
	stdout, _, err := runCommand(t, stdcontext.Background(), "config", "lint", "-c", path)
	require.NoError(t, err)
	assert.Equal(t, path+": OK\n", stdout)

	bad := filepath.Join(t.TempDir(), "kernelsup.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("version: \"1\"\ntransport: udp\n"), 0o644))
	_, stderr, err := runCommand(t, stdcontext.Background(), "config", "lint", "-c", bad)
	require.Error(t, err)
	assert.Contains(t, stderr, "transport")
}

func TestConfigShowPrintsEffectiveConfig(t *testing.T) {
	path := writeHelperConfig(t, "")
	stdout, _, err := runCommand(t, stdcontext.Background(), "config", "show", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, stdout, "defaultKernel: helper")
	assert.Contains(t, stdout, "transport: tcp")
	assert.Contains(t, stdout, "shutdownWait: 2s")
}

func TestLogFormatFlagIsValidated(t *testing.T) {
	path := writeHelperConfig(t, "")
	_, _, err := runCommand(t, stdcontext.Background(), "kernelspecs", "-c", path, "--log-format", "xml")
	require.Error(t, err)
}

func TestKernelSpecsListsConfiguredKernels(t *testing.T) {
	path := writeHelperConfig(t, "")
	stdout, _, err := runCommand(t, stdcontext.Background(), "kernelspecs", "-c", path)
	require.NoError(t, err)
	assert.True(t, containsLine(stdout, "helper*"), stdout)
	assert.True(t, containsLine(stdout, "signal"), stdout)
}

func TestConnectInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernel-1.json")
	info := connection.Info{
		Transport:       connection.TransportTCP,
		IP:              "127.0.0.1",
		Key:             "s3cr3t-signing-key",
		SignatureScheme: connection.DefaultSignatureScheme,
		ShellPort:       50001,
		IOPubPort:       50002,
		StdinPort:       50003,
		ControlPort:     50004,
		HBPort:          50005,
	}
	require.NoError(t, connection.WriteFile(path, info))

	t.Run("redacts key", func(t *testing.T) {
		stdout, _, err := runCommand(t, stdcontext.Background(), "connect-info", path)
		require.NoError(t, err)
		assert.NotContains(t, stdout, "s3cr3t-signing-key")
		assert.Contains(t, stdout, "[redacted]")
		assert.Contains(t, stdout, `"shell_port": 50001`)
	})

	t.Run("show key", func(t *testing.T) {
		stdout, _, err := runCommand(t, stdcontext.Background(), "connect-info", "--show-key", path)
		require.NoError(t, err)
		var decoded connection.Info
		require.NoError(t, json.Unmarshal([]byte(stdout), &decoded))
		assert.Equal(t, info.Key, decoded.Key)
	})

	t.Run("endpoints", func(t *testing.T) {
		stdout, _, err := runCommand(t, stdcontext.Background(), "connect-info", "--endpoints", path)
		require.NoError(t, err)
		assert.True(t, containsLine(stdout, "tcp://127.0.0.1:50001"), stdout)
		assert.True(t, containsLine(stdout, "hb"), stdout)
	})

	t.Run("missing file", func(t *testing.T) {
		_, _, err := runCommand(t, stdcontext.Background(), "connect-info", filepath.Join(t.TempDir(), "nope.json"))
		require.Error(t, err)
	})
}

func TestRestartPolicyFromConfig(t *testing.T) {
	assert.Equal(t, kernel.DefaultRestartPolicy(), restartPolicy(nil))

	cfg := &config.RestartPolicy{MaxAttempts: 7, Backoff: &config.BackoffSpec{Factor: 3}}
	policy := restartPolicy(cfg)
	assert.Equal(t, 7, policy.MaxAttempts)
	assert.Equal(t, 3.0, policy.Factor)
	assert.Equal(t, kernel.DefaultRestartPolicy().Min, policy.Min)
}

func TestKernelNameFallsBackToDefault(t *testing.T) {
	c := &context{cfg: &config.Config{DefaultKernel: "python3"}}
	name, err := c.kernelName("")
	require.NoError(t, err)
	assert.Equal(t, "python3", name)

	name, err = c.kernelName("ir")
	require.NoError(t, err)
	assert.Equal(t, "ir", name)

	c.cfg.DefaultKernel = ""
	_, err = c.kernelName("")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "defaultKernel"))
}
