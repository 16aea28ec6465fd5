package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Paintersrp/kernelsup/internal/connection"
	"github.com/Paintersrp/kernelsup/internal/kernelspec"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, DefaultFile)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
version: "1"
kernels:
  echo:
    argv: ["echo-kernel", "-f", "{connection_file}"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, connection.TransportTCP, cfg.Transport)
	assert.Equal(t, connection.DefaultIP, cfg.IP)
	assert.Equal(t, 5*time.Second, cfg.ShutdownWait.Duration)
	assert.Equal(t, 60*time.Second, cfg.ReadyTimeout.Duration)
	assert.Equal(t, "echo", cfg.DefaultKernel)

	spec := cfg.Kernels["echo"]
	require.NotNil(t, spec)
	assert.Equal(t, "echo", spec.DisplayName)
	assert.Equal(t, dir, spec.ResourceDir)
	assert.Equal(t, kernelspec.InterruptSignal, spec.Mode())
}

func TestLoadResolvesPathsAndExpandsEnv(t *testing.T) {
	t.Setenv("KERNEL_HOME", "/opt/kernels")
	dir := t.TempDir()
	path := writeConfig(t, dir, `
version: "1"
transport: ipc
runtimeDir: run
kernelSpecDirs: ["specs"]
shutdownWait: 250ms
restartPolicy:
  maxAttempts: 5
  backoff:
    min: 10ms
    max: 1s
    factor: 3
kernels:
  py:
    argv: ["python", "-m", "ipykernel_launcher", "-f", "{connection_file}"]
    interruptMode: message
    env:
      PYTHONPATH: ${KERNEL_HOME}/lib
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, connection.TransportIPC, cfg.Transport)
	assert.Empty(t, cfg.IP)
	assert.Equal(t, filepath.Join(dir, "run"), cfg.RuntimeDir)
	assert.Equal(t, []string{filepath.Join(dir, "specs")}, cfg.KernelSpecDirs)
	assert.Equal(t, 250*time.Millisecond, cfg.ShutdownWait.Duration)
	assert.Equal(t, "/opt/kernels/lib", cfg.Kernels["py"].Env["PYTHONPATH"])
	assert.Equal(t, kernelspec.InterruptMessage, cfg.Kernels["py"].Mode())
	require.NotNil(t, cfg.Restart)
	assert.Equal(t, 5, cfg.Restart.MaxAttempts)
	assert.Equal(t, 3.0, cfg.Restart.Backoff.Factor)
}

func TestLoadRejectsInvalidDocuments(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{
			name: "unknown field",
			body: "version: \"1\"\nsupervisor: true\n",
			want: "schema validation failed",
		},
		{
			name: "missing version",
			body: "transport: tcp\n",
			want: "schema validation failed",
		},
		{
			name: "bad transport",
			body: "version: \"1\"\ntransport: udp\n",
			want: "transport",
		},
		{
			name: "empty argv",
			body: "version: \"1\"\nkernels:\n  bad:\n    argv: []\n",
			want: "kernels.bad.argv",
		},
		{
			name: "bad duration",
			body: "version: \"1\"\nshutdownWait: soon\n",
			want: "invalid duration",
		},
		{
			name: "backoff inverted",
			body: "version: \"1\"\nrestartPolicy:\n  backoff:\n    min: 2s\n    max: 1s\n",
			want: "restartPolicy.backoff.max",
		},
		{
			name: "unknown default kernel",
			body: "version: \"1\"\ndefaultKernel: ghost\n",
			want: "defaultKernel",
		},
		{
			name: "bad log format",
			body: "version: \"1\"\nlogging:\n  format: xml\n",
			want: "logging.format",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), tc.body)
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	env := map[string]string{
		EnvTransport:    "ipc",
		EnvShutdownWait: "2s",
		EnvLogVerbosity: "3",
		EnvAPIAddr:      ":9464",
	}
	cfg := &Config{Version: Version}
	require.NoError(t, cfg.ApplyEnv(func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}))
	require.NoError(t, cfg.ApplyDefaults())
	require.NoError(t, cfg.Validate())

	assert.Equal(t, connection.TransportIPC, cfg.Transport)
	assert.Equal(t, 2*time.Second, cfg.ShutdownWait.Duration)
	assert.Equal(t, 3, cfg.Logging.Verbosity)
	assert.Equal(t, ":9464", cfg.API.Addr)
}

func TestApplyEnvRejectsBadValues(t *testing.T) {
	for key, value := range map[string]string{
		EnvReadyTimeout: "forever",
		EnvLogVerbosity: "loud",
	} {
		cfg := &Config{}
		err := cfg.ApplyEnv(func(k string) (string, bool) {
			if k == key {
				return value, true
			}
			return "", false
		})
		require.Error(t, err, key)
		assert.True(t, strings.HasPrefix(err.Error(), key), err.Error())
	}
}

func TestLoadOrDefaultWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv(EnvReadyTimeout, "90s")

	cfg, err := LoadOrDefault("")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.ReadyTimeout.Duration)
	assert.Equal(t, connection.TransportTCP, cfg.Transport)
}

func TestRegistryMergesSpecDirsAndInlineKernels(t *testing.T) {
	dir := t.TempDir()
	specs := filepath.Join(dir, "specs")
	_, err := kernelspec.WriteFile(filepath.Join(specs, "disk"), &kernelspec.Spec{
		Argv:        []string{"disk-kernel", "{connection_file}"},
		DisplayName: "Disk",
	})
	require.NoError(t, err)
	_, err = kernelspec.WriteFile(filepath.Join(specs, "shadowed"), &kernelspec.Spec{
		Argv:        []string{"old-kernel"},
		DisplayName: "Old",
	})
	require.NoError(t, err)

	path := writeConfig(t, dir, `
version: "1"
kernelSpecDirs: ["specs", "missing"]
defaultKernel: disk
kernels:
  shadowed:
    argv: ["new-kernel"]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	reg, err := cfg.Registry()
	require.NoError(t, err)
	assert.Equal(t, []string{"disk", "shadowed"}, reg.Names())

	disk, err := reg.Resolve("disk")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(specs, "disk"), disk.ResourceDir)

	shadowed, err := reg.Resolve("shadowed")
	require.NoError(t, err)
	assert.Equal(t, []string{"new-kernel"}, shadowed.Argv)
}

func TestDurationTextRoundTrip(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.True(t, d.IsSet())
	assert.Equal(t, 90*time.Second, d.Duration)

	text, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(text))

	var empty Duration
	require.NoError(t, empty.UnmarshalText(nil))
	assert.True(t, empty.IsSet())
	assert.False(t, Duration{}.IsSet())
}
