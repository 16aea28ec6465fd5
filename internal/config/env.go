package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/Paintersrp/kernelsup/internal/connection"
)

// Environment variables that override file settings.
const (
	EnvTransport     = "KERNELSUP_TRANSPORT"
	EnvIP            = "KERNELSUP_IP"
	EnvRuntimeDir    = "KERNELSUP_RUNTIME_DIR"
	EnvDefaultKernel = "KERNELSUP_DEFAULT_KERNEL"
	EnvShutdownWait  = "KERNELSUP_SHUTDOWN_WAIT"
	EnvReadyTimeout  = "KERNELSUP_READY_TIMEOUT"
	EnvLogVerbosity  = "KERNELSUP_LOG_VERBOSITY"
	EnvLogFormat     = "KERNELSUP_LOG_FORMAT"
	EnvAPIAddr       = "KERNELSUP_API_ADDR"
)

// ApplyEnv overrides fields from the environment using lookup, normally
// os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if value, ok := lookup(EnvTransport); ok && value != "" {
		c.Transport = connection.Transport(value)
	}
	if value, ok := lookup(EnvIP); ok && value != "" {
		c.IP = value
	}
	if value, ok := lookup(EnvRuntimeDir); ok && value != "" {
		c.RuntimeDir = value
	}
	if value, ok := lookup(EnvDefaultKernel); ok && value != "" {
		c.DefaultKernel = value
	}
	if err := envDuration(lookup, EnvShutdownWait, &c.ShutdownWait); err != nil {
		return err
	}
	if err := envDuration(lookup, EnvReadyTimeout, &c.ReadyTimeout); err != nil {
		return err
	}
	if value, ok := lookup(EnvLogVerbosity); ok && value != "" {
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s: invalid verbosity %q", EnvLogVerbosity, value)
		}
		c.Logging.Verbosity = n
	}
	if value, ok := lookup(EnvLogFormat); ok && value != "" {
		c.Logging.Format = value
	}
	if value, ok := lookup(EnvAPIAddr); ok {
		c.API.Addr = value
	}
	return nil
}

func envDuration(lookup func(string) (string, bool), key string, dst *Duration) error {
	value, ok := lookup(key)
	if !ok || value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	dst.Duration = d
	dst.explicit = true
	return nil
}
