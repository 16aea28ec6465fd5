package config

import (
	"fmt"
	"sort"

	"github.com/Paintersrp/kernelsup/internal/connection"
	"github.com/Paintersrp/kernelsup/internal/logging"
)

// Validate ensures the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("%s: is required", fieldPath("version"))
	}
	if c.Version != Version {
		return fmt.Errorf("%s: unsupported version %q", fieldPath("version"), c.Version)
	}
	switch c.Transport {
	case connection.TransportTCP, connection.TransportIPC:
	default:
		return fmt.Errorf("%s: must be tcp or ipc, got %q", fieldPath("transport"), c.Transport)
	}

	names := make([]string, 0, len(c.Kernels))
	for name := range c.Kernels {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := c.Kernels[name].Validate(); err != nil {
			return fmt.Errorf("%s: %w", kernelField(name), err)
		}
	}
	if c.DefaultKernel != "" && len(c.KernelSpecDirs) == 0 {
		if _, ok := c.Kernels[c.DefaultKernel]; !ok {
			return fmt.Errorf("%s: unknown kernel %q", fieldPath("defaultKernel"), c.DefaultKernel)
		}
	}

	if c.ShutdownWait.Duration < 0 {
		return fmt.Errorf("%s: must be non-negative", fieldPath("shutdownWait"))
	}
	if c.ReadyTimeout.Duration <= 0 {
		return fmt.Errorf("%s: must be positive", fieldPath("readyTimeout"))
	}
	if err := c.Restart.validate(); err != nil {
		return err
	}

	if c.Logging.Verbosity < 0 {
		return fmt.Errorf("%s: must be non-negative", fieldPath("logging", "verbosity"))
	}
	if _, err := logging.ParseFormat(c.Logging.Format); err != nil {
		return fmt.Errorf("%s: %w", fieldPath("logging", "format"), err)
	}
	return nil
}

func (p *RestartPolicy) validate() error {
	if p == nil {
		return nil
	}
	if p.MaxAttempts < 0 {
		return fmt.Errorf("%s: must be non-negative", fieldPath("restartPolicy", "maxAttempts"))
	}
	b := p.Backoff
	if b == nil {
		return nil
	}
	if b.Min.Duration < 0 {
		return fmt.Errorf("%s: must be non-negative", fieldPath("restartPolicy", "backoff", "min"))
	}
	if b.Max.Duration < 0 {
		return fmt.Errorf("%s: must be non-negative", fieldPath("restartPolicy", "backoff", "max"))
	}
	if b.Min.IsSet() && b.Max.IsSet() && b.Max.Duration < b.Min.Duration {
		return fmt.Errorf("%s: must be greater than or equal to min", fieldPath("restartPolicy", "backoff", "max"))
	}
	if b.Factor != 0 && b.Factor < 1 {
		return fmt.Errorf("%s: must be at least 1", fieldPath("restartPolicy", "backoff", "factor"))
	}
	return nil
}
