package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Paintersrp/kernelsup/internal/connection"
	"github.com/Paintersrp/kernelsup/internal/kernelspec"
)

// Version is the only supported document version.
const Version = "1"

const (
	defaultShutdownWait = 5 * time.Second
	defaultReadyTimeout = 60 * time.Second
)

// Duration wraps time.Duration for YAML unmarshalling.
type Duration struct {
	time.Duration
	explicit bool
}

// UnmarshalText parses a textual duration, accepting empty strings.
func (d *Duration) UnmarshalText(text []byte) error {
	d.explicit = true
	if len(text) == 0 {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = dur
	return nil
}

// MarshalText renders the duration using time.Duration formatting.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// IsSet reports whether the duration was explicitly provided or non-zero.
func (d Duration) IsSet() bool {
	return d.explicit || d.Duration != 0
}

// Config mirrors the kernelsup.yaml document structure.
type Config struct {
	Version        string                      `yaml:"version"`
	Transport      connection.Transport        `yaml:"transport"`
	IP             string                      `yaml:"ip"`
	RuntimeDir     string                      `yaml:"runtimeDir"`
	DefaultKernel  string                      `yaml:"defaultKernel"`
	KernelSpecDirs []string                    `yaml:"kernelSpecDirs"`
	Kernels        map[string]*kernelspec.Spec `yaml:"kernels"`
	Restart        *RestartPolicy              `yaml:"restartPolicy"`
	ShutdownWait   Duration                    `yaml:"shutdownWait"`
	ReadyTimeout   Duration                    `yaml:"readyTimeout"`
	Logging        LoggingSpec                 `yaml:"logging"`
	API            APISpec                     `yaml:"api"`
}

// RestartPolicy bounds kernel restarts.
type RestartPolicy struct {
	MaxAttempts int          `yaml:"maxAttempts"`
	Backoff     *BackoffSpec `yaml:"backoff"`
}

// BackoffSpec describes exponential backoff configuration.
type BackoffSpec struct {
	Min    Duration `yaml:"min"`
	Max    Duration `yaml:"max"`
	Factor float64  `yaml:"factor"`
}

// LoggingSpec configures the process logger.
type LoggingSpec struct {
	Verbosity int    `yaml:"verbosity"`
	Format    string `yaml:"format"`
}

// APISpec configures the HTTP endpoint serving the control API and
// Prometheus metrics. An empty Addr disables it.
type APISpec struct {
	Addr string `yaml:"addr"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{Version: Version}
	_ = cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills in unset fields.
func (c *Config) ApplyDefaults() error {
	c.Transport = connection.Transport(strings.ToLower(strings.TrimSpace(string(c.Transport))))
	if c.Transport == "" {
		c.Transport = connection.TransportTCP
	}
	if c.IP == "" && c.Transport == connection.TransportTCP {
		c.IP = connection.DefaultIP
	}
	if !c.ShutdownWait.IsSet() {
		c.ShutdownWait.Duration = defaultShutdownWait
	}
	if !c.ReadyTimeout.IsSet() {
		c.ReadyTimeout.Duration = defaultReadyTimeout
	}
	for name, spec := range c.Kernels {
		if spec == nil {
			return fmt.Errorf("%s: is null", kernelField(name))
		}
		if spec.DisplayName == "" {
			spec.DisplayName = name
		}
	}
	if c.DefaultKernel == "" && len(c.Kernels) == 1 {
		for name := range c.Kernels {
			c.DefaultKernel = name
		}
	}
	return nil
}

func fieldPath(parts ...string) string {
	return strings.Join(parts, ".")
}

func kernelField(name string, parts ...string) string {
	return fieldPath(append([]string{"kernels", name}, parts...)...)
}
