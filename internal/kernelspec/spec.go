// Package kernelspec describes how to launch a kernel. Discovery of specs on
// disk is left to callers; this package only defines the shape, a Resolver
// interface and a static registry.
package kernelspec

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	kschema "github.com/Paintersrp/kernelsup/schema"
)

// InterruptMode selects how interrupts reach the kernel.
type InterruptMode string

const (
	// InterruptSignal delivers SIGINT to the kernel's process group.
	InterruptSignal InterruptMode = "signal"
	// InterruptMessage sends interrupt_request on the control channel.
	InterruptMessage InterruptMode = "message"
)

// ConnectionFilePlaceholder is replaced with the connection file path when the
// argv is formatted.
const ConnectionFilePlaceholder = "{connection_file}"

// ResourceDirPlaceholder is replaced with the directory the spec was loaded
// from.
const ResourceDirPlaceholder = "{resource_dir}"

// ErrNotFound is returned by resolvers for unknown kernel names.
var ErrNotFound = errors.New("kernel spec not found")

// Spec is a launch specification.
type Spec struct {
	Argv          []string          `json:"argv" yaml:"argv"`
	DisplayName   string            `json:"display_name" yaml:"displayName"`
	Language      string            `json:"language,omitempty" yaml:"language"`
	InterruptMode InterruptMode     `json:"interrupt_mode,omitempty" yaml:"interruptMode"`
	Env           map[string]string `json:"env,omitempty" yaml:"env"`
	ResourceDir   string            `json:"-" yaml:"-"`
}

// Clone returns a deep copy of the spec.
func (s *Spec) Clone() *Spec {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Argv = append([]string(nil), s.Argv...)
	if s.Env != nil {
		cp.Env = make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			cp.Env[k] = v
		}
	}
	return &cp
}

// Mode returns the effective interrupt mode, defaulting to signal delivery.
func (s *Spec) Mode() InterruptMode {
	if s == nil || s.InterruptMode == "" {
		return InterruptSignal
	}
	return s.InterruptMode
}

// FormatArgv substitutes placeholders in the spec's argv.
func (s *Spec) FormatArgv(connectionFile string) []string {
	out := make([]string, len(s.Argv))
	replacer := strings.NewReplacer(
		ConnectionFilePlaceholder, connectionFile,
		ResourceDirPlaceholder, s.ResourceDir,
	)
	for i, arg := range s.Argv {
		out[i] = replacer.Replace(arg)
	}
	return out
}

// Validate checks that the spec can be launched.
func (s *Spec) Validate() error {
	if s == nil {
		return errors.New("kernel spec is nil")
	}
	if len(s.Argv) == 0 || s.Argv[0] == "" {
		return errors.New("kernel spec argv must name an executable")
	}
	switch s.Mode() {
	case InterruptSignal, InterruptMessage:
	default:
		return fmt.Errorf("kernel spec interrupt_mode %q is not supported", s.InterruptMode)
	}
	return nil
}

// Resolver maps a kernel name to a launch spec.
type Resolver interface {
	Resolve(name string) (*Spec, error)
}

// Registry is an in-memory Resolver. The zero value is empty and ready to
// use.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]*Spec
}

// NewRegistry returns a registry preloaded with specs.
func NewRegistry(specs map[string]*Spec) *Registry {
	r := &Registry{}
	for name, spec := range specs {
		r.Register(name, spec)
	}
	return r
}

// Register adds or replaces a spec.
func (r *Registry) Register(name string, spec *Spec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.specs == nil {
		r.specs = make(map[string]*Spec)
	}
	r.specs[name] = spec.Clone()
}

// Resolve implements Resolver.
func (r *Registry) Resolve(name string) (*Spec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return spec.Clone(), nil
}

// Names lists registered kernel names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.specs))
	for name := range r.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadFile reads a single kernel.json document. ResourceDir is set to the
// directory containing the file.
func LoadFile(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read kernel spec: %w", err)
	}
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%s: decode: %w", path, err)
	}
	if err := kschema.Validate(kschema.KernelSpec, raw); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	var spec Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("%s: decode: %w", path, err)
	}
	abs, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("resolve kernel spec dir: %w", err)
	}
	spec.ResourceDir = abs
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &spec, nil
}

// WriteFile persists spec as kernel.json inside dir, creating dir as needed.
func WriteFile(dir string, spec *Spec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create kernel spec dir: %w", err)
	}
	data, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode kernel spec: %w", err)
	}
	path := filepath.Join(dir, "kernel.json")
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("write kernel spec: %w", err)
	}
	return path, nil
}
