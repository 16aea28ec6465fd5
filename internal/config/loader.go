package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/Paintersrp/kernelsup/internal/kernelspec"
	kschema "github.com/Paintersrp/kernelsup/schema"
)

// DefaultFile is the configuration file looked up in the working directory
// when no path is given.
const DefaultFile = "kernelsup.yaml"

// Load reads a configuration document from path, applies KERNELSUP_*
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%s: decode: %w", absPath, err)
	}
	if err := kschema.Validate(kschema.Config, raw); err != nil {
		return nil, fmt.Errorf("%s: schema validation failed: %w", absPath, err)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	var doc Config
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%s: decode: %w", absPath, err)
	}

	baseDir := filepath.Dir(absPath)
	doc.RuntimeDir = resolvePath(baseDir, os.ExpandEnv(doc.RuntimeDir))
	for i, dir := range doc.KernelSpecDirs {
		doc.KernelSpecDirs[i] = resolvePath(baseDir, os.ExpandEnv(dir))
	}
	for _, spec := range doc.Kernels {
		if spec == nil {
			continue
		}
		spec.ResourceDir = baseDir
		for k, v := range spec.Env {
			spec.Env[k] = os.ExpandEnv(v)
		}
	}

	if err := doc.ApplyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	if err := doc.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	return &doc, nil
}

// LoadOrDefault loads path when given. With an empty path it loads
// DefaultFile if present and otherwise falls back to Default with
// environment overrides applied.
func LoadOrDefault(path string) (*Config, error) {
	if path != "" {
		return Load(path)
	}
	if _, err := os.Stat(DefaultFile); err == nil {
		return Load(DefaultFile)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("stat %s: %w", DefaultFile, err)
	}
	cfg := &Config{Version: Version}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func resolvePath(base, path string) string {
	if path == "" {
		return ""
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Clean(filepath.Join(base, path))
}

// Registry builds a kernel spec registry. Specs found under KernelSpecDirs
// as <dir>/<name>/kernel.json are registered first; inline kernels replace
// them by name.
func (c *Config) Registry() (*kernelspec.Registry, error) {
	reg := &kernelspec.Registry{}
	for _, dir := range c.KernelSpecDirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("read kernel spec dir: %w", err)
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			path := filepath.Join(dir, entry.Name(), "kernel.json")
			if _, err := os.Stat(path); err != nil {
				continue
			}
			spec, err := kernelspec.LoadFile(path)
			if err != nil {
				return nil, err
			}
			reg.Register(entry.Name(), spec)
		}
	}

	names := make([]string, 0, len(c.Kernels))
	for name := range c.Kernels {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		reg.Register(name, c.Kernels[name])
	}
	return reg, nil
}
