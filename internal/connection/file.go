package connection

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	kschema "github.com/Paintersrp/kernelsup/schema"
)

// WriteFile persists info to path with owner-only permissions. The file is
// written to a temporary sibling first and renamed into place so a kernel
// never observes a partially written document.
func WriteFile(path string, info Info) error {
	if err := info.Validate(); err != nil {
		return err
	}
	if info.SignatureScheme == "" {
		info.SignatureScheme = DefaultSignatureScheme
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("encode connection file: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create connection dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create connection file: %w", err)
	}
	tmpName := tmp.Name()
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("chmod connection file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write connection file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close connection file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("install connection file: %w", err)
	}
	return nil
}

// ReadFile loads and validates a connection file.
func ReadFile(path string) (Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Info{}, fmt.Errorf("read connection file: %w", err)
	}
	info, err := Decode(data)
	if err != nil {
		return Info{}, fmt.Errorf("%s: %w", path, err)
	}
	return info, nil
}

// Decode parses a connection document and validates it against the embedded
// schema and the descriptor rules.
func Decode(data []byte) (Info, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Info{}, fmt.Errorf("decode connection file: %w", err)
	}
	if err := kschema.Validate(kschema.Connection, raw); err != nil {
		return Info{}, fmt.Errorf("connection file invalid: %w", err)
	}

	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return Info{}, fmt.Errorf("decode connection file: %w", err)
	}
	if err := info.Validate(); err != nil {
		return Info{}, err
	}
	return info, nil
}
