package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Names of the embedded documents accepted by Validate.
const (
	Connection = "connection.v1.json"
	KernelSpec = "kernelspec.v1.json"
	Config     = "config.v1.json"
)

var sources = map[string][]byte{
	Connection: ConnectionV1Schema,
	KernelSpec: KernelSpecV1Schema,
	Config:     ConfigV1Schema,
}

var (
	compileMu sync.Mutex
	compiled  = map[string]*jsonschema.Schema{}
)

func load(name string) (*jsonschema.Schema, error) {
	compileMu.Lock()
	defer compileMu.Unlock()
	if s, ok := compiled[name]; ok {
		return s, nil
	}
	src, ok := sources[name]
	if !ok {
		return nil, fmt.Errorf("unknown schema %q", name)
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(name, bytes.NewReader(src)); err != nil {
		return nil, fmt.Errorf("add schema %s: %w", name, err)
	}
	s, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	compiled[name] = s
	return s, nil
}

// Problem is one schema violation. Path is dotted, with list indexes in
// brackets, e.g. "kernels.py.argv[0]".
type Problem struct {
	Path    string
	Message string
}

// Error lists every violation found in a document.
type Error struct {
	Schema   string
	Problems []Problem
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "does not match %s:", e.Schema)
	for _, p := range e.Problems {
		fmt.Fprintf(&b, "\n  - %s: %s", p.Path, p.Message)
	}
	return b.String()
}

// Validate checks doc against the named schema. doc must have JSON shapes:
// values decoded from YAML are normalised through encoding/json first.
// Violations are reported as *Error.
func Validate(name string, doc any) error {
	s, err := load(name)
	if err != nil {
		return err
	}
	normalized, err := normalize(doc)
	if err != nil {
		return fmt.Errorf("prepare document for %s: %w", name, err)
	}
	err = s.Validate(normalized)
	var verr *jsonschema.ValidationError
	if errors.As(err, &verr) {
		out := &Error{Schema: name}
		collect(verr, &out.Problems)
		return out
	}
	return err
}

func normalize(doc any) (any, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// collect flattens the cause tree, skipping the "doesn't validate with"
// wrappers the validator adds around nested schemas.
func collect(err *jsonschema.ValidationError, into *[]Problem) {
	if len(err.Causes) == 0 || !strings.HasPrefix(err.Message, "doesn't validate with") {
		*into = append(*into, Problem{Path: dotted(err.InstanceLocation), Message: err.Message})
	}
	for _, cause := range err.Causes {
		collect(cause, into)
	}
}

func dotted(pointer string) string {
	var b strings.Builder
	for _, seg := range strings.Split(pointer, "/") {
		if seg == "" {
			continue
		}
		seg = strings.NewReplacer("~1", "/", "~0", "~").Replace(seg)
		if _, err := strconv.Atoi(seg); err == nil {
			b.WriteString("[" + seg + "]")
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(seg)
	}
	if b.Len() == 0 {
		return "(root)"
	}
	return b.String()
}
