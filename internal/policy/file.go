package policy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"dpledger/internal/core"
)

// LoadFile reads a YAML policy document. Omitted fields keep their default
// values; unknown fields are an error.
func LoadFile(path string) (core.Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return core.Policy{}, fmt.Errorf("read policy file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (core.Policy, error) {
	p := core.DefaultPolicy()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return core.Policy{}, core.ErrInvalid("parse policy: %v", err)
	}
	p = p.Normalize()
	if err := p.Validate(); err != nil {
		return core.Policy{}, err
	}
	return p, nil
}

// Marshal renders the rules of p as YAML.
func Marshal(p core.Policy) ([]byte, error) {
	return yaml.Marshal(p)
}
