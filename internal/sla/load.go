package sla

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed policies.yaml
var defaultPolicies []byte

// Document is the on-disk form of a policy table.
type Document struct {
	Policies []Policy `json:"policies" yaml:"policies"`
}

// Parse decodes a YAML (or JSON) policy document and builds a validated
// Table. Unknown fields are rejected so a misspelled key cannot silently
// zero an allowance.
func Parse(data []byte) (*Table, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("policy document is empty")
		}
		return nil, fmt.Errorf("decode policy document: %w", err)
	}
	if len(doc.Policies) == 0 {
		return nil, errors.New("policy document defines no policies")
	}
	return NewTable(doc.Policies)
}

// LoadFile reads and parses the policy document at path.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	t, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("policy file %s: %w", path, err)
	}
	return t, nil
}

// DefaultTable returns the built-in reference policy table.
func DefaultTable() *Table {
	t, err := Parse(defaultPolicies)
	if err != nil {
		panic(fmt.Sprintf("embedded policy table is invalid: %v", err))
	}
	return t
}
