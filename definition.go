package fluxgraph

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ParseDefinition decodes a workflow definition from YAML or JSON bytes.
// Durations may be written as Go duration strings ("30s", "5m").
func ParseDefinition(data []byte) (WorkflowDefinition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return WorkflowDefinition{}, fmt.Errorf("fluxgraph: definition payload is empty")
	}
	var def WorkflowDefinition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return WorkflowDefinition{}, fmt.Errorf("fluxgraph: decode definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return WorkflowDefinition{}, err
	}
	return def, nil
}

// LoadDefinitionReader reads workflow definition data from an io.Reader.
func LoadDefinitionReader(r io.Reader) (WorkflowDefinition, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return WorkflowDefinition{}, fmt.Errorf("fluxgraph: read definition: %w", err)
	}
	return ParseDefinition(content)
}

// LoadDefinitionFile loads a workflow definition from a file.
func LoadDefinitionFile(path string) (WorkflowDefinition, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return WorkflowDefinition{}, fmt.Errorf("fluxgraph: read %s: %w", path, err)
	}
	def, err := ParseDefinition(content)
	if err != nil {
		return WorkflowDefinition{}, fmt.Errorf("fluxgraph: %s: %w", path, err)
	}
	return def, nil
}

// RegisterFiles loads every file matching the given glob patterns and
// registers the definitions with eng.
func RegisterFiles(ctx context.Context, eng *Engine, patterns ...string) ([]WorkflowDefinition, error) {
	var out []WorkflowDefinition
	for _, pattern := range patterns {
		paths, err := filepath.Glob(pattern)
		if err != nil {
			return out, fmt.Errorf("fluxgraph: %q: %w", pattern, err)
		}
		if len(paths) == 0 {
			return out, fmt.Errorf("fluxgraph: no workflow files match %q", pattern)
		}
		for _, path := range paths {
			def, err := LoadDefinitionFile(path)
			if err != nil {
				return out, err
			}
			registered, err := eng.RegisterWorkflow(ctx, def)
			if err != nil {
				return out, fmt.Errorf("fluxgraph: register %s: %w", path, err)
			}
			out = append(out, registered)
		}
	}
	return out, nil
}
