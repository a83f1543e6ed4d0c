package persistence

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/petrijr/fluxgraph/pkg/api"
)

// EncodeState serializes an execution state as versioned JSON.
func EncodeState(s api.ExecutionState) ([]byte, error) {
	if s.SchemaVersion == 0 {
		s.SchemaVersion = api.StateSchemaVersion
	}
	return json.Marshal(s)
}

// DecodeState parses a persisted state. States written by a newer schema
// than this binary understands are rejected rather than silently truncated.
func DecodeState(data []byte) (api.ExecutionState, error) {
	var s api.ExecutionState
	if len(data) > 0 {
		if err := json.Unmarshal(data, &s); err != nil {
			return s, fmt.Errorf("decode execution state: %w", err)
		}
	}
	if s.SchemaVersion > api.StateSchemaVersion {
		return s, fmt.Errorf("execution state schema %d is newer than supported %d", s.SchemaVersion, api.StateSchemaVersion)
	}
	s.Normalize()
	return s, nil
}

// EncodeValue serializes v as JSON. A nil value encodes to nil.
func EncodeValue(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// DecodeMap parses a JSON object. Empty input yields a nil map.
func DecodeMap(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// DecodeInto parses data into dst. Empty input leaves dst untouched.
func DecodeInto(data []byte, dst any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}

// CloneExecution deep-copies an execution through its JSON form, which is
// also what every store persists.
func CloneExecution(e *api.WorkflowExecution) (*api.WorkflowExecution, error) {
	if e == nil {
		return nil, nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	var out api.WorkflowExecution
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	out.State.Normalize()
	return &out, nil
}

// StateSize returns the encoded size of an execution state in bytes.
func StateSize(s api.ExecutionState) (int, error) {
	data, err := EncodeState(s)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}
