package fhir

import (
	"encoding/json"
	"fmt"
	"strings"
)

// PatchOperation represents a single JSON Patch operation (RFC 6902).
type PatchOperation struct {
	Op    string      `json:"op"`
	Path  string      `json:"path"`
	Value interface{} `json:"value,omitempty"`
	From  string      `json:"from,omitempty"`
}

// ParseJSONPatch parses a JSON Patch document. A body that is not a valid
// patch array, or an operation without op or path, is a protocol error.
func ParseJSONPatch(data []byte) ([]PatchOperation, error) {
	var ops []PatchOperation
	if err := json.Unmarshal(data, &ops); err != nil {
		return nil, protocolError(fmt.Sprintf("invalid JSON Patch document: %v", err))
	}
	for i, op := range ops {
		if op.Op == "" {
			return nil, protocolError(fmt.Sprintf("patch operation %d: missing 'op' field", i))
		}
		if op.Path == "" {
			return nil, protocolError(fmt.Sprintf("patch operation %d: missing 'path' field", i))
		}
	}
	return ops, nil
}

// AppendPatch builds a JSON Patch document that appends a value to the array
// at the given pointer path.
func AppendPatch(arrayPath string, value interface{}) ([]byte, error) {
	ops := []PatchOperation{{Op: "add", Path: arrayPath + "/-", Value: value}}
	return json.Marshal(ops)
}

// pointerSegments splits a JSON pointer into its unescaped segments.
func pointerSegments(path string) []string {
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return nil
	}
	parts := strings.Split(path, "/")
	for i, p := range parts {
		p = strings.ReplaceAll(p, "~1", "/")
		parts[i] = strings.ReplaceAll(p, "~0", "~")
	}
	return parts
}
