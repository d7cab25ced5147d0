package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrValidation can be used with errors.Is to detect payload validation
// failures.
var ErrValidation = errors.New("validation failed")

// Validator checks inbound event payloads against per-event-type JSON
// schemas. Schema files are named after the event type, e.g.
// payment.captured.json.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// NewValidator loads and compiles all *.json schema files from schemaDir.
func NewValidator(schemaDir string) (*Validator, error) {
	entries, err := os.ReadDir(schemaDir)
	if err != nil {
		return nil, fmt.Errorf("read schema dir %q: %w", schemaDir, err)
	}
	schemas := make(map[string]*jsonschema.Schema)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		eventType := strings.TrimSuffix(e.Name(), ".json")
		path := filepath.Join(schemaDir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", path, err)
		}
		id := "https://shiftstack.dev/schemas/webhooks/" + eventType
		schemas[eventType], err = jsonschema.CompileString(id, string(data))
		if err != nil {
			return nil, fmt.Errorf("compile schema %q: %w", eventType, err)
		}
	}
	if len(schemas) == 0 {
		return nil, fmt.Errorf("no schemas found in %q", schemaDir)
	}
	return &Validator{schemas: schemas}, nil
}

// Known reports whether the event type has a schema at all.
func (v *Validator) Known(eventType string) bool {
	_, ok := v.schemas[eventType]
	return ok
}

// Validate hard-rejects payloads that do not match the event type's schema.
func (v *Validator) Validate(eventType string, payload json.RawMessage) error {
	schema, ok := v.schemas[eventType]
	if !ok {
		return fmt.Errorf("unknown event type %q", eventType)
	}
	var doc interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}
