package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/openfleet/contextd/internal/faults"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// configSchema rejects unknown keys and wrong-typed values before the yaml
// decode silently drops them.
const configSchema = `{
	"type": "object",
	"additionalProperties": false,
	"properties": {
		"db_path": {"type": "string"},
		"log_level": {"type": "string", "enum": ["debug", "info", "warn", "warning", "error"]},
		"busy_timeout_ms": {"type": "integer", "minimum": 1},
		"cache_ttl_seconds": {"type": "integer", "minimum": 1},
		"cache_max_entries": {"type": "integer", "minimum": 1},
		"chunk_size": {"type": "integer", "minimum": 1},
		"chunk_overlap_ratio": {"type": "number", "minimum": 0, "exclusiveMaximum": 1},
		"default_list_limit": {"type": "integer", "minimum": 1},
		"sweep_interval_minutes": {"type": "integer", "minimum": 0},
		"otel": {
			"type": "object",
			"additionalProperties": false,
			"properties": {
				"enabled": {"type": "boolean"},
				"exporter": {"type": "string", "enum": ["stdout", "otlp"]},
				"endpoint": {"type": "string"},
				"service_name": {"type": "string"},
				"sample_rate": {"type": "number", "minimum": 0, "maximum": 1}
			}
		}
	}
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		// Use jsonschema.UnmarshalJSON for correct number handling (json.Number).
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(configSchema))
		if err != nil {
			schemaErr = fmt.Errorf("unmarshal config schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("config.schema.json", doc); err != nil {
			schemaErr = fmt.Errorf("add config schema resource: %w", err)
			return
		}
		schema, schemaErr = c.Compile("config.schema.json")
	})
	return schema, schemaErr
}

// validateSchema checks raw config.yaml bytes against the embedded schema.
func validateSchema(data []byte) error {
	sch, err := compiledSchema()
	if err != nil {
		return err
	}

	// Round-trip through JSON so the validator sees plain maps and json.Number.
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: parse config.yaml: %v", faults.ErrConfiguration, err)
	}
	jsonBytes, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config for validation: %w", err)
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(jsonBytes)))
	if err != nil {
		return fmt.Errorf("reparse config for validation: %w", err)
	}
	if err := sch.Validate(parsed); err != nil {
		return fmt.Errorf("%w: config.yaml: %v", faults.ErrConfiguration, err)
	}
	return nil
}
