package intent

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// schemaV1 is the JSON Schema for ExecutionIntent v1. Structural checks the
// ordered validator already covers (identity presence, confidence range) are
// repeated here so the schema stands alone for out-of-process producers.
const schemaV1 = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "ExecutionIntent",
  "type": "object",
  "required": ["intent_id", "tenant_id", "idempotency_key", "canonical_action", "trace_id", "locale", "confidence", "created_at"],
  "additionalProperties": true,
  "properties": {
    "intent_id": {"type": "string", "minLength": 1},
    "tenant_id": {"type": "string", "minLength": 1, "pattern": "^[a-zA-Z0-9_-]+$"},
    "idempotency_key": {"type": "string", "pattern": "^[0-9a-f]{32}$"},
    "canonical_action": {"type": "string", "minLength": 1, "pattern": "^[a-z0-9_]+(\\.[a-z0-9_]+)*$"},
    "canonical_object": {"type": "string"},
    "parameters": {"type": "object"},
    "risk_lane": {"type": "string", "enum": ["GREEN", "YELLOW", "RED", "BLOCKED", ""]},
    "trace_id": {"type": "string", "minLength": 1},
    "source_event_id": {"type": "string"},
    "user_confirmed": {"type": "boolean"},
    "locale": {"type": "string", "minLength": 2},
    "target_locale": {"type": "string"},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "translation_status": {"type": "string", "enum": ["SUCCESS", "FAILED", ""]},
    "created_at": {"type": "string"}
  }
}`

var schemaLoaderV1 = gojsonschema.NewStringLoader(schemaV1)

// ValidateSchema validates the intent against the v1 JSON schema. The
// ordered validator calls this last, mapping any failure to
// schema_violation.
func ValidateSchema(it *ExecutionIntent) error {
	jsonBytes, err := json.Marshal(it)
	if err != nil {
		return fmt.Errorf("marshaling intent for schema validation: %w", err)
	}

	result, err := gojsonschema.Validate(schemaLoaderV1, gojsonschema.NewBytesLoader(jsonBytes))
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	if !result.Valid() {
		var errMsg string
		for _, verr := range result.Errors() {
			errMsg += fmt.Sprintf("%s; ", verr)
		}
		return fmt.Errorf("intent schema v1: %s", errMsg)
	}

	return nil
}
