// ABOUTME: Structural JSON Schema check for raw deal payloads from the network
// ABOUTME: Runs before Normalize on bytes that arrive over HTTP or the real-time stream
package schema

import (
	"bytes"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/harperreed/dealsync/models"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

const dealSchemaURL = "dealsync://deal.schema.json"

const dealSchema = `{
  "type": "object",
  "required": ["id", "organization_id", "stage", "created_at"],
  "properties": {
    "id": {"type": ["string", "integer"]},
    "organization_id": {"type": "string", "minLength": 1},
    "stage": {"type": "string", "pattern": "^[a-z][a-z0-9]*(_[a-z0-9]+)*$"},
    "status": {"type": ["string", "null"]},
    "value": {"type": ["number", "string", "null"]},
    "confidence": {"type": ["number", "null"]},
    "created_at": {"type": ["string", "number"]},
    "updated_at": {"type": ["string", "number", "null"]}
  }
}`

var (
	compiledOnce sync.Once
	compiled     *jsonschema.Schema
)

func dealSchemaValidator() *jsonschema.Schema {
	compiledOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(dealSchema))
		if err != nil {
			log.Error("failed to parse deal schema", "err", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(dealSchemaURL, doc); err != nil {
			log.Error("failed to add deal schema", "err", err)
			return
		}
		sch, err := c.Compile(dealSchemaURL)
		if err != nil {
			log.Error("failed to compile deal schema", "err", err)
			return
		}
		compiled = sch
	})
	return compiled
}

// DecodeJSON parses raw bytes and checks them against the deal schema.
// Returns nil when the payload is not a structurally valid record.
func DecodeJSON(data []byte) map[string]any {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil
	}
	if sch := dealSchemaValidator(); sch != nil {
		if err := sch.Validate(inst); err != nil {
			return nil
		}
	}
	raw, ok := inst.(map[string]any)
	if !ok {
		return nil
	}
	return raw
}

// NormalizeJSON validates and normalizes a raw JSON record.
func NormalizeJSON(data []byte) *models.Deal {
	raw := DecodeJSON(data)
	if raw == nil {
		return nil
	}
	return Normalize(raw)
}

// IdentityJSON extracts id and organization id from a raw, possibly partial, record.
func IdentityJSON(data []byte) (id, orgID string, ok bool) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return "", "", false
	}
	raw, isMap := inst.(map[string]any)
	if !isMap {
		return "", "", false
	}
	return Identity(raw)
}
