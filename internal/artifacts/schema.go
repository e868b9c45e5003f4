package artifacts

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// rawSchemas holds the JSON Schemas enforced at the storage edge. Only the
// artifacts with a hard wire contract are validated; the rest are free-form.
var rawSchemas = map[string]string{
	TypeTradeReceipt: `{
		"type": "object",
		"required": ["status", "mode", "notional_usd", "completed_at", "venue", "evidence"],
		"properties": {
			"status": {"enum": ["EXECUTED", "FAILED"]},
			"mode": {"type": "string"},
			"notional_usd": {"type": "number"},
			"venue": {
				"type": "object",
				"required": ["name", "execution_mode", "order_type"]
			},
			"evidence": {"type": "array"}
		}
	}`,
	TypeTradePlan: `{
		"type": "object",
		"required": ["strategy", "metric", "window", "selected_asset", "constraints", "computed_at"],
		"properties": {
			"window": {"type": "object", "required": ["label"]},
			"constraints": {"type": "object", "required": ["mode", "time_in_force"]}
		}
	}`,
	TypeDecisionTable: `{
		"type": "object",
		"required": ["asset_class", "granularity", "ranked_candidates", "final_selection", "created_at"],
		"properties": {
			"ranked_candidates": {"type": "array"},
			"final_selection": {"type": "object", "required": ["blocked"]}
		}
	}`,
}

var (
	schemaOnce sync.Once
	schemas    map[string]*jsonschema.Schema
	schemaErr  error
)

func compiled() (map[string]*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		schemas = make(map[string]*jsonschema.Schema, len(rawSchemas))
		for name, raw := range rawSchemas {
			doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(raw)))
			if err != nil {
				schemaErr = fmt.Errorf("schema %s: %w", name, err)
				return
			}
			url := "mem://" + name + ".json"
			if err := compiler.AddResource(url, doc); err != nil {
				schemaErr = fmt.Errorf("schema %s: %w", name, err)
				return
			}
			schema, err := compiler.Compile(url)
			if err != nil {
				schemaErr = fmt.Errorf("schema %s: %w", name, err)
				return
			}
			schemas[name] = schema
		}
	})
	return schemas, schemaErr
}

// validate checks raw against the registered schema for artifactType, if any.
func validate(artifactType string, raw []byte) error {
	all, err := compiled()
	if err != nil {
		return err
	}
	schema, ok := all[artifactType]
	if !ok {
		return nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	return schema.Validate(doc)
}
