package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// graphSpecSchema is the JSON Schema for serialized graph specs. Structural
// invariants that need cross-referencing (edge endpoints, entry node) are
// checked by GraphSpec.Validate afterwards.
const graphSpecSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "entry_node", "nodes"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "goal_id": {"type": "string"},
    "entry_node": {"type": "string", "minLength": 1},
    "terminal_nodes": {"type": "array", "items": {"type": "string"}},
    "execution_timeout_seconds": {"type": ["number", "null"], "minimum": 0},
    "max_steps": {"type": "integer", "minimum": 0},
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "node_type"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "name": {"type": "string"},
          "description": {"type": "string"},
          "node_type": {
            "enum": ["event_loop", "llm_generate", "llm_tool_use", "router",
                     "function", "human_input", "input", "output"]
          },
          "input_keys": {"type": "array", "items": {"type": "string"}},
          "output_keys": {"type": "array", "items": {"type": "string"}},
          "tools": {
            "type": "array",
            "items": {
              "oneOf": [
                {"type": "string", "minLength": 1},
                {"type": "array", "items": {"type": "string", "minLength": 1}, "minItems": 1}
              ]
            }
          },
          "system_prompt": {"type": "string"},
          "max_retries": {"type": "integer", "minimum": 0},
          "routes": {"type": "object", "additionalProperties": {"type": "string"}}
        }
      }
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "source", "target", "condition"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "source": {"type": "string", "minLength": 1},
          "target": {"type": "string", "minLength": 1},
          "condition": {
            "enum": ["always", "on_success", "on_failure", "conditional", "llm_decide"]
          },
          "condition_expr": {"type": "string"},
          "priority": {"type": "integer"},
          "input_mapping": {"type": "object", "additionalProperties": {"type": "string"}}
        }
      }
    }
  }
}`

var compiledGraphSchema = mustCompileSchema(graphSpecSchema)

func mustCompileSchema(src string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("graph_spec.json", strings.NewReader(src)); err != nil {
		panic(fmt.Sprintf("invalid embedded graph schema: %v", err))
	}
	schema, err := c.Compile("graph_spec.json")
	if err != nil {
		panic(fmt.Sprintf("invalid embedded graph schema: %v", err))
	}
	return schema
}

// ParseGraphSpec decodes a serialized graph spec, validating it against the
// embedded JSON Schema and then against the structural invariants.
func ParseGraphSpec(data []byte) (*GraphSpec, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, NewRuntimeError(ErrCodeInvalidGraph, "graph spec is not valid JSON: %v", err)
	}
	if err := compiledGraphSchema.Validate(raw); err != nil {
		return nil, NewRuntimeError(ErrCodeInvalidGraph, "graph spec failed schema validation: %v", err)
	}

	var spec GraphSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, NewRuntimeError(ErrCodeInvalidGraph, "failed to decode graph spec: %v", err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}
