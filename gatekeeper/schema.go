package gatekeeper

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/aura-dev/aura/runtime/orchestrator/fault"
	"github.com/aura-dev/aura/runtime/orchestrator/job"
)

// Payload schemas per kind. Validation happens before normalization so the
// fingerprint is only ever computed over well-formed payloads.
var schemaSources = map[job.Kind]string{
	job.KindAudit: `{
		"type": "object",
		"required": ["diff", "base_hash", "new_hash"],
		"properties": {
			"diff": {"type": "string", "minLength": 1},
			"base_hash": {"type": "string", "minLength": 1},
			"new_hash": {"type": "string", "minLength": 1}
		},
		"additionalProperties": false
	}`,
	job.KindStruggle: `{
		"type": "object",
		"required": ["session", "events"],
		"properties": {
			"session": {"type": "string", "minLength": 1},
			"events": {
				"type": "array",
				"minItems": 1,
				"items": {
					"type": "object",
					"required": ["kind"],
					"properties": {
						"ts": {"type": "string"},
						"kind": {"enum": ["edit", "error"]},
						"signature": {"type": "string"},
						"payload": {}
					}
				}
			}
		},
		"additionalProperties": false
	}`,
	job.KindLesson: `{
		"type": "object",
		"required": ["query"],
		"properties": {
			"query": {"type": "string", "minLength": 1},
			"error_patterns": {"type": "array", "items": {"type": "string"}},
			"top_k": {"type": "integer", "minimum": 1, "maximum": 10}
		},
		"additionalProperties": false
	}`,
}

func compileSchemas() (map[job.Kind]*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	for kind, src := range schemaSources {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", kind, err)
		}
		if err := c.AddResource(string(kind)+".json", doc); err != nil {
			return nil, fmt.Errorf("schema %s: %w", kind, err)
		}
	}
	out := make(map[job.Kind]*jsonschema.Schema, len(schemaSources))
	for kind := range schemaSources {
		sch, err := c.Compile(string(kind) + ".json")
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", kind, err)
		}
		out[kind] = sch
	}
	return out, nil
}

func (g *Gatekeeper) validatePayload(kind job.Kind, payload []byte) error {
	sch, ok := g.schemas[kind]
	if !ok {
		// Kinds without a schema (refresh) carry no payload contract.
		return nil
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return fault.Wrap(fault.KindValidation, "payload is not valid JSON", err)
	}
	if err := sch.Validate(inst); err != nil {
		return fault.Wrap(fault.KindValidation, "payload rejected", err)
	}
	return nil
}
