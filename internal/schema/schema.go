// Copyright (c) 2025 Gatekeeper Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package schema validates raw decoded plan documents: a pure function
// from a map[string]any to either a defaulted, validated Plan or a
// structured SchemaValidationError. The schema document is embedded and
// compiled once via github.com/santhosh-tekuri/jsonschema.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"gatekeeper/pkg/types"
)

const schemaURL = "https://gatekeeper.schemas.local/plan.schema.json"

// planSchemaJSON describes the Plan document. Unknown fields at the
// Plan/PlanItem/Gate level are rejected via additionalProperties:false.
const planSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["schemaVersion", "target", "items"],
  "properties": {
    "schemaVersion": {"type": "string", "pattern": "^1\\.[0-9]+\\.[0-9]+$"},
    "target": {"type": "string", "minLength": 1},
    "policy": {"$ref": "#/$defs/policy"},
    "items": {"type": "array", "items": {"$ref": "#/$defs/item"}}
  },
  "$defs": {
    "item": {
      "type": "object",
      "additionalProperties": false,
      "required": ["name"],
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "deps": {"type": "array", "items": {"type": "string"}},
        "gates": {"type": "array", "items": {"$ref": "#/$defs/gate"}}
      }
    },
    "gate": {
      "type": "object",
      "additionalProperties": false,
      "required": ["name", "run"],
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "run": {"type": "string", "minLength": 1},
        "cwd": {"type": "string"},
        "env": {"type": "object", "additionalProperties": {"type": "string"}},
        "runtime": {"type": "string", "enum": ["local", "container", "ci-service"]},
        "artifacts": {"type": "array", "items": {"type": "string"}},
        "container": {"$ref": "#/$defs/container"}
      }
    },
    "container": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "image": {"type": "string"},
        "entrypoint": {"type": "array", "items": {"type": "string"}},
        "mounts": {"type": "array", "items": {"type": "string"}}
      }
    },
    "policy": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "requiredGates": {"type": "array", "items": {"type": "string"}},
        "optionalGates": {"type": "array", "items": {"type": "string"}},
        "blockOn": {"type": "array", "items": {"type": "string"}},
        "maxWorkers": {"type": "integer", "minimum": 1},
        "retries": {
          "type": "object",
          "additionalProperties": {
            "type": "object",
            "additionalProperties": false,
            "properties": {
              "maxAttempts": {"type": "integer", "minimum": 1},
              "backoffSeconds": {"type": "number", "minimum": 0}
            }
          }
        },
        "overrides": {
          "type": "object",
          "additionalProperties": false,
          "properties": {
            "adminGreen": {
              "type": "object",
              "additionalProperties": false,
              "properties": {
                "allowedUsers": {"type": "array", "items": {"type": "string"}},
                "requireReason": {"type": "boolean"}
              }
            }
          }
        },
        "mergeRule": {"type": "string", "enum": ["strict-required"]}
      }
    }
  }
}`

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(schemaURL, strings.NewReader(planSchemaJSON)); err != nil {
			compileErr = fmt.Errorf("schema: failed to load resource: %w", err)
			return
		}
		compiled, compileErr = c.Compile(schemaURL)
	})
	return compiled, compileErr
}

// Issue is a single structured validation problem.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// SchemaValidationError carries every issue found while validating a plan
// document. It is never partial: all issues reachable from the top-level
// validation failure are flattened into Issues.
type SchemaValidationError struct {
	Issues []Issue
}

// IsValidationError marks SchemaValidationError for retry.Classify's
// VALIDATION_ERROR rule: schema errors are permanent and never worth
// retrying.
func (e *SchemaValidationError) IsValidationError() bool { return true }

func (e *SchemaValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "schema validation failed"
	}
	parts := make([]string, 0, len(e.Issues))
	for _, iss := range e.Issues {
		parts = append(parts, fmt.Sprintf("%s: %s (%s)", iss.Path, iss.Message, iss.Code))
	}
	return "schema validation failed: " + strings.Join(parts, "; ")
}

// Validate checks a raw decoded plan document (as produced by
// encoding/json.Unmarshal into map[string]any, or any JSON-marshalable
// value) against the plan schema. It applies documented defaults first,
// then validates, so missing-but-defaultable fields never fail validation.
// It is a pure function: no I/O, no mutation of the input.
func Validate(raw map[string]any) (map[string]any, error) {
	doc := ApplyDefaults(raw)

	s, err := compiledSchema()
	if err != nil {
		return nil, fmt.Errorf("schema: compile failed: %w", err)
	}

	if err := s.Validate(doc); err != nil {
		return nil, &SchemaValidationError{Issues: flatten(err)}
	}

	if sv, _ := doc["schemaVersion"].(string); !strings.HasPrefix(sv, "1.") {
		return nil, &SchemaValidationError{Issues: []Issue{{
			Path:    "/schemaVersion",
			Message: "schemaVersion must begin with \"1.\"",
			Code:    "schema_version_prefix",
		}}}
	}

	return doc, nil
}

// ApplyDefaults fills in the documented defaults: missing deps and gates
// become empty lists, and a missing policy gets
// {maxWorkers: 1, mergeRule: strict-required, ...}.
func ApplyDefaults(raw map[string]any) map[string]any {
	doc := deepCopyMap(raw)

	if items, ok := doc["items"].([]any); ok {
		for i, it := range items {
			itemMap, ok := it.(map[string]any)
			if !ok {
				continue
			}
			if _, present := itemMap["deps"]; !present {
				itemMap["deps"] = []any{}
			}
			if _, present := itemMap["gates"]; !present {
				itemMap["gates"] = []any{}
			}
			items[i] = itemMap
		}
		doc["items"] = items
	} else if _, present := doc["items"]; !present {
		doc["items"] = []any{}
	}

	policyRaw, _ := doc["policy"].(map[string]any)
	if policyRaw == nil {
		policyRaw = map[string]any{}
	}
	if _, present := policyRaw["maxWorkers"]; !present {
		policyRaw["maxWorkers"] = float64(1)
	}
	if _, present := policyRaw["mergeRule"]; !present {
		policyRaw["mergeRule"] = "strict-required"
	}
	if _, present := policyRaw["requiredGates"]; !present {
		policyRaw["requiredGates"] = []any{}
	}
	if _, present := policyRaw["optionalGates"]; !present {
		policyRaw["optionalGates"] = []any{}
	}
	if _, present := policyRaw["blockOn"]; !present {
		policyRaw["blockOn"] = []any{}
	}
	if _, present := policyRaw["overrides"]; !present {
		policyRaw["overrides"] = map[string]any{}
	}
	doc["policy"] = policyRaw

	return doc
}

// Decode converts a validated, defaulted document (as returned by Validate)
// into a typed types.Plan. It round-trips through encoding/json rather than
// a field-by-field walk, since doc's shape already matches Plan's json
// tags by construction.
func Decode(doc map[string]any) (types.Plan, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return types.Plan{}, fmt.Errorf("schema: marshal decoded document: %w", err)
	}
	var plan types.Plan
	if err := json.Unmarshal(b, &plan); err != nil {
		return types.Plan{}, fmt.Errorf("schema: unmarshal into Plan: %w", err)
	}
	return plan, nil
}

// ValidateAndDecode is the common entry point for an embedding loader: it
// validates raw against the plan schema, applies defaults, and returns the
// typed Plan the rest of the engine consumes.
func ValidateAndDecode(raw map[string]any) (types.Plan, error) {
	doc, err := Validate(raw)
	if err != nil {
		return types.Plan{}, err
	}
	return Decode(doc)
}

func deepCopyMap(in map[string]any) map[string]any {
	// Round-trip through JSON for a cheap, dependency-free deep copy; plan
	// documents are small and this only runs once per validation.
	b, err := json.Marshal(in)
	if err != nil {
		out := make(map[string]any, len(in))
		for k, v := range in {
			out[k] = v
		}
		return out
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return in
	}
	return out
}

func flatten(err error) []Issue {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []Issue{{Path: "/", Message: err.Error(), Code: "validation_error"}}
	}
	var issues []Issue
	collect(verr, &issues)
	if len(issues) == 0 {
		issues = append(issues, Issue{
			Path:    pathFromLocation(verr.InstanceLocation),
			Message: verr.Message,
			Code:    codeFromKeyword(verr.KeywordLocation),
		})
	}
	return issues
}

func collect(verr *jsonschema.ValidationError, out *[]Issue) {
	if len(verr.Causes) == 0 {
		*out = append(*out, Issue{
			Path:    pathFromLocation(verr.InstanceLocation),
			Message: verr.Message,
			Code:    codeFromKeyword(verr.KeywordLocation),
		})
		return
	}
	for _, cause := range verr.Causes {
		collect(cause, out)
	}
}

func pathFromLocation(loc string) string {
	if loc == "" {
		return "/"
	}
	return loc
}

func codeFromKeyword(loc string) string {
	parts := strings.Split(loc, "/")
	if len(parts) == 0 {
		return "unknown"
	}
	last := parts[len(parts)-1]
	if last == "" {
		return "unknown"
	}
	return last
}
