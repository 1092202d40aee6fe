package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/stewardhq/steward/internal/expressions"
	"github.com/stewardhq/steward/pkg/schema"
)

// pipelineSchemaJSON is the JSON Schema for PipelineDefinition validation.
// Embedded as a constant to avoid filesystem dependencies.
const pipelineSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://steward.dev/schemas/pipeline.json",
  "type": "object",
  "required": ["name", "stages"],
  "properties": {
    "name": {
      "type": "string",
      "minLength": 1,
      "pattern": "^[a-z][a-z0-9_-]*$"
    },
    "description": { "type": "string" },
    "stages": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/stage" }
    },
    "approval_deadline": { "$ref": "#/$defs/duration" },
    "active_budget": { "$ref": "#/$defs/duration" },
    "on_timeout": {
      "type": "string",
      "enum": ["reject", "retain"]
    },
    "metadata": { "type": "object" }
  },
  "additionalProperties": false,
  "$defs": {
    "stage": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": {
          "type": "string",
          "minLength": 1
        },
        "kind": { "type": "string" },
        "mutating": { "type": "boolean" },
        "cleanup": { "type": "boolean" },
        "params": {},
        "run_if": { "type": "string" },
        "retry": { "$ref": "#/$defs/retry" },
        "timeout": { "$ref": "#/$defs/duration" }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["max"],
      "properties": {
        "max": {
          "type": "integer",
          "minimum": 0
        },
        "backoff": {
          "type": "string",
          "enum": ["none", "linear", "exponential", "constant"]
        },
        "delay": { "$ref": "#/$defs/duration" },
        "max_delay": { "$ref": "#/$defs/duration" }
      },
      "additionalProperties": false
    },
    "duration": {
      "type": "string",
      "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
    }
  }
}`

// KindLookup answers whether a stage kind is registered. The stage
// registry satisfies it.
type KindLookup interface {
	Has(name string) bool
}

// PipelineValidator checks pipeline definitions before registration:
// structural validation against the embedded JSON Schema, then semantic
// checks the schema cannot express.
type PipelineValidator struct {
	compiled *jsonschema.Schema
	kinds    KindLookup
	guards   *expressions.ExprEngine
}

// NewPipelineValidator creates a PipelineValidator. kinds may be nil to
// skip stage kind existence checks; guards may be nil to skip run_if
// compilation checks.
func NewPipelineValidator(kinds KindLookup, guards *expressions.ExprEngine) (*PipelineValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(pipelineSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal pipeline schema: %w", err)
	}
	if err := c.AddResource("https://steward.dev/schemas/pipeline.json", doc); err != nil {
		return nil, fmt.Errorf("add pipeline schema resource: %w", err)
	}
	compiled, err := c.Compile("https://steward.dev/schemas/pipeline.json")
	if err != nil {
		return nil, fmt.Errorf("compile pipeline schema: %w", err)
	}
	return &PipelineValidator{compiled: compiled, kinds: kinds, guards: guards}, nil
}

// Validate runs structural then semantic validation. Structural errors
// short-circuit: the definition may not be shaped well enough to inspect.
func (v *PipelineValidator) Validate(def *schema.PipelineDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if def == nil {
		result.AddError("/", schema.ErrCodeValidation, "pipeline definition is nil")
		return result
	}

	doc, err := toJSONValue(def)
	if err != nil {
		result.AddError("/", schema.ErrCodeValidation, "failed to serialize pipeline definition")
		return result
	}
	if err := v.compiled.Validate(doc); err != nil {
		for _, violation := range structuralViolations(err) {
			result.AddError("/", schema.ErrCodeValidation, violation)
		}
		return result
	}

	result.Merge(v.validateSemantic(def))
	return result
}

// ValidateDefinition converts the result into an error, for callers that
// only need pass/fail.
func (v *PipelineValidator) ValidateDefinition(def *schema.PipelineDefinition) error {
	return v.Validate(def).ToError()
}

func (v *PipelineValidator) validateSemantic(def *schema.PipelineDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	seen := make(map[string]bool, len(def.Stages))
	for i := range def.Stages {
		stage := &def.Stages[i]
		path := fmt.Sprintf("stages[%d]", i)

		if seen[stage.Name] {
			result.AddError(path+".name", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate stage name %q", stage.Name))
		}
		seen[stage.Name] = true

		kind := stage.Kind
		if kind == "" {
			kind = stage.Name
		}
		if v.kinds != nil && !v.kinds.Has(kind) {
			result.AddError(path+".kind", schema.ErrCodeNotFound,
				fmt.Sprintf("stage kind %q not registered", kind))
		}

		if stage.Mutating && stage.Cleanup {
			result.AddError(path, schema.ErrCodeValidation,
				"cleanup stages run after rejection and must not mutate")
		}

		if len(stage.Params) > 0 && !json.Valid(stage.Params) {
			result.AddError(path+".params", schema.ErrCodeValidation, "params is not valid JSON")
		}

		if stage.RunIf != "" && v.guards != nil {
			if err := v.guards.Compile(stage.RunIf); err != nil {
				result.AddError(path+".run_if", schema.ErrCodeValidation,
					fmt.Sprintf("guard does not compile: %s", err.Error()))
			}
		}

		if stage.Retry != nil && stage.Retry.Max > 10 {
			result.AddWarning(path+".retry.max", schema.ErrCodeValidation,
				fmt.Sprintf("high retry count (%d) may cause excessive delays", stage.Retry.Max))
		}
	}

	// A cleanup stage ordered before a regular stage will not re-run on
	// termination once the run has advanced past it.
	lastRegular := -1
	for i := range def.Stages {
		if !def.Stages[i].Cleanup {
			lastRegular = i
		}
	}
	for i := range def.Stages {
		if def.Stages[i].Cleanup && i < lastRegular {
			result.AddWarning(fmt.Sprintf("stages[%d]", i), schema.ErrCodeValidation,
				fmt.Sprintf("cleanup stage %q comes before regular stages and may be skipped on termination", def.Stages[i].Name))
		}
	}

	// Stage timeouts beyond the active budget can never be satisfied.
	budget := 10 * time.Minute
	if def.ActiveBudget != "" {
		if d, err := time.ParseDuration(def.ActiveBudget); err == nil {
			budget = d
		}
	}
	for i := range def.Stages {
		stage := &def.Stages[i]
		if stage.Timeout == "" {
			continue
		}
		if d, err := time.ParseDuration(stage.Timeout); err == nil && d > budget {
			result.AddWarning(fmt.Sprintf("stages[%d].timeout", i), schema.ErrCodeValidation,
				fmt.Sprintf("stage timeout (%s) exceeds the active budget (%s)", stage.Timeout, budget))
		}
	}

	return result
}

// toJSONValue round-trips a Go value through JSON so numbers become
// json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// structuralViolations flattens a jsonschema error tree into leaf
// messages with their instance locations.
func structuralViolations(err error) []string {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{err.Error()}
	}
	return collectViolations(verr)
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
