package tool

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"promptdesk/internal/domain"
)

// Validated wraps a tool and checks call arguments against the tool's
// declared JSON Schema before execution. The schema is compiled once at
// wrap time.
type Validated struct {
	domain.Tool
	schema *jsonschema.Schema
}

func NewValidated(t domain.Tool) (*Validated, error) {
	params := t.Schema().Parameters
	if len(params) == 0 {
		params = json.RawMessage(`{"type":"object"}`)
	}

	compiler := jsonschema.NewCompiler()
	url := "tool://" + t.Name() + "/input.json"
	if err := compiler.AddResource(url, bytes.NewReader(params)); err != nil {
		return nil, domain.NewDomainError("tool.NewValidated", domain.ErrToolValidation, err.Error())
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, domain.NewDomainError("tool.NewValidated", domain.ErrToolValidation, err.Error())
	}
	return &Validated{Tool: t, schema: schema}, nil
}

// MustValidated panics on schema compilation failure. Startup wiring only.
func MustValidated(t domain.Tool) *Validated {
	v, err := NewValidated(t)
	if err != nil {
		panic(err)
	}
	return v
}

func (v *Validated) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(params, &decoded); err != nil {
		return nil, domain.NewDomainError("tool.Execute", domain.ErrToolValidation,
			"arguments are not valid JSON: "+err.Error())
	}
	if err := v.schema.Validate(decoded); err != nil {
		return nil, domain.NewDomainError("tool.Execute", domain.ErrToolValidation, err.Error())
	}
	return v.Tool.Execute(ctx, params)
}
