package capability

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/tjfontaine/teller/internal/core/domain"
)

// ParamType is the primitive JSON type of a parameter.
type ParamType string

const (
	String  ParamType = "string"
	Integer ParamType = "integer"
	Number  ParamType = "number"
	Boolean ParamType = "boolean"
)

// Valid reports whether t is a known primitive type.
func (t ParamType) Valid() bool {
	switch t {
	case String, Integer, Number, Boolean:
		return true
	}
	return false
}

// Param describes one named argument.
type Param struct {
	Name        string
	Type        ParamType
	Required    bool
	Description string

	// Default is applied when an optional argument is omitted.
	Default any

	// Secret values are masked in recorded history.
	Secret bool
}

// Descriptor is the public description of a capability.
type Descriptor struct {
	Name        string
	Description string
	Sensitivity domain.Sensitivity
	Params      []Param
}

// JSONSchema renders the argument schema as a draft-07 object schema.
// Backends hand it to the oracle as the tool's parameter declaration.
func (d Descriptor) JSONSchema() map[string]any {
	props := make(map[string]any, len(d.Params))
	var required []string
	for _, p := range d.Params {
		prop := map[string]any{"type": string(p.Type)}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// ValidationError lists every schema violation of one request.
type ValidationError struct {
	Capability string
	Problems   []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s", e.Capability, strings.Join(e.Problems, "; "))
}

// Validate applies defaults to a copy of raw and checks it against the
// capability's schema.
func (c *Capability) Validate(raw map[string]any) (Args, error) {
	args := make(map[string]any, len(raw)+len(c.Params))
	for k, v := range raw {
		args[k] = v
	}
	for _, p := range c.Params {
		if _, ok := args[p.Name]; !ok && p.Default != nil {
			args[p.Name] = p.Default
		}
	}

	result, err := c.schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return Args{}, &ValidationError{Capability: c.Name, Problems: []string{err.Error()}}
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, re := range result.Errors() {
			problems = append(problems, re.String())
		}
		return Args{}, &ValidationError{Capability: c.Name, Problems: problems}
	}
	return Args{values: args}, nil
}
