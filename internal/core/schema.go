package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
)

// Schema validates and normalises service call data.
type Schema interface {
	Validate(data map[string]any) (map[string]any, error)
}

// Describer is implemented by schemas that document their fields.
type Describer interface {
	Describe() ServiceDescription
}

// ServiceDescription is the published description of one service.
type ServiceDescription struct {
	Description string                      `json:"description"`
	Fields      map[string]FieldDescription `json:"fields"`
}

// FieldDescription documents one service data field.
type FieldDescription struct {
	Description string `json:"description,omitempty"`
	Example     any    `json:"example,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// Field declares one key of a JSONSchema.
type Field struct {
	Name        string
	Description string
	Example     any
	Required    bool
	// Default is filled in when the key is absent.
	Default any
	// Schema constrains the value; nil accepts anything.
	Schema *openapi3.Schema
}

// JSONSchema validates service data against an OpenAPI 3 object schema.
type JSONSchema struct {
	description string
	fields      []Field
	schema      *openapi3.Schema
}

// NewSchema builds a strict object schema: unknown keys are rejected
// unless AllowExtra is called.
func NewSchema(description string, fields ...Field) *JSONSchema {
	obj := openapi3.NewObjectSchema()
	for _, f := range fields {
		prop := f.Schema
		if prop == nil {
			prop = openapi3.NewSchema()
		}
		obj.WithProperty(f.Name, prop)
		if f.Required {
			obj.Required = append(obj.Required, f.Name)
		}
	}
	noExtra := false
	obj.AdditionalProperties = openapi3.AdditionalProperties{Has: &noExtra}

	return &JSONSchema{description: description, fields: fields, schema: obj}
}

// AllowExtra lets keys not declared as fields pass validation.
func (s *JSONSchema) AllowExtra() *JSONSchema {
	s.schema.AdditionalProperties = openapi3.AdditionalProperties{}
	return s
}

// Validate normalises data through a JSON round trip, fills defaults and
// checks the result against the schema.
func (s *JSONSchema) Validate(data map[string]any) (map[string]any, error) {
	normalised, err := normalise(data)
	if err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("service data is not JSON encodable: %v", err)}
	}

	for _, f := range s.fields {
		if _, ok := normalised[f.Name]; !ok && f.Default != nil {
			normalised[f.Name] = f.Default
		}
	}

	if err := s.schema.VisitJSON(normalised); err != nil {
		return nil, schemaValidationError(err)
	}
	return normalised, nil
}

// Describe lists the declared fields.
func (s *JSONSchema) Describe() ServiceDescription {
	out := ServiceDescription{
		Description: s.description,
		Fields:      make(map[string]FieldDescription, len(s.fields)),
	}
	for _, f := range s.fields {
		out.Fields[f.Name] = FieldDescription{
			Description: f.Description,
			Example:     f.Example,
			Required:    f.Required,
		}
	}
	return out
}

func normalise(data map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func schemaValidationError(err error) *ValidationError {
	var se *openapi3.SchemaError
	if errors.As(err, &se) {
		return &ValidationError{
			Field:   strings.Join(se.JSONPointer(), "."),
			Message: se.Reason,
		}
	}
	return &ValidationError{Message: err.Error()}
}

// EntityIDSchema accepts a single entity id, a list of them, or "all".
func EntityIDSchema() *openapi3.Schema {
	return openapi3.NewOneOfSchema(
		openapi3.NewStringSchema(),
		openapi3.NewArraySchema().WithItems(openapi3.NewStringSchema()),
	)
}

// EntityIDField is the optional entity_id field shared by entity services.
func EntityIDField() Field {
	return Field{
		Name:        AttrEntityID,
		Description: "Entity id(s) to target, or \"all\".",
		Example:     "light.kitchen",
		Schema:      EntityIDSchema(),
	}
}
