package tool

import (
	"encoding/json"
	"fmt"
)

// Validator checks tool arguments against their schemas. Violations are
// reported with the offending field path so the model can self-correct.
type Validator struct{}

// NewValidator creates a validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks args against schema.
func (v *Validator) Validate(schema Schema, args json.RawMessage) error {
	if schema.Type != "object" {
		return fmt.Errorf("schema type must be 'object', got %q", schema.Type)
	}

	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	var argMap map[string]any
	if err := json.Unmarshal(args, &argMap); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}

	for _, required := range schema.Required {
		if _, ok := argMap[required]; !ok {
			return fmt.Errorf("missing required field: %s", required)
		}
	}

	for name, def := range schema.Properties {
		value, ok := argMap[name]
		if !ok {
			continue
		}
		if err := v.validateProperty(name, def, value); err != nil {
			return err
		}
	}
	return nil
}

func (v *Validator) validateProperty(path string, def Property, value any) error {
	if value == nil {
		return nil
	}

	if err := v.validateType(path, def.Type, value); err != nil {
		return err
	}

	if len(def.Enum) > 0 {
		strVal, ok := value.(string)
		if !ok {
			return fmt.Errorf("field %q: expected string for enum, got %T", path, value)
		}
		valid := false
		for _, e := range def.Enum {
			if strVal == e {
				valid = true
				break
			}
		}
		if !valid {
			return fmt.Errorf("field %q: value %q not in allowed values %v", path, strVal, def.Enum)
		}
	}

	if def.Type == "number" || def.Type == "integer" {
		if numVal, ok := value.(float64); ok {
			if def.Minimum != nil && numVal < *def.Minimum {
				return fmt.Errorf("field %q: value %v is less than minimum %v", path, numVal, *def.Minimum)
			}
			if def.Maximum != nil && numVal > *def.Maximum {
				return fmt.Errorf("field %q: value %v exceeds maximum %v", path, numVal, *def.Maximum)
			}
		}
	}

	if def.Type == "string" {
		if strVal, ok := value.(string); ok {
			if def.MinLength != nil && len(strVal) < *def.MinLength {
				return fmt.Errorf("field %q: length %d is less than minimum %d", path, len(strVal), *def.MinLength)
			}
			if def.MaxLength != nil && len(strVal) > *def.MaxLength {
				return fmt.Errorf("field %q: length %d exceeds maximum %d", path, len(strVal), *def.MaxLength)
			}
		}
	}

	if def.Type == "array" && def.Items != nil {
		if arr, ok := value.([]any); ok {
			for i, item := range arr {
				if err := v.validateProperty(fmt.Sprintf("%s[%d]", path, i), *def.Items, item); err != nil {
					return err
				}
			}
		}
	}

	if def.Type == "object" && def.Properties != nil {
		if obj, ok := value.(map[string]any); ok {
			for name, nested := range def.Properties {
				if nestedVal, ok := obj[name]; ok {
					if err := v.validateProperty(path+"."+name, nested, nestedVal); err != nil {
						return err
					}
				}
			}
		}
	}

	return nil
}

func (v *Validator) validateType(path, expected string, value any) error {
	switch expected {
	case "string":
		if _, ok := value.(string); !ok {
			return fmt.Errorf("field %q: expected string, got %T", path, value)
		}
	case "number":
		if _, ok := value.(float64); !ok {
			return fmt.Errorf("field %q: expected number, got %T", path, value)
		}
	case "integer":
		f, ok := value.(float64)
		if !ok {
			return fmt.Errorf("field %q: expected integer, got %T", path, value)
		}
		if f != float64(int64(f)) {
			return fmt.Errorf("field %q: expected integer, got float %v", path, f)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("field %q: expected boolean, got %T", path, value)
		}
	case "array":
		if _, ok := value.([]any); !ok {
			return fmt.Errorf("field %q: expected array, got %T", path, value)
		}
	case "object":
		if _, ok := value.(map[string]any); !ok {
			return fmt.Errorf("field %q: expected object, got %T", path, value)
		}
	}
	return nil
}
