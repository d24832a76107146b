package validation

import "fmt"

// ValidateInput checks input against a tool's JSON-Schema. Rules enforced:
//
//   - schema type "object": input must be a non-null, non-array object
//   - unless additionalProperties is explicitly true, properties not in
//     schema.properties are rejected as UnknownProperty
//   - missing required properties are rejected as MissingRequired
//   - each present property with a declared primitive type (string,
//     number, boolean, object, array, null) must match it
//
// A nil schema admits everything.
func ValidateInput(schema map[string]interface{}, input interface{}) *ValidationError {
	if schema == nil {
		return nil
	}

	if t, _ := schema["type"].(string); t != "object" {
		// Only object schemas are validated; tools always declare one.
		return nil
	}

	obj, ok := input.(map[string]interface{})
	if !ok || obj == nil {
		return newError(ViolationNotObject, "", "input must be an object")
	}

	props, _ := schema["properties"].(map[string]interface{})

	if !additionalAllowed(schema) {
		for name := range obj {
			if _, declared := props[name]; !declared {
				return newError(ViolationUnknownProperty, name,
					fmt.Sprintf("unknown property %q", name))
			}
		}
	}

	for _, name := range requiredNames(schema) {
		if _, present := obj[name]; !present {
			return newError(ViolationMissingRequired, name,
				fmt.Sprintf("missing required property %q", name))
		}
	}

	for name, value := range obj {
		propSchema, ok := props[name].(map[string]interface{})
		if !ok {
			continue
		}
		declared, ok := propSchema["type"].(string)
		if !ok {
			continue
		}
		if !typeMatches(declared, value) {
			return newError(ViolationTypeMismatch, name,
				fmt.Sprintf("property %q must be of type %s", name, declared))
		}
	}

	return nil
}

// additionalAllowed reports whether the schema explicitly sets
// additionalProperties to true.
func additionalAllowed(schema map[string]interface{}) bool {
	v, ok := schema["additionalProperties"].(bool)
	return ok && v
}

func requiredNames(schema map[string]interface{}) []string {
	raw, ok := schema["required"].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// typeMatches checks a JSON value against a declared primitive type.
// Unknown declared types pass (only the six primitives are enforced).
func typeMatches(declared string, value interface{}) bool {
	switch declared {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		switch value.(type) {
		case float64, float32, int, int64:
			return true
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "object":
		_, ok := value.(map[string]interface{})
		return ok
	case "array":
		_, ok := value.([]interface{})
		return ok
	case "null":
		return value == nil
	default:
		return true
	}
}
