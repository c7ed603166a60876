package tools

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidationError reports tool arguments that failed schema validation.
// Paths lists the offending instance locations (JSON-pointer style).
type ValidationError struct {
	Tool  string
	Paths []string
	Cause error
}

func (e *ValidationError) Error() string {
	paths := strings.Join(e.Paths, ", ")
	if paths == "" {
		paths = "/"
	}
	return fmt.Sprintf("tool %q arguments invalid at %s: %v", e.Tool, paths, e.Cause)
}

func (e *ValidationError) Unwrap() error { return e.Cause }

// ValidateAndCoerce validates args against the tool's declared JSON Schema
// and returns the arguments to execute with. The caller's map is never
// mutated: coercion operates on a clone.
//
// Coercion rules (matching what models commonly get wrong):
//   - A string containing a valid number is coerced when the schema expects
//     "number" or "integer".
//   - A number is coerced to string when the schema expects "string".
//   - A string "true"/"false" is coerced when the schema expects "boolean".
//
// When the schema is empty or cannot be compiled, arguments are trusted
// verbatim (fail open). Validation failure returns a *ValidationError.
func ValidateAndCoerce(t Tool, args map[string]any) (map[string]any, error) {
	def := t.Definition()
	if len(def.Parameters) == 0 {
		return args, nil
	}

	schema, err := compileSchema(def.Parameters)
	if err != nil {
		return args, nil
	}

	if err := validateMap(schema, args); err == nil {
		return args, nil
	}

	coerced := coerceArgs(args, def.Parameters)
	if err := validateMap(schema, coerced); err != nil {
		return nil, &ValidationError{Tool: def.Name, Paths: instancePaths(err), Cause: err}
	}
	return coerced, nil
}

// compileSchema unmarshals the schema bytes and compiles them. A fresh
// compiler is used each time to avoid resource-collision errors.
func compileSchema(schemaBytes []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaBytes))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	const url = "mem://tool/schema"
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(url)
}

// validateMap round-trips the map through JSON and validates the instance.
func validateMap(schema *jsonschema.Schema, args map[string]any) error {
	b, err := json.Marshal(args)
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(b))
	if err != nil {
		return err
	}
	return schema.Validate(inst)
}

// instancePaths collects the leaf instance locations from a jsonschema
// validation error, deduplicated and sorted.
func instancePaths(err error) []string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return nil
	}
	seen := map[string]bool{}
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			seen["/"+strings.Join(e.InstanceLocation, "/")] = true
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	paths := make([]string, 0, len(seen))
	for p := range seen {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// coerceArgs clones args and applies simple type coercions on top-level
// properties per the schema's declared types.
func coerceArgs(args map[string]any, schemaBytes []byte) map[string]any {
	var schemaDef struct {
		Properties map[string]struct {
			Type string `json:"type"`
		} `json:"properties"`
	}
	_ = json.Unmarshal(schemaBytes, &schemaDef)

	out := make(map[string]any, len(args))
	for k, v := range args {
		prop, ok := schemaDef.Properties[k]
		if !ok {
			out[k] = v
			continue
		}
		out[k] = coerceValue(v, prop.Type)
	}
	return out
}

func coerceValue(v any, targetType string) any {
	switch targetType {
	case "number", "integer":
		if s, ok := v.(string); ok {
			var n float64
			if err := json.Unmarshal([]byte(s), &n); err == nil {
				if targetType == "integer" {
					return int64(n)
				}
				return n
			}
		}
	case "string":
		switch n := v.(type) {
		case float64:
			return fmt.Sprintf("%g", n)
		case int64:
			return fmt.Sprintf("%d", n)
		case json.Number:
			return n.String()
		}
	case "boolean":
		if s, ok := v.(string); ok {
			switch strings.ToLower(s) {
			case "true":
				return true
			case "false":
				return false
			}
		}
	}
	return v
}
