package mcp

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"
)

var validTypes = map[string]bool{
	"string":  true,
	"number":  true,
	"integer": true,
	"boolean": true,
	"array":   true,
	"object":  true,
}

// Schema is a compiled tool input schema. Compilation is lenient: it
// keeps the subset of JSON Schema that reasoning backends accept (type,
// description, properties, required, items, enum) and repairs what
// servers commonly get wrong, so the same structure both validates
// arguments and is what models are shown.
//
// Type is the single type rendered for backends. Types lists the JSON
// types a value may actually have; an empty Types accepts any value.
type Schema struct {
	Type        string
	Types       []string
	Description string
	Nullable    bool
	Properties  map[string]*Schema
	Required    []string
	Items       *Schema
	Enum        []any

	// Variants holds anyOf/oneOf alternatives when more than one
	// non-null branch is declared.
	Variants []*Schema

	order []string
}

// CompileSchema builds a Schema from a raw JSON Schema object. The root
// of a tool schema is always an object.
func CompileSchema(raw map[string]any) *Schema {
	s := compileNode(raw)
	if s.Type != "object" || len(s.Variants) > 0 {
		s = &Schema{Type: "object", Types: []string{"object"}, Description: s.Description, Properties: map[string]*Schema{}}
	}
	return s
}

func compileNode(raw map[string]any) *Schema {
	s := &Schema{}
	if d, ok := raw["description"].(string); ok {
		s.Description = d
	}

	switch t := raw["type"].(type) {
	case string:
		if t == "null" {
			s.Nullable = true
		} else if validTypes[t] {
			s.Types = []string{t}
		}
	case []any:
		for _, v := range t {
			name, _ := v.(string)
			if name == "null" {
				s.Nullable = true
				continue
			}
			if validTypes[name] && !slices.Contains(s.Types, name) {
				s.Types = append(s.Types, name)
			}
		}
	}

	if len(s.Types) == 0 {
		if branches := unionBranches(raw); branches != nil {
			return compileUnion(s, branches)
		}
	}

	props, hasProps := raw["properties"].(map[string]any)
	if len(s.Types) == 0 {
		if hasProps {
			s.Types = []string{"object"}
		} else if _, ok := raw["items"]; ok {
			s.Types = []string{"array"}
		}
	}

	// Backends need a concrete type; untyped values are shown as strings
	// but validated as anything.
	s.Type = "string"
	if len(s.Types) > 0 {
		s.Type = s.Types[0]
	}

	if slices.Contains(s.Types, "object") {
		s.Properties = make(map[string]*Schema, len(props))
		for name, p := range props {
			pm, _ := p.(map[string]any)
			s.Properties[name] = compileNode(pm)
			s.order = append(s.order, name)
		}
		sort.Strings(s.order)

		if req, ok := raw["required"].([]any); ok {
			for _, r := range req {
				name, _ := r.(string)
				if _, declared := s.Properties[name]; declared && !slices.Contains(s.Required, name) {
					s.Required = append(s.Required, name)
				}
			}
		}
	}

	if slices.Contains(s.Types, "array") {
		items, _ := raw["items"].(map[string]any)
		s.Items = compileNode(items)
	}

	if enum, ok := raw["enum"].([]any); ok {
		for _, v := range enum {
			switch v.(type) {
			case string, float64, bool:
				s.Enum = append(s.Enum, v)
			}
		}
	}

	return s
}

func unionBranches(raw map[string]any) []any {
	for _, key := range []string{"anyOf", "oneOf"} {
		if b, ok := raw[key].([]any); ok && len(b) > 0 {
			return b
		}
	}
	return nil
}

// compileUnion folds anyOf/oneOf branches into s. A single non-null
// branch (the usual optional-value shape) is merged directly.
func compileUnion(s *Schema, branches []any) *Schema {
	var variants []*Schema
	for _, b := range branches {
		bm, _ := b.(map[string]any)
		if t, _ := bm["type"].(string); t == "null" {
			s.Nullable = true
			continue
		}
		variants = append(variants, compileNode(bm))
	}

	switch len(variants) {
	case 0:
		s.Type = "string"
		return s
	case 1:
		v := variants[0]
		v.Nullable = v.Nullable || s.Nullable
		if s.Description != "" {
			v.Description = s.Description
		}
		return v
	}

	for _, v := range variants {
		if len(v.Types) == 0 && len(v.Variants) == 0 {
			// One branch accepts anything, so the union does too.
			return &Schema{Type: v.Type, Description: s.Description, Nullable: s.Nullable}
		}
		s.Nullable = s.Nullable || v.Nullable
	}
	s.Variants = variants
	s.Type = variants[0].Type
	return s
}

// Map renders the sanitized schema as a JSON Schema object. Unions are
// shown as their first alternative.
func (s *Schema) Map() map[string]any {
	if len(s.Variants) > 0 {
		m := s.Variants[0].Map()
		if s.Description != "" {
			m["description"] = s.Description
		}
		return m
	}
	m := map[string]any{"type": s.Type}
	if s.Description != "" {
		m["description"] = s.Description
	}
	if s.Type == "object" {
		props := make(map[string]any, len(s.Properties))
		for name, p := range s.Properties {
			props[name] = p.Map()
		}
		m["properties"] = props
		if len(s.Required) > 0 {
			m["required"] = slices.Clone(s.Required)
		}
	}
	if s.Type == "array" && s.Items != nil {
		m["items"] = s.Items.Map()
	}
	if len(s.Enum) > 0 {
		m["enum"] = slices.Clone(s.Enum)
	}
	return m
}

// PropertyNames returns declared property names in sorted order.
func (s *Schema) PropertyNames() []string {
	return slices.Clone(s.order)
}

// Violation is one argument problem, addressed by a dotted path.
type Violation struct {
	Path    string
	Message string
}

func (v Violation) String() string {
	if v.Path == "" {
		return v.Message
	}
	return v.Path + ": " + v.Message
}

// ValidationResult lists every problem found in a set of arguments.
type ValidationResult struct {
	Violations []Violation
}

// OK reports whether the arguments satisfied the schema.
func (r ValidationResult) OK() bool {
	return len(r.Violations) == 0
}

// Err returns nil when OK, otherwise an error listing every violation.
func (r ValidationResult) Err() error {
	if r.OK() {
		return nil
	}
	parts := make([]string, len(r.Violations))
	for i, v := range r.Violations {
		parts[i] = v.String()
	}
	return fmt.Errorf("invalid arguments: %s", strings.Join(parts, "; "))
}

// Validate checks decoded JSON arguments. Properties the schema does not
// declare are allowed.
func (s *Schema) Validate(args map[string]any) ValidationResult {
	var res ValidationResult
	var root any = args
	if args == nil {
		root = map[string]any{}
	}
	s.check("", root, &res)
	return res
}

func (s *Schema) check(path string, v any, res *ValidationResult) {
	add := func(format string, a ...any) {
		res.Violations = append(res.Violations, Violation{Path: path, Message: fmt.Sprintf(format, a...)})
	}

	if v == nil {
		if !s.Nullable && (len(s.Types) > 0 || len(s.Variants) > 0) {
			add("must not be null")
		}
		return
	}

	if len(s.Variants) > 0 {
		var names []string
		for _, alt := range s.Variants {
			var r ValidationResult
			alt.check(path, v, &r)
			if r.OK() {
				return
			}
			names = append(names, alt.Type)
		}
		add("expected one of %s, got %s", strings.Join(names, ", "), jsonType(v))
		return
	}

	if len(s.Types) > 0 && !slices.ContainsFunc(s.Types, func(t string) bool { return matchesType(t, v) }) {
		add("expected %s, got %s", strings.Join(s.Types, " or "), jsonType(v))
		return
	}

	switch val := v.(type) {
	case map[string]any:
		for _, name := range s.Required {
			if _, present := val[name]; !present {
				res.Violations = append(res.Violations, Violation{Path: join(path, name), Message: "is required"})
			}
		}
		for _, name := range s.order {
			if pv, present := val[name]; present {
				s.Properties[name].check(join(path, name), pv, res)
			}
		}
		return
	case []any:
		if s.Items != nil {
			for i, item := range val {
				s.Items.check(fmt.Sprintf("%s[%d]", path, i), item, res)
			}
		}
		return
	}

	if len(s.Enum) > 0 && !inEnum(s.Enum, v) {
		add("must be one of %v", s.Enum)
	}
}

func matchesType(t string, v any) bool {
	switch t {
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	case "string":
		_, ok := v.(string)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "number":
		_, ok := toFloat(v)
		return ok
	case "integer":
		f, ok := toFloat(v)
		return ok && f == math.Trunc(f)
	}
	return false
}

func join(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func inEnum(enum []any, v any) bool {
	fv, isNum := toFloat(v)
	for _, e := range enum {
		if isNum {
			if fe, ok := e.(float64); ok && fe == fv {
				return true
			}
			continue
		}
		if e == v {
			return true
		}
	}
	return false
}

func jsonType(v any) string {
	switch n := v.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	default:
		if f, ok := toFloat(n); ok {
			if f == math.Trunc(f) {
				return "integer"
			}
			return "number"
		}
	}
	return fmt.Sprintf("%T", v)
}
