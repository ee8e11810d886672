// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package schema translates foreign JSON-Schema-like tool input schemas into
// a small closed parameter model used both to describe capabilities to a
// model provider and to validate arguments before dispatch.
//
// Unsupported or malformed schema nodes degrade to an accept-anything
// placeholder instead of failing the capability: a single bad field must not
// make an otherwise-usable tool unreachable.
package schema

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Kind is the closed set of parameter kinds.
type Kind int

const (
	// KindAny accepts any value. Fallback for unsupported constructs.
	KindAny Kind = iota
	KindString
	KindNumber
	KindInteger
	KindBoolean
	KindArray
	KindObject
)

// String returns the JSON-Schema type name for the kind.
func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindInteger:
		return "integer"
	case KindBoolean:
		return "boolean"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "any"
	}
}

// Property describes one typed value.
type Property struct {
	Kind        Kind
	Description string
	Items       *Property // set when Kind == KindArray
	Object      *Object   // set when Kind == KindObject
}

// Object describes a record of named properties.
// An Object with no declared properties is an open record: any fields pass.
type Object struct {
	Description string
	Properties  map[string]*Property
	Required    []string
}

// Open reports whether the object accepts arbitrary fields.
func (o *Object) Open() bool {
	return o == nil || len(o.Properties) == 0
}

// Compile converts a decoded JSON-Schema-like value into an Object.
// It never fails: anything it cannot interpret becomes an open record or an
// accept-anything property.
func Compile(raw any) *Object {
	node, ok := raw.(map[string]any)
	if !ok {
		return &Object{}
	}
	return compileObject(node)
}

func compileObject(node map[string]any) *Object {
	obj := &Object{}
	if desc, ok := node["description"].(string); ok {
		obj.Description = desc
	}

	props, ok := node["properties"].(map[string]any)
	if !ok {
		return obj
	}
	obj.Properties = make(map[string]*Property, len(props))
	for name, sub := range props {
		obj.Properties[name] = compileProperty(sub)
	}

	if required, ok := node["required"].([]any); ok {
		for _, entry := range required {
			if name, ok := entry.(string); ok {
				obj.Required = append(obj.Required, name)
			}
		}
	}
	// Required names that reference undeclared properties are dropped so a
	// malformed required list cannot make every call fail validation.
	kept := obj.Required[:0]
	for _, name := range obj.Required {
		if _, declared := obj.Properties[name]; declared {
			kept = append(kept, name)
		}
	}
	obj.Required = kept
	return obj
}

func compileProperty(raw any) *Property {
	node, ok := raw.(map[string]any)
	if !ok {
		return &Property{Kind: KindAny}
	}
	prop := &Property{}
	if desc, ok := node["description"].(string); ok {
		prop.Description = desc
	}
	typ, _ := node["type"].(string)
	switch typ {
	case "string":
		prop.Kind = KindString
	case "number":
		prop.Kind = KindNumber
	case "integer":
		prop.Kind = KindInteger
	case "boolean":
		prop.Kind = KindBoolean
	case "array":
		prop.Kind = KindArray
		if items, ok := node["items"]; ok {
			prop.Items = compileProperty(items)
		} else {
			prop.Items = &Property{Kind: KindAny}
		}
	case "object":
		prop.Kind = KindObject
		prop.Object = compileObject(node)
	default:
		prop.Kind = KindAny
	}
	return prop
}

// Validate checks args against the object shape. Missing required fields and
// kind mismatches are errors; fields not declared in the schema pass through
// untouched, as do all fields of an open record.
func Validate(obj *Object, args map[string]any) error {
	if obj.Open() {
		return nil
	}
	for _, name := range obj.Required {
		if _, present := args[name]; !present {
			return fmt.Errorf("missing required field %q", name)
		}
	}
	for name, value := range args {
		prop, declared := obj.Properties[name]
		if !declared {
			continue
		}
		if err := validateValue(prop, value); err != nil {
			return fmt.Errorf("field %q: %w", name, err)
		}
	}
	return nil
}

func validateValue(prop *Property, value any) error {
	if prop == nil || prop.Kind == KindAny || value == nil {
		return nil
	}
	switch prop.Kind {
	case KindString:
		if _, ok := value.(string); !ok {
			return fmt.Errorf("expected string, got %T", value)
		}
	case KindBoolean:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("expected boolean, got %T", value)
		}
	case KindNumber:
		if !isNumeric(value) {
			return fmt.Errorf("expected number, got %T", value)
		}
	case KindInteger:
		if !isIntegral(value) {
			return fmt.Errorf("expected integer, got %T", value)
		}
	case KindArray:
		items, ok := value.([]any)
		if !ok {
			return fmt.Errorf("expected array, got %T", value)
		}
		for i, item := range items {
			if err := validateValue(prop.Items, item); err != nil {
				return fmt.Errorf("index %d: %w", i, err)
			}
		}
	case KindObject:
		fields, ok := value.(map[string]any)
		if !ok {
			return fmt.Errorf("expected object, got %T", value)
		}
		return Validate(prop.Object, fields)
	}
	return nil
}

func isNumeric(value any) bool {
	switch value.(type) {
	case float64, float32, int, int32, int64:
		return true
	default:
		return false
	}
}

func isIntegral(value any) bool {
	switch v := value.(type) {
	case int, int32, int64:
		return true
	case float64:
		// JSON decoding yields float64 for all numbers.
		return v == math.Trunc(v)
	case float32:
		return float64(v) == math.Trunc(float64(v))
	default:
		return false
	}
}

// JSONSchema renders the object back into a JSON-Schema map suitable for a
// model provider's tool declaration. Open records render as a bare object
// schema with no properties.
func JSONSchema(obj *Object) map[string]any {
	out := map[string]any{"type": "object"}
	if obj == nil {
		out["properties"] = map[string]any{}
		return out
	}
	if obj.Description != "" {
		out["description"] = obj.Description
	}
	props := make(map[string]any, len(obj.Properties))
	for name, prop := range obj.Properties {
		props[name] = propertySchema(prop)
	}
	out["properties"] = props
	if len(obj.Required) > 0 {
		required := append([]string(nil), obj.Required...)
		sort.Strings(required)
		out["required"] = required
	}
	return out
}

func propertySchema(prop *Property) map[string]any {
	out := map[string]any{}
	if prop.Description != "" {
		out["description"] = prop.Description
	}
	switch prop.Kind {
	case KindAny:
		// No type constraint: passthrough.
	case KindArray:
		out["type"] = "array"
		if prop.Items != nil {
			out["items"] = propertySchema(prop.Items)
		}
	case KindObject:
		nested := JSONSchema(prop.Object)
		for key, value := range nested {
			out[key] = value
		}
	default:
		out["type"] = prop.Kind.String()
	}
	return out
}

// Describe renders a one-line human summary of the object shape, used in
// logs. Properties are listed in sorted order.
func Describe(obj *Object) string {
	if obj.Open() {
		return "object(open)"
	}
	names := make([]string, 0, len(obj.Properties))
	for name := range obj.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	required := make(map[string]bool, len(obj.Required))
	for _, name := range obj.Required {
		required[name] = true
	}
	parts := make([]string, 0, len(names))
	for _, name := range names {
		entry := name + ":" + obj.Properties[name].Kind.String()
		if required[name] {
			entry += "!"
		}
		parts = append(parts, entry)
	}
	return "object(" + strings.Join(parts, ", ") + ")"
}
