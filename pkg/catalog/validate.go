package catalog

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// ValidationError collects every schema problem found in one desired spec.
type ValidationError struct {
	Kind     Kind
	Problems []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s spec: %s", e.Kind, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) add(format string, args ...interface{}) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// Validate coerces fields to their declared types, applies defaults and
// enforces the cross-field rules. Required fields are only enforced when
// state is "present". The input map is not modified.
func (e *Entry) Validate(fields map[string]interface{}, state string) (map[string]interface{}, error) {
	verr := &ValidationError{Kind: e.Kind}
	out := make(map[string]interface{}, len(fields))

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		spec, ok := e.fieldIndex[name]
		if !ok {
			verr.add("unsupported field %q", name)
			continue
		}
		raw := fields[name]
		if raw == nil {
			continue
		}
		v, err := coerce(spec.Type, spec.Elements, raw)
		if err != nil {
			verr.add("field %q: %v", name, err)
			continue
		}
		if len(spec.Choices) > 0 && !inChoices(v, spec.Choices) {
			verr.add("field %q: value %v is not one of %v", name, v, spec.Choices)
			continue
		}
		out[name] = v
	}

	for i := range e.Fields {
		spec := &e.Fields[i]
		if _, set := out[spec.Name]; set {
			continue
		}
		if spec.Default != nil && state == "present" {
			v, err := coerce(spec.Type, spec.Elements, spec.Default)
			if err != nil {
				verr.add("field %q default: %v", spec.Name, err)
				continue
			}
			out[spec.Name] = v
			continue
		}
		if spec.Required && state == "present" {
			verr.add("missing required field %q", spec.Name)
		}
	}

	if state == "present" {
		for _, rule := range e.Rules.RequiredIf {
			v, set := out[rule.Field]
			if !set || !looseEqual(v, rule.Value) {
				continue
			}
			for _, f := range rule.Fields {
				if _, ok := out[f]; !ok {
					verr.add("field %q is required when %s=%v", f, rule.Field, rule.Value)
				}
			}
		}
	}

	for _, group := range e.Rules.MutuallyExclusive {
		var present []string
		for _, f := range group {
			if _, ok := out[f]; ok {
				present = append(present, f)
			}
		}
		if len(present) > 1 {
			verr.add("fields %s are mutually exclusive", strings.Join(present, ", "))
		}
	}

	for _, group := range e.Rules.RequiredTogether {
		var present, missing []string
		for _, f := range group {
			if _, ok := out[f]; ok {
				present = append(present, f)
			} else {
				missing = append(missing, f)
			}
		}
		if len(present) > 0 && len(missing) > 0 {
			verr.add("fields %s must be set together (missing %s)",
				strings.Join(group, ", "), strings.Join(missing, ", "))
		}
	}

	if len(verr.Problems) > 0 {
		return nil, verr
	}
	return out, nil
}

// coerce converts raw to the declared type using weak decoding.
func coerce(t, elements FieldType, raw interface{}) (interface{}, error) {
	switch t {
	case FieldString:
		var s string
		if isComposite(raw) {
			return nil, fmt.Errorf("expected string, got %T", raw)
		}
		if err := mapstructure.WeakDecode(raw, &s); err != nil {
			return nil, err
		}
		return s, nil
	case FieldInt:
		var i int64
		if f, ok := raw.(float64); ok && f != float64(int64(f)) {
			return nil, fmt.Errorf("expected integer, got %v", f)
		}
		if err := mapstructure.WeakDecode(raw, &i); err != nil {
			return nil, err
		}
		return i, nil
	case FieldFloat:
		var f float64
		if err := mapstructure.WeakDecode(raw, &f); err != nil {
			return nil, err
		}
		return f, nil
	case FieldBool:
		var b bool
		if err := mapstructure.WeakDecode(raw, &b); err != nil {
			return nil, err
		}
		return b, nil
	case FieldList:
		rv := reflect.ValueOf(raw)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			// a scalar becomes a single-element list
			raw = []interface{}{raw}
			rv = reflect.ValueOf(raw)
		}
		out := make([]interface{}, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			item := rv.Index(i).Interface()
			if elements != "" && elements != FieldAny && item != nil {
				v, err := coerce(elements, "", item)
				if err != nil {
					return nil, fmt.Errorf("element %d: %w", i, err)
				}
				item = v
			}
			out = append(out, item)
		}
		return out, nil
	case FieldDict:
		var m map[string]interface{}
		if err := mapstructure.WeakDecode(raw, &m); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return raw, nil
	}
}

func isComposite(v interface{}) bool {
	switch reflect.ValueOf(v).Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		return true
	}
	return false
}

func inChoices(v interface{}, choices []interface{}) bool {
	for _, c := range choices {
		if looseEqual(v, c) {
			return true
		}
	}
	return false
}

// looseEqual compares scalars after rendering them as strings, so that
// CUE and YAML numeric types match the coerced field values.
func looseEqual(a, b interface{}) bool {
	return fmt.Sprint(a) == fmt.Sprint(b)
}
