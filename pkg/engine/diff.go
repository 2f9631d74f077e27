package engine

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/google/go-cmp/cmp"

	"github.com/openfroyo/ccrecon/pkg/catalog"
)

// DiffResult is the outcome of comparing a desired spec to an observed object.
type DiffResult struct {
	RequiresUpdate bool
	Changes        []FieldDiff

	// Diff renders the drifted fields, observed (-) against desired (+).
	Diff string
}

// DiffEngine compares desired specs to observed objects under the
// comparator rules of a catalog entry.
type DiffEngine struct{}

// NewDiffEngine creates a diff engine.
func NewDiffEngine() *DiffEngine {
	return &DiffEngine{}
}

// RequiresUpdate reports whether any comparator drifted.
func (d *DiffEngine) RequiresUpdate(entry *catalog.Entry, desired *DesiredSpec, observed Observed) bool {
	return d.Compare(entry, desired, observed).RequiresUpdate
}

// Compare evaluates every comparator of entry. A desired field that is unset
// has no opinion and always compares equal. Sensitive fields are skipped
// unless the spec sets CompareSensitive.
func (d *DiffEngine) Compare(entry *catalog.Entry, desired *DesiredSpec, observed Observed) DiffResult {
	normalized := entry.Variant == catalog.VariantNormalized
	var res DiffResult
	before := make(map[string]interface{})
	after := make(map[string]interface{})

	for _, c := range entry.Comparators {
		want, set := desired.Get(c.Desired)
		if !set {
			continue
		}
		if entry.IsSensitive(c.Desired) && !desired.CompareSensitive {
			continue
		}
		have, _ := LookupPath(observed, c.Observed)
		if ValuesEqual(want, have, c.Unordered, normalized) {
			continue
		}
		res.RequiresUpdate = true
		res.Changes = append(res.Changes, FieldDiff{Field: c.Desired, Observed: have, Desired: want})
		before[c.Desired] = Canonical(have)
		after[c.Desired] = Canonical(want)
	}

	if res.RequiresUpdate {
		res.Diff = cmp.Diff(before, after)
	}
	return res
}

// LookupPath resolves a dotted path such as "deviceInfo.serialNumber" or
// "gateways.0" in a decoded document.
func LookupPath(obj map[string]interface{}, path string) (interface{}, bool) {
	if obj == nil {
		return nil, false
	}
	var cur interface{} = obj
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]interface{}:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []interface{}:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// ValuesEqual compares a desired value to an observed value. Null and absent
// are equal to each other; mappings treat missing keys as null; lists compare
// as sequences unless unordered is set; normalized lowercases and trims strings.
func ValuesEqual(desired, observed interface{}, unordered, normalized bool) bool {
	return equalCanonical(Canonical(desired), Canonical(observed), unordered, normalized)
}

func equalCanonical(a, b interface{}, unordered, normalized bool) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	switch av := a.(type) {
	case map[string]interface{}:
		bv, ok := b.(map[string]interface{})
		if !ok {
			return false
		}
		for k, x := range av {
			if !equalCanonical(x, bv[k], unordered, normalized) {
				return false
			}
		}
		for k, y := range bv {
			if _, seen := av[k]; !seen && y != nil {
				return false
			}
		}
		return true

	case []interface{}:
		bv, ok := b.([]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		if !unordered {
			for i := range av {
				if !equalCanonical(av[i], bv[i], false, normalized) {
					return false
				}
			}
			return true
		}
		used := make([]bool, len(bv))
		for _, x := range av {
			matched := false
			for j, y := range bv {
				if !used[j] && equalCanonical(x, y, true, normalized) {
					used[j] = true
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
		}
		return true

	case string:
		bv, ok := b.(string)
		if !ok {
			return false
		}
		if normalized {
			return strings.EqualFold(strings.TrimSpace(av), strings.TrimSpace(bv))
		}
		return av == bv

	default:
		return reflect.DeepEqual(a, b)
	}
}

// Canonical converts decoded values to a common representation: numbers
// become float64, maps get string keys and slices become []interface{}.
func Canonical(v interface{}) interface{} {
	switch x := v.(type) {
	case nil:
		return nil
	case string, bool, float64:
		return x
	case int:
		return float64(x)
	case int8:
		return float64(x)
	case int16:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case uint:
		return float64(x)
	case uint8:
		return float64(x)
	case uint16:
		return float64(x)
	case uint32:
		return float64(x)
	case uint64:
		return float64(x)
	case float32:
		return float64(x)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, e := range x {
			out[k] = Canonical(e)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, e := range x {
			out[toString(k)] = Canonical(e)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, e := range x {
			out[i] = Canonical(e)
		}
		return out
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]interface{}, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = Canonical(rv.Index(i).Interface())
		}
		return out
	case reflect.Map:
		out := make(map[string]interface{}, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[toString(iter.Key().Interface())] = Canonical(iter.Value().Interface())
		}
		return out
	case reflect.String:
		return rv.String()
	}
	return v
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
