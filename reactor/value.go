package reactor

import (
	"math"
	"reflect"
	"sort"
)

// sameValue reports whether assigning b over a is a no-op. It follows strict
// equality except that NaN equals NaN. Containers, maps and slices compare by
// identity.
func sameValue(a, b any) (same bool) {
	switch x := a.(type) {
	case float64:
		if y, ok := b.(float64); ok {
			return x == y || (math.IsNaN(x) && math.IsNaN(y))
		}
		return false
	case float32:
		if y, ok := b.(float32); ok {
			return x == y || (math.IsNaN(float64(x)) && math.IsNaN(float64(y)))
		}
		return false
	}

	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb {
		return false
	}
	if ta == nil {
		return true
	}

	switch ta.Kind() {
	case reflect.Map, reflect.Func:
		return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
	case reflect.Slice:
		va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
		return va.Pointer() == vb.Pointer() && va.Len() == vb.Len()
	}

	if !ta.Comparable() {
		return false
	}
	// Structs with interface fields are comparable types but can still hold
	// uncomparable values.
	defer func() {
		if recover() != nil {
			same = false
		}
	}()
	return a == b
}

func isContainer(v any) bool {
	switch v.(type) {
	case *Object, *Array:
		return true
	}
	return false
}

// FromValue converts plain map[string]any and []any trees into Object and
// Array containers. Other values are returned unchanged. Cyclic input maps
// to cyclic containers.
func FromValue(v any) any {
	return convert(v, map[uintptr]any{})
}

func convert(v any, seen map[uintptr]any) any {
	switch x := v.(type) {
	case map[string]any:
		if x == nil {
			return v
		}
		ptr := reflect.ValueOf(x).Pointer()
		if c, ok := seen[ptr]; ok {
			return c
		}
		obj := NewObject()
		seen[ptr] = obj

		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			obj.put(k, convert(x[k], seen))
		}
		return obj

	case []any:
		if x == nil {
			return v
		}
		// Empty slices may share a backing pointer, so only non-empty ones
		// take part in cycle detection.
		var ptr uintptr
		if len(x) > 0 {
			ptr = reflect.ValueOf(x).Pointer()
			if c, ok := seen[ptr]; ok {
				return c
			}
		}
		arr := &Array{items: make([]any, len(x))}
		if ptr != 0 {
			seen[ptr] = arr
		}
		for i, item := range x {
			arr.items[i] = convert(item, seen)
		}
		return arr
	}
	return v
}

// ToValue is the inverse of FromValue. It reads without tracking.
func ToValue(v any) any {
	return export(v, map[any]any{})
}

func export(v any, seen map[any]any) any {
	switch x := v.(type) {
	case *Object:
		if m, ok := seen[x]; ok {
			return m
		}
		m := make(map[string]any, len(x.keys))
		seen[x] = m
		for _, k := range x.keys {
			p := x.props[k]
			if p.get != nil {
				continue
			}
			m[k] = export(p.value, seen)
		}
		return m
	case *Array:
		if s, ok := seen[x]; ok {
			return s
		}
		s := make([]any, len(x.items))
		seen[x] = s
		for i, item := range x.items {
			s[i] = export(item, seen)
		}
		return s
	}
	return v
}
