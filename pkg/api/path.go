package api

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// ResolvePath walks a dotted path such as "order.items.0.sku" through maps,
// structs, slices and pointers. Struct fields match by name or by json tag.
// A missing segment yields nil; ResolvePath never fails.
func ResolvePath(root any, path string) any {
	path = strings.TrimSpace(path)
	if path == "" {
		return root
	}
	cur := reflect.ValueOf(root)
	for _, seg := range strings.Split(path, ".") {
		if !cur.IsValid() {
			return nil
		}
		cur = step(cur, seg)
	}
	if !cur.IsValid() {
		return nil
	}
	if (cur.Kind() == reflect.Pointer || cur.Kind() == reflect.Interface || cur.Kind() == reflect.Map || cur.Kind() == reflect.Slice) && cur.IsNil() {
		return nil
	}
	return cur.Interface()
}

func step(v reflect.Value, seg string) reflect.Value {
	for v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return reflect.Value{}
		}
		v = v.Elem()
	}

	switch v.Kind() {
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return reflect.Value{}
		}
		val := v.MapIndex(reflect.ValueOf(seg).Convert(v.Type().Key()))
		return val
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			tag, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if f.Name == seg || tag == seg {
				return v.Field(i)
			}
		}
		return reflect.Value{}
	case reflect.Slice, reflect.Array:
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 0 || idx >= v.Len() {
			return reflect.Value{}
		}
		return v.Index(idx)
	}
	return reflect.Value{}
}

// ResolveTemplates replaces {{path}} references inside value with data
// resolved against root. A string consisting of a single reference keeps
// the resolved value's type; references embedded in longer strings are
// formatted with %v. Maps and slices are resolved recursively. An
// unterminated reference is a validation error.
func ResolveTemplates(value any, root any) (any, error) {
	switch v := value.(type) {
	case string:
		return resolveString(v, root)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			r, err := ResolveTemplates(item, root)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			r, err := ResolveTemplates(item, root)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	}
	return value, nil
}

// ValidateTemplates reports malformed references without resolving them.
func ValidateTemplates(value any) error {
	_, err := ResolveTemplates(value, nil)
	return err
}

func resolveString(s string, root any) (any, error) {
	if !strings.Contains(s, "{{") {
		if strings.Contains(s, "}}") {
			return nil, NewValidationError("", fmt.Sprintf("unbalanced template %q", s))
		}
		return s, nil
	}

	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") &&
		strings.Count(trimmed, "{{") == 1 && strings.Count(trimmed, "}}") == 1 {
		path := strings.TrimSpace(trimmed[2 : len(trimmed)-2])
		if path == "" {
			return nil, NewValidationError("", fmt.Sprintf("empty template in %q", s))
		}
		return ResolvePath(root, path), nil
	}

	var b strings.Builder
	rest := s
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			if strings.Contains(rest, "}}") {
				return nil, NewValidationError("", fmt.Sprintf("unbalanced template %q", s))
			}
			b.WriteString(rest)
			break
		}
		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			return nil, NewValidationError("", fmt.Sprintf("unterminated template %q", s))
		}
		path := strings.TrimSpace(rest[start+2 : start+end])
		if path == "" || strings.Contains(path, "{{") {
			return nil, NewValidationError("", fmt.Sprintf("malformed template %q", s))
		}
		b.WriteString(rest[:start])
		if v := ResolvePath(root, path); v != nil {
			fmt.Fprintf(&b, "%v", v)
		}
		rest = rest[start+end+2:]
	}
	return b.String(), nil
}
