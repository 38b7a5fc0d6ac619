package domainserver

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/Strob0t/hostagent/internal/domain"
)

// Kind is the JSON kind a parameter accepts.
type Kind string

const (
	KindString  Kind = "string"
	KindNumber  Kind = "number"
	KindBool    Kind = "bool"
	KindStrings Kind = "strings"
)

// Param describes one configuration parameter.
type Param struct {
	Name        string `json:"name"`
	Kind        Kind   `json:"kind"`
	Default     any    `json:"default,omitempty"`
	Description string `json:"description,omitempty"`
}

// Schema is the parameter list of a server type.
type Schema []Param

// Defaults returns the default value of every parameter that has one.
func (s Schema) Defaults() map[string]any {
	out := make(map[string]any, len(s))
	for _, p := range s {
		if p.Default != nil {
			out[p.Name] = p.Default
		}
	}
	return out
}

// Validate checks that every key of cfg is a known parameter of the right
// kind. Values are expected in their decoded JSON or YAML form.
func (s Schema) Validate(cfg map[string]any) error {
	byName := make(map[string]Param, len(s))
	for _, p := range s {
		byName[p.Name] = p
	}
	var problems []string
	for _, key := range slices.Sorted(maps.Keys(cfg)) {
		p, ok := byName[key]
		if !ok {
			problems = append(problems, fmt.Sprintf("unknown parameter %q", key))
			continue
		}
		if !p.Kind.accepts(cfg[key]) {
			problems = append(problems, fmt.Sprintf("parameter %q must be %s", key, p.Kind))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}

// Merge returns defaults overlaid by base, then delta.
func (s Schema) Merge(base, delta map[string]any) map[string]any {
	out := s.Defaults()
	maps.Copy(out, base)
	maps.Copy(out, delta)
	return out
}

func (k Kind) accepts(v any) bool {
	switch k {
	case KindString:
		_, ok := v.(string)
		return ok
	case KindBool:
		_, ok := v.(bool)
		return ok
	case KindNumber:
		switch v.(type) {
		case float64, float32, int, int64, int32, uint, uint64:
			return true
		}
		return false
	case KindStrings:
		switch vs := v.(type) {
		case []string:
			return true
		case []any:
			for _, e := range vs {
				if _, ok := e.(string); !ok {
					return false
				}
			}
			return true
		}
		return false
	}
	return false
}

// String returns a string parameter or def.
func String(cfg map[string]any, name, def string) string {
	if v, ok := cfg[name].(string); ok {
		return v
	}
	return def
}

// Number returns a numeric parameter as float64 or def.
func Number(cfg map[string]any, name string, def float64) float64 {
	switch v := cfg[name].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case int32:
		return float64(v)
	case uint:
		return float64(v)
	case uint64:
		return float64(v)
	}
	return def
}

// Bool returns a boolean parameter or def.
func Bool(cfg map[string]any, name string, def bool) bool {
	if v, ok := cfg[name].(bool); ok {
		return v
	}
	return def
}

// Strings returns a string list parameter or nil.
func Strings(cfg map[string]any, name string) []string {
	switch vs := cfg[name].(type) {
	case []string:
		return slices.Clone(vs)
	case []any:
		out := make([]string, 0, len(vs))
		for _, e := range vs {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
