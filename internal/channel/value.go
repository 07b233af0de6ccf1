package channel

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// ValueType is the declared type of a channel value.
type ValueType string

// Supported value types. TypeAny disables type coercion.
const (
	TypeAny    ValueType = ""
	TypeBool   ValueType = "bool"
	TypeInt    ValueType = "int"
	TypeFloat  ValueType = "float"
	TypeString ValueType = "string"
)

// Spec declares what values a channel accepts. The zero Spec accepts anything.
type Spec struct {
	Type ValueType `yaml:"type" json:"type,omitempty"`
	Min  *float64  `yaml:"min" json:"min,omitempty"`
	Max  *float64  `yaml:"max" json:"max,omitempty"`
	Enum []any     `yaml:"enum" json:"enum,omitempty"`
}

// Validate checks the declaration itself.
func (s Spec) Validate() error {
	switch s.Type {
	case TypeAny, TypeBool, TypeInt, TypeFloat, TypeString:
	default:
		return fmt.Errorf("%w: unknown value type %q", ErrInvalidConfig, s.Type)
	}
	if s.Min != nil && s.Max != nil && *s.Min > *s.Max {
		return fmt.Errorf("%w: min %v above max %v", ErrInvalidConfig, *s.Min, *s.Max)
	}
	if (s.Min != nil || s.Max != nil) && (s.Type == TypeBool || s.Type == TypeString) {
		return fmt.Errorf("%w: range on %s value", ErrInvalidConfig, s.Type)
	}
	for _, e := range s.Enum {
		if _, err := s.Coerce(e); err != nil {
			return fmt.Errorf("%w: enum value %v: %w", ErrInvalidConfig, e, err)
		}
	}
	return nil
}

// Coerce converts v to the declared type without range or enum checks.
func (s Spec) Coerce(v any) (any, error) {
	if v == nil {
		return nil, fmt.Errorf("%w: nil value", ErrInvalidValue)
	}

	switch s.Type {
	case TypeAny:
		return v, nil
	case TypeFloat:
		f, ok := toFloat(v)
		if !ok || math.IsNaN(f) {
			return nil, fmt.Errorf("%w: %v (%T) is not a number", ErrInvalidValue, v, v)
		}
		return f, nil
	case TypeInt:
		f, ok := toFloat(v)
		if !ok || f != math.Trunc(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("%w: %v (%T) is not an integer", ErrInvalidValue, v, v)
		}
		return int64(f), nil
	case TypeBool:
		b, ok := toBool(v)
		if !ok {
			return nil, fmt.Errorf("%w: %v (%T) is not a boolean", ErrInvalidValue, v, v)
		}
		return b, nil
	case TypeString:
		switch x := v.(type) {
		case string:
			return x, nil
		case fmt.Stringer:
			return x.String(), nil
		}
		return fmt.Sprint(v), nil
	}
	return nil, fmt.Errorf("%w: unknown value type %q", ErrInvalidConfig, s.Type)
}

// Check coerces v and enforces the declared range and enumeration.
func (s Spec) Check(v any) (any, error) {
	out, err := s.Coerce(v)
	if err != nil {
		return nil, err
	}

	if s.Min != nil || s.Max != nil {
		f, ok := toFloat(out)
		if !ok {
			return nil, fmt.Errorf("%w: %v is not numeric", ErrInvalidValue, out)
		}
		if s.Min != nil && f < *s.Min {
			return nil, fmt.Errorf("%w: %v below minimum %v", ErrInvalidValue, out, *s.Min)
		}
		if s.Max != nil && f > *s.Max {
			return nil, fmt.Errorf("%w: %v above maximum %v", ErrInvalidValue, out, *s.Max)
		}
	}

	if len(s.Enum) > 0 {
		for _, e := range s.Enum {
			ce, err := s.Coerce(e)
			if err == nil && Equal(ce, out) {
				return out, nil
			}
		}
		return nil, fmt.Errorf("%w: %v not in %v", ErrInvalidValue, out, s.Enum)
	}

	return out, nil
}

// Equal compares two channel values. Numbers compare by value regardless of
// their Go type, so int64(1) equals 1.0.
func Equal(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	if _, isStr := a.(string); isStr {
		return a == b
	}
	return reflect.DeepEqual(a, b)
}

// ToFloat converts a numeric value (or numeric string) to float64.
func ToFloat(v any) (float64, bool) {
	return toFloat(v)
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	case interface{ Float64() (float64, error) }:
		f, err := x.Float64()
		return f, err == nil
	}
	return 0, false
}

func toBool(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "on", "1", "yes":
			return true, true
		case "false", "off", "0", "no":
			return false, true
		}
		return false, false
	}
	if f, ok := toFloat(v); ok && (f == 0 || f == 1) {
		return f == 1, true
	}
	return false, false
}
