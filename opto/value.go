package opto

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ValueKind tags the variant held by a Value.
type ValueKind int

const (
	kindNone ValueKind = iota
	KindFloat
	KindInteger
	KindBoolean
	KindRawHex
)

// String returns the write-request type hint for the kind.
func (k ValueKind) String() string {
	switch k {
	case KindFloat:
		return "float"
	case KindInteger:
		return "integer"
	case KindBoolean:
		return "bool"
	case KindRawHex:
		return "hex"
	default:
		return "none"
	}
}

// Value is a quadlet to write. The variant is chosen by whoever produces
// the value; the zero Value has no kind and cannot be written.
type Value struct {
	kind ValueKind
	f    float64
	i    int64
	b    bool
	s    string
}

func FloatValue(v float64) Value   { return Value{kind: KindFloat, f: v} }
func IntegerValue(v int64) Value   { return Value{kind: KindInteger, i: v} }
func BooleanValue(v bool) Value    { return Value{kind: KindBoolean, b: v} }
func RawHexValue(hex string) Value { return Value{kind: KindRawHex, s: hex} }

// Kind returns the variant tag.
func (v Value) Kind() ValueKind { return v.kind }

// String formats the value for logs.
func (v Value) String() string {
	switch v.kind {
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindInteger:
		return strconv.FormatInt(v.i, 10)
	case KindBoolean:
		return strconv.FormatBool(v.b)
	case KindRawHex:
		return v.s
	default:
		return "<none>"
	}
}

// CoerceToHex renders v as the 8-character uppercase hex quadlet the PAC
// expects. Raw hex is returned unchanged.
func CoerceToHex(v Value) (string, error) {
	switch v.kind {
	case KindFloat:
		return fmt.Sprintf("%08X", math.Float32bits(float32(v.f))), nil
	case KindInteger:
		if v.i < 0 {
			return "", fmt.Errorf("%w: %d", ErrNegativeValue, v.i)
		}
		if v.i > math.MaxUint32 {
			return "", fmt.Errorf("%w: %d", ErrValueOutOfRange, v.i)
		}
		return fmt.Sprintf("%08X", uint32(v.i)), nil
	case KindBoolean:
		if v.b {
			return "FFFFFFFF", nil
		}
		return "00000000", nil
	case KindRawHex:
		return v.s, nil
	default:
		return "", ErrUnsupportedValueType
	}
}

// ParseValue chooses a variant for a JSON-decoded or YAML-decoded value.
// Strings are raw hex. json.Number literals without a fraction or exponent
// are integers.
func ParseValue(raw interface{}) (Value, error) {
	switch x := raw.(type) {
	case Value:
		return x, nil
	case bool:
		return BooleanValue(x), nil
	case string:
		return RawHexValue(x), nil
	case json.Number:
		s := x.String()
		if !strings.ContainsAny(s, ".eE") {
			if i, err := x.Int64(); err == nil {
				return IntegerValue(i), nil
			}
			// integral literals never become floats
			u, err := strconv.ParseUint(s, 10, 64)
			if err != nil {
				return Value{}, fmt.Errorf("%w: %s", ErrValueOutOfRange, s)
			}
			return unsignedValue(u)
		}
		f, err := x.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("%w: %q", ErrUnsupportedValueType, s)
		}
		return FloatValue(f), nil
	case float64:
		return FloatValue(x), nil
	case float32:
		return FloatValue(float64(x)), nil
	case int:
		return IntegerValue(int64(x)), nil
	case int8:
		return IntegerValue(int64(x)), nil
	case int16:
		return IntegerValue(int64(x)), nil
	case int32:
		return IntegerValue(int64(x)), nil
	case int64:
		return IntegerValue(x), nil
	case uint:
		return unsignedValue(uint64(x))
	case uint8:
		return IntegerValue(int64(x)), nil
	case uint16:
		return IntegerValue(int64(x)), nil
	case uint32:
		return IntegerValue(int64(x)), nil
	case uint64:
		return unsignedValue(x)
	default:
		return Value{}, fmt.Errorf("%w: %T", ErrUnsupportedValueType, raw)
	}
}

func unsignedValue(u uint64) (Value, error) {
	if u > math.MaxUint32 {
		return Value{}, fmt.Errorf("%w: %d", ErrValueOutOfRange, u)
	}
	return IntegerValue(int64(u)), nil
}

// ParseTypedValue applies an explicit type hint ("float", "integer", "bool",
// "hex") to raw. An empty hint falls back to ParseValue.
func ParseTypedValue(kind string, raw interface{}) (Value, error) {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if kind == "" {
		return ParseValue(raw)
	}

	v, err := ParseValue(raw)
	if err != nil {
		return Value{}, err
	}

	switch kind {
	case "float", "real":
		switch v.kind {
		case KindFloat:
			return v, nil
		case KindInteger:
			return FloatValue(float64(v.i)), nil
		case KindRawHex:
			f, err := strconv.ParseFloat(v.s, 64)
			if err != nil {
				return Value{}, fmt.Errorf("%w: %q is not a float", ErrUnsupportedValueType, v.s)
			}
			return FloatValue(f), nil
		}
	case "integer", "int":
		switch v.kind {
		case KindInteger:
			return v, nil
		case KindFloat:
			if v.f != math.Trunc(v.f) {
				return Value{}, fmt.Errorf("%w: %v is not an integer", ErrUnsupportedValueType, v.f)
			}
			return IntegerValue(int64(v.f)), nil
		case KindRawHex:
			i, err := strconv.ParseInt(v.s, 10, 64)
			if err != nil {
				return Value{}, fmt.Errorf("%w: %q is not an integer", ErrUnsupportedValueType, v.s)
			}
			return IntegerValue(i), nil
		}
	case "bool", "boolean":
		switch v.kind {
		case KindBoolean:
			return v, nil
		case KindRawHex:
			b, err := strconv.ParseBool(v.s)
			if err != nil {
				return Value{}, fmt.Errorf("%w: %q is not a bool", ErrUnsupportedValueType, v.s)
			}
			return BooleanValue(b), nil
		}
	case "hex":
		if v.kind == KindRawHex {
			return v, nil
		}
	default:
		return Value{}, fmt.Errorf("%w: unknown type hint %q", ErrUnsupportedValueType, kind)
	}

	return Value{}, fmt.Errorf("%w: cannot use %s value as %s", ErrUnsupportedValueType, v.kind, kind)
}
