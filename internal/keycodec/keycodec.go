// Package keycodec implements order-preserving serialization of key values
// (spec.md §4.1): given a primitive value, produce a string such that
// lexical string order matches the intended total order of the original
// values, and given a compound keypath, join per-component encodings with a
// separator that cannot appear inside any component's encoding.
package keycodec

import (
	"fmt"
	"math"
	"strings"
	"time"

	"docengine/internal/dberr"
)

// CompoundKeySeparator joins serialized components of a compound key. NUL
// is reserved: no serialized component (hex-encoded numbers, "0"/"1"
// booleans, or caller-supplied primary-key strings in this engine's domain)
// is expected to contain it.
const CompoundKeySeparator = "\x00"

// FTSFallbackSeparator wraps each token when a full-text column degrades to
// a plain LIKE-queryable column on backends without FTS3 support.
const FTSFallbackSeparator = "^$^"

// SerializeValue encodes a single primitive value (number, string, bool, or
// time.Time) into its order-preserving string form.
func SerializeValue(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "", dberr.New(dberr.BadKey, "key value is nil")
	case string:
		return val, nil
	case bool:
		if val {
			return "1", nil
		}
		return "0", nil
	case time.Time:
		return serializeNumber(float64(val.UnixMilli())), nil
	case float64:
		return serializeNumber(val), nil
	case float32:
		return serializeNumber(float64(val)), nil
	case int:
		return serializeNumber(float64(val)), nil
	case int32:
		return serializeNumber(float64(val)), nil
	case int64:
		return serializeNumber(float64(val)), nil
	case uint:
		return serializeNumber(float64(val)), nil
	case uint64:
		return serializeNumber(float64(val)), nil
	default:
		return "", dberr.New(dberr.BadKey, fmt.Sprintf("unserializable key value type %T", v))
	}
}

// serializeNumber flips the sign bit of a positive IEEE-754 double (or
// inverts all bits of a negative one) so that unsigned big-endian
// comparison of the bit pattern matches numeric comparison of the
// original float, then renders that pattern as a fixed-width hex string
// (order-preserving because hex digit order matches nibble order).
func serializeNumber(f float64) string {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		// negative: invert everything so more-negative sorts lower
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	return fmt.Sprintf("%016x", bits)
}

// SerializeCompound joins per-component serialized values with the
// reserved compound separator. len(values) must match the keypath arity
// the caller is enforcing; SerializeCompound itself only requires at least
// one value.
func SerializeCompound(values []any) (string, error) {
	if len(values) == 0 {
		return "", dberr.New(dberr.BadKey, "compound key has no components")
	}
	parts := make([]string, len(values))
	for i, v := range values {
		s, err := SerializeValue(v)
		if err != nil {
			return "", err
		}
		parts[i] = s
	}
	return strings.Join(parts, CompoundKeySeparator), nil
}

// Serialize is the general entry point: a single value for a simple
// keypath, or a slice of values (one per component, in order) for a
// compound keypath.
func Serialize(keyOrComponents any, compound bool) (string, error) {
	if !compound {
		return SerializeValue(keyOrComponents)
	}
	values, ok := keyOrComponents.([]any)
	if !ok {
		return "", dberr.New(dberr.BadKey, "compound keypath requires an ordered list of components")
	}
	return SerializeCompound(values)
}

// FormListOfSerializedKeys normalizes a "key or keys" argument into a flat
// list of serialized keys. keyOrKeys may be:
//   - a single primitive value (simple keypath)
//   - a single []any of components (compound keypath, one key)
//   - a []any of primitive values (simple keypath, many keys)
//   - a [][]any of components (compound keypath, many keys)
func FormListOfSerializedKeys(keyOrKeys any, compound bool) ([]string, error) {
	if compound {
		return formListCompound(keyOrKeys)
	}
	return formListSimple(keyOrKeys)
}

func formListSimple(keyOrKeys any) ([]string, error) {
	if list, ok := keyOrKeys.([]any); ok {
		out := make([]string, 0, len(list))
		for _, k := range list {
			s, err := SerializeValue(k)
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		}
		return out, nil
	}
	s, err := SerializeValue(keyOrKeys)
	if err != nil {
		return nil, err
	}
	return []string{s}, nil
}

func formListCompound(keyOrKeys any) ([]string, error) {
	switch v := keyOrKeys.(type) {
	case []any:
		if isComponentList(v) {
			// a single compound key given as its ordered components
			s, err := SerializeCompound(v)
			if err != nil {
				return nil, err
			}
			return []string{s}, nil
		}
		out := make([]string, 0, len(v))
		for _, k := range v {
			components, ok := k.([]any)
			if !ok {
				return nil, dberr.New(dberr.BadKey, "compound keypath requires ordered component lists")
			}
			s, err := SerializeCompound(components)
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, dberr.New(dberr.BadKey, "compound keypath requires an ordered list of components")
	}
}

// isComponentList heuristically distinguishes "one compound key given as
// its components" ([]any{"x", 1}) from "many keys" ([]any{[]any{"x",1}, ...}).
func isComponentList(v []any) bool {
	for _, el := range v {
		if _, ok := el.([]any); ok {
			return false
		}
	}
	return true
}
