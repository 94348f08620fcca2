// Package keypath implements the minimal dotted-path item traversal the
// engine needs. It is deliberately small: spec.md scopes keypath utilities
// out of the core, specifying them only by contract (getValueForSingleKeypath,
// getKeyForKeypath, isCompoundKeyPath).
package keypath

import "strings"

// Item is the engine's untyped record shape: a tagged map from string
// fields to primitive values (number, string, bool, time, or
// array-of-primitive for multiEntry).
type Item map[string]any

// IsCompound reports whether path denotes a compound key (two or more
// components).
func IsCompound(paths []string) bool {
	return len(paths) >= 2
}

// GetValue resolves a single dotted path ("a.b.c") against item, returning
// (nil, false) if any segment is absent.
func GetValue(item Item, path string) (any, bool) {
	segments := strings.Split(path, ".")
	var cur any = map[string]any(item)
	for _, seg := range segments {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[seg]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// GetValues resolves an ordered list of dotted paths, used for compound
// keys. Returns false if any path is missing.
func GetValues(item Item, paths []string) ([]any, bool) {
	out := make([]any, len(paths))
	for i, p := range paths {
		v, ok := GetValue(item, p)
		if !ok {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}
