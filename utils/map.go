package utils

import (
	"maps"
	"slices"
)

// LookupCopy returns a detached copy of m[key], or false when absent or nil.
func LookupCopy[T any](m map[string]*T, key string) (T, bool) {
	v := m[key]
	if v == nil {
		var zero T
		return zero, false
	}
	return *v, true
}

// SortedKeys returns the keys of m in ascending order.
func SortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
