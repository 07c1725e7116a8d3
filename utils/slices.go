package utils // import "github.com/whisthq/whist/backend/workspaces/utils"

import (
	"golang.org/x/exp/constraints"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// StringSliceContains returns true if the given string slice contains string val, and false otherwise.
func StringSliceContains(slice []string, val string) bool {
	return slices.Contains(slice, val)
}

// SortedKeys returns the keys of m in ascending order.
func SortedKeys[K constraints.Ordered, V any](m map[K]V) []K {
	keys := maps.Keys(m)
	slices.Sort(keys)
	return keys
}

// PrintSlice is a helper function to print a slice as a string of comma separated values.
// The string is truncated to the first n elements in the slice, to improve readability.
func PrintSlice[T constraints.Ordered](slice []T, n int) string {
	if len(slice) < n {
		n = len(slice)
	}

	var message string
	for i, v := range slice[:n] {
		if i+1 == n {
			message += Sprintf("%v", v)
		} else {
			message += Sprintf("%v, ", v)
		}
	}
	return message
}
