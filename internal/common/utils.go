package common

import "strings"

var pathSeparators = strings.NewReplacer("/", "-", "\\", "-")

// Slug lower-cases s and replaces whitespace runs and path separators with a
// single dash, so that station names can be used as storage keys.
func Slug(s string) string {
	fields := strings.Fields(strings.ToLower(s))
	return pathSeparators.Replace(strings.Join(fields, "-"))
}
