// Package strutil holds small string normalization helpers shared by the
// database loaders and key parsers.
package strutil

import "strings"

// NormalizeUpper trims surrounding whitespace and converts to upper case.
// Use for call signs and other tokens recorded upper case by convention.
func NormalizeUpper(value string) string {
	return strings.ToUpper(strings.TrimSpace(value))
}

// NormalizeLower trims surrounding whitespace and converts to lower case.
// Use for enum keys (area types, datums, bands) before matching.
func NormalizeLower(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
