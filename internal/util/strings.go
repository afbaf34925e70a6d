// Package util provides small helpers shared across mcp-vinreport packages,
// mostly around safe formatting of sensitive values for logs.
package util

import "strings"

// SafeTruncate safely truncates a string to maxLen characters without
// panicking. Returns the original string if it's shorter than maxLen,
// otherwise the first maxLen characters. Used when logging token and code
// values, where only a prefix should ever be shown.
//
// If maxLen is negative, it's treated as 0 and returns an empty string.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL normalizes a URL for comparison by removing trailing slashes.
// Issuer and resource identifiers with and without a trailing slash are
// considered equivalent.
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}
