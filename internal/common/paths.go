package common

import (
	"regexp"
	"strings"
)

var multiSlash = regexp.MustCompile(`/+`)

// JoinPaths joins URL fragments with "/" and normalizes the result so that
// adjoining slashes never double up, "?" and "#" stay glued to the previous
// segment, and the scheme separator survives.
func JoinPaths(parts ...string) string {
	joined := strings.Join(parts, "/")
	joined = multiSlash.ReplaceAllString(joined, "/")
	joined = strings.ReplaceAll(joined, "/?", "?")
	joined = strings.ReplaceAll(joined, "/#", "#")
	joined = strings.ReplaceAll(joined, ":/", "://")
	return joined
}

// IsAbsoluteURL reports whether s already carries an http or https scheme.
func IsAbsoluteURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
