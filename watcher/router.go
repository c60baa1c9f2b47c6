package watcher

import (
	"strings"
)

// Destination identifies the dataset a matched file is routed to.
type Destination struct {
	Table       string
	Schema      string
	Description string
}

// PatternRule maps a case-insensitive path substring to a destination.
type PatternRule struct {
	Pattern     string
	Destination Destination
}

// Router classifies file paths against an ordered rule set. It is pure
// and stateless; no-match caching is the scanner's job.
type Router struct {
	rules []PatternRule
}

func NewRouter(rules []PatternRule) *Router {
	return &Router{rules: rules}
}

// NormalizePath lower-cases a path and converts separators to forward
// slashes so Windows- and POSIX-style paths match identically.
func NormalizePath(p string) string {
	return strings.ToLower(strings.ReplaceAll(p, "\\", "/"))
}

// Classify returns the destination for the first rule whose pattern is a
// substring of the normalized path. Rules are checked in declaration
// order; first match wins.
func (r *Router) Classify(path string) (Destination, bool) {
	normalized := NormalizePath(path)
	for _, rule := range r.rules {
		if strings.Contains(normalized, strings.ToLower(rule.Pattern)) {
			return rule.Destination, true
		}
	}
	return Destination{}, false
}
