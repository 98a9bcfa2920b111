// Package tags implements the hierarchical tag vocabulary.
//
// Tag names are lowercase, colon-separated hierarchies of singular segments:
// "database:postgresql", "language:go:generics". Every prefix of a valid name
// is itself a valid tag ("database" for "database:postgresql"); the store
// materializes those ancestors so the ancestor-closure invariant holds for
// every link.
//
// The extraction side is pluggable: Extractor is implemented by an LLM-backed
// client and by a deterministic keyword matcher used for query-time
// extraction and tests. Whatever the extractor produces, Service normalizes
// (lowercase, singularized segments), validates against the name pattern,
// caps count and depth, and silently drops the rest - enrichment must never
// fail a write because a model produced a malformed label.
package tags

import (
	"regexp"
	"strings"
)

const (
	// MaxTagsPerNode caps extractor output per node.
	MaxTagsPerNode = 8
	// MaxDepth caps hierarchy size at MaxDepth segments: a name survives
	// sanitization only while Depth (its colon count) stays below it.
	MaxDepth = 5
	// OntologySnapshotSize is how many recent tag names bias the extractor.
	OntologySnapshotSize = 100
)

var namePattern = regexp.MustCompile(`^[a-z0-9-]+(:[a-z0-9-]+)*$`)

// ValidName reports whether name matches the tag pattern.
func ValidName(name string) bool {
	return namePattern.MatchString(name)
}

// Depth returns the hierarchy depth of name: "a" is 0, "a:b" is 1.
func Depth(name string) int {
	return strings.Count(name, ":")
}

// Ancestors returns every proper prefix of a hierarchical name, shallowest
// first: Ancestors("a:b:c") = ["a", "a:b"]. Flat names have none.
func Ancestors(name string) []string {
	segs := strings.Split(name, ":")
	if len(segs) < 2 {
		return nil
	}
	out := make([]string, 0, len(segs)-1)
	for i := 1; i < len(segs); i++ {
		out = append(out, strings.Join(segs[:i], ":"))
	}
	return out
}

// WithAncestors returns names plus every ancestor prefix, de-duplicated,
// preserving first-seen order.
func WithAncestors(names []string) []string {
	seen := make(map[string]struct{}, len(names)*2)
	var out []string
	add := func(n string) {
		if _, ok := seen[n]; !ok {
			seen[n] = struct{}{}
			out = append(out, n)
		}
	}
	for _, n := range names {
		for _, a := range Ancestors(n) {
			add(a)
		}
		add(n)
	}
	return out
}

// Normalize lowercases a candidate name and singularizes each segment.
// Returns "" when the result does not match the tag pattern.
func Normalize(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return ""
	}
	segs := strings.Split(name, ":")
	for i, s := range segs {
		segs[i] = Singularize(strings.TrimSpace(s))
	}
	name = strings.Join(segs, ":")
	if !ValidName(name) {
		return ""
	}
	return name
}

// irregular plurals worth handling; everything else goes through the rules.
var irregularSingulars = map[string]string{
	"people":   "person",
	"children": "child",
	"indices":  "index",
	"indexes":  "index",
	"vertices": "vertex",
	"matrices": "matrix",
	"schemas":  "schema",
	"schemata": "schema",
	"data":     "data",
	"media":    "media",
}

// Singularize reduces an English plural segment to singular form using a
// small rule set. Already-singular words pass through.
func Singularize(s string) string {
	if s == "" {
		return s
	}
	if v, ok := irregularSingulars[s]; ok {
		return v
	}
	switch {
	case strings.HasSuffix(s, "ies") && len(s) > 3:
		return s[:len(s)-3] + "y"
	case strings.HasSuffix(s, "sses"),
		strings.HasSuffix(s, "ches"),
		strings.HasSuffix(s, "shes"),
		strings.HasSuffix(s, "xes"),
		strings.HasSuffix(s, "zes"):
		return s[:len(s)-2]
	case strings.HasSuffix(s, "ss"), strings.HasSuffix(s, "us"), strings.HasSuffix(s, "is"):
		// glass, status, analysis - not plural s
		return s
	case strings.HasSuffix(s, "s") && len(s) > 1:
		return s[:len(s)-1]
	}
	return s
}
