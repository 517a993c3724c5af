package registry

import (
	"strings"

	"github.com/depscope/vulnmatch/model"
)

// separators found across ecosystem naming conventions: Java reverse-domain
// coordinates, Go module paths, Python/Node dashed and underscored names.
var separators = []string{".", "/", "-", "_", "::"}

// commonPrefixes are path fragments that carry no product identity.
var commonPrefixes = map[string]bool{
	"com":    true,
	"org":    true,
	"net":    true,
	"io":     true,
	"www":    true,
	"github": true,
}

// SearchTerms derives the free-text query terms for a coordinate: the full
// lowercased name plus its meaningful fragments, independent of naming
// convention.
func SearchTerms(coord model.Coordinate) []string {
	full := strings.ToLower(strings.TrimSpace(coord.Name))
	if full == "" {
		return nil
	}

	seen := map[string]bool{full: true}
	terms := []string{full}

	for _, part := range tokenize(full) {
		if !seen[part] {
			seen[part] = true
			terms = append(terms, part)
		}
	}
	if coord.Namespace != "" {
		for _, part := range tokenize(strings.ToLower(coord.Namespace)) {
			if !seen[part] {
				seen[part] = true
				terms = append(terms, part)
			}
		}
	}
	return terms
}

// ProductTerms derives the query terms for a canonical "vendor:product" key.
func ProductTerms(productKey string) []string {
	vendor, product, found := strings.Cut(strings.ToLower(productKey), ":")
	if !found {
		return []string{productKey}
	}
	if vendor == product || vendor == "*" || vendor == "" {
		return []string{product}
	}
	return []string{vendor, product}
}

// tokenize splits a name on every known separator and keeps the fragments
// long enough to be meaningful on their own.
func tokenize(name string) []string {
	parts := []string{name}
	for _, sep := range separators {
		var next []string
		for _, p := range parts {
			next = append(next, strings.Split(p, sep)...)
		}
		parts = next
	}

	var tokens []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if len(p) > 2 && !commonPrefixes[p] {
			tokens = append(tokens, p)
		}
	}
	return tokens
}
