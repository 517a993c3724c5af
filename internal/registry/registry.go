// Package registry maps dependency coordinates to the canonical product keys
// a vulnerability source uses, via a curated exact table with a conservative
// fuzzy fallback. The fuzzy tier is tuned to favor false negatives over
// false positives: low-confidence or tied candidates are dropped, not
// guessed.
package registry

import (
	"strings"
	"sync"

	"github.com/agext/levenshtein"

	"github.com/depscope/vulnmatch/model"
)

// Resolution is one product identity link for a coordinate.
type Resolution struct {
	ProductKey string
	Basis      model.MatchBasis
	Confidence float64
}

// Product is one entry of the source's product catalog, used as a fuzzy
// matching candidate. Key is the source's canonical "vendor:product" form.
type Product struct {
	Key       string
	Name      string
	Ecosystem model.Ecosystem
}

// Registry resolves coordinates to product keys. The exact table is
// read-only after construction; the candidate catalog grows as fetched
// records reveal product keys and is guarded for concurrent workers.
type Registry struct {
	exact     map[string]string
	threshold float64

	mu      sync.RWMutex
	catalog map[string]Product
}

// New builds a Registry with the curated table, optionally extended by
// extra mappings (coordinate key -> product key) from configuration.
func New(threshold float64, extra map[string]string) *Registry {
	exact := make(map[string]string, len(curatedMappings)+len(extra))
	for k, v := range curatedMappings {
		exact[k] = v
	}
	for k, v := range extra {
		exact[strings.ToLower(k)] = strings.ToLower(v)
	}

	return &Registry{
		exact:     exact,
		threshold: threshold,
		catalog:   make(map[string]Product),
	}
}

// curatedMappings is the static table of known coordinate -> product key
// links, keyed by Coordinate.Key(). Product keys follow the source's CPE
// "vendor:product" convention.
var curatedMappings = map[string]string{
	// npm
	"npm:lodash":     "lodash:lodash",
	"npm:express":    "expressjs:express",
	"npm:minimist":   "minimist_project:minimist",
	"npm:axios":      "axios:axios",
	"npm:node-fetch": "node-fetch_project:node-fetch",

	// PyPI
	"pypi:django":       "djangoproject:django",
	"pypi:flask":        "palletsprojects:flask",
	"pypi:requests":     "python:requests",
	"pypi:urllib3":      "python:urllib3",
	"pypi:pyyaml":       "pyyaml:pyyaml",
	"pypi:numpy":        "numpy:numpy",
	"pypi:pillow":       "python:pillow",
	"pypi:cryptography": "cryptography_project:cryptography",

	// Maven
	"maven:org.apache.logging.log4j/log4j-core":         "apache:log4j",
	"maven:com.fasterxml.jackson.core/jackson-databind": "fasterxml:jackson-databind",
	"maven:org.springframework/spring-core":             "vmware:spring_framework",
	"maven:org.apache.struts/struts2-core":              "apache:struts",
	"maven:org.apache.commons/commons-text":             "apache:commons_text",

	// Go
	"golang:github.com/gin-gonic/gin":     "gin-gonic:gin",
	"golang:github.com/gorilla/websocket": "gorilla:websocket",
	"golang:golang.org/x/crypto":          "golang:crypto",
	"golang:golang.org/x/net":             "golang:net",

	// RubyGems
	"gem:rails":    "rubyonrails:rails",
	"gem:nokogiri": "nokogiri:nokogiri",

	// Cargo
	"cargo:openssl": "rust-openssl_project:openssl",
}

// Resolve returns the product identities for a coordinate: the exact mapping
// when one exists, otherwise at most one fuzzy candidate above the
// threshold. An empty result is a legitimate outcome, not an error.
func (r *Registry) Resolve(coord model.Coordinate) []Resolution {
	if key, exists := r.exact[coord.Key()]; exists {
		return []Resolution{{
			ProductKey: key,
			Basis:      model.ExactProduct,
			Confidence: 1.0,
		}}
	}
	return r.resolveFuzzy(coord)
}

// AddProducts feeds catalog candidates discovered in fetched vulnerability
// records back into the fuzzy tier.
func (r *Registry) AddProducts(products ...Product) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range products {
		key := strings.ToLower(p.Key)
		if key == "" {
			continue
		}
		if p.Name == "" {
			// derive a display name from the product half of the key
			if _, prod, found := strings.Cut(key, ":"); found {
				p.Name = prod
			} else {
				p.Name = key
			}
		}
		r.catalog[key] = Product{Key: key, Name: strings.ToLower(p.Name), Ecosystem: p.Ecosystem}
	}
}

// resolveFuzzy scores every catalog candidate and returns the single best
// one if it clears the threshold and has no tie. Scoring combines token
// overlap, normalized edit-distance similarity, and ecosystem agreement.
func (r *Registry) resolveFuzzy(coord model.Coordinate) []Resolution {
	name := strings.ToLower(coord.Name)
	if name == "" {
		return nil
	}
	nameTokens := tokenize(name)

	r.mu.RLock()
	defer r.mu.RUnlock()

	var best, second float64
	var bestKey string

	for key, product := range r.catalog {
		// a known-but-different ecosystem is a hard mismatch
		if product.Ecosystem != "" && product.Ecosystem != model.EcosystemGeneric &&
			coord.Ecosystem != model.EcosystemGeneric && product.Ecosystem != coord.Ecosystem {
			continue
		}

		overlap := tokenOverlap(nameTokens, tokenize(product.Name))
		similarity := levenshtein.Similarity(name, product.Name, nil)
		ecoBonus := 0.0
		if product.Ecosystem == coord.Ecosystem {
			ecoBonus = 1.0
		}

		score := 0.45*similarity + 0.45*overlap + 0.10*ecoBonus
		switch {
		case score > best:
			second = best
			best = score
			bestKey = key
		case score > second:
			second = score
		}
	}

	if bestKey == "" || best < r.threshold || best == second {
		return nil
	}

	confidence := best
	if confidence >= 1.0 {
		confidence = 0.99 // fuzzy confidence is always below exact
	}
	return []Resolution{{
		ProductKey: bestKey,
		Basis:      model.FuzzyProduct,
		Confidence: confidence,
	}}
}

func tokenOverlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	shared := 0
	for _, t := range b {
		if set[t] {
			shared++
		}
	}
	longer := len(a)
	if len(b) > longer {
		longer = len(b)
	}
	return float64(shared) / float64(longer)
}
