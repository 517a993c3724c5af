// Package model defines the value types exchanged between the matching engine's
// components: dependency coordinates, vulnerability records, match results, and
// the per-run coverage report.
package model

import (
	"fmt"
	"strings"

	"github.com/package-url/packageurl-go"
)

// Ecosystem identifies the packaging ecosystem a dependency was declared in.
type Ecosystem string

// Known ecosystems. Anything else is treated as EcosystemGeneric for version
// comparison purposes.
const (
	EcosystemNPM      Ecosystem = "npm"
	EcosystemPyPI     Ecosystem = "pypi"
	EcosystemMaven    Ecosystem = "maven"
	EcosystemGo       Ecosystem = "golang"
	EcosystemCargo    Ecosystem = "cargo"
	EcosystemNuGet    Ecosystem = "nuget"
	EcosystemRubyGems Ecosystem = "gem"
	EcosystemComposer Ecosystem = "composer"
	EcosystemGeneric  Ecosystem = "generic"
)

// NormalizeEcosystem maps the ecosystem labels used by build manifests and
// vulnerability sources onto the canonical PURL types above.
func NormalizeEcosystem(ecosystem string) Ecosystem {
	mapping := map[string]Ecosystem{
		"npm":       EcosystemNPM,
		"pypi":      EcosystemPyPI,
		"maven":     EcosystemMaven,
		"go":        EcosystemGo,
		"golang":    EcosystemGo,
		"crates.io": EcosystemCargo,
		"cargo":     EcosystemCargo,
		"nuget":     EcosystemNuGet,
		"rubygems":  EcosystemRubyGems,
		"gem":       EcosystemRubyGems,
		"packagist": EcosystemComposer,
		"composer":  EcosystemComposer,
	}

	if eco, exists := mapping[strings.ToLower(strings.TrimSpace(ecosystem))]; exists {
		return eco
	}
	return EcosystemGeneric
}

// Coordinate represents one dependency as declared by a build manifest.
// A Coordinate with an empty Version may exist in an input set but is never
// eligible for matching; the matcher rejects it at its boundary.
type Coordinate struct {
	Namespace string    `json:"namespace,omitempty"`
	Name      string    `json:"name"`
	Version   string    `json:"version,omitempty"`
	Ecosystem Ecosystem `json:"ecosystem"`
}

// CoordinateFromPURL builds a Coordinate from a package URL string.
// Qualifiers and subpath are discarded; the PURL type becomes the ecosystem.
func CoordinateFromPURL(purlStr string) (Coordinate, error) {
	parsed, err := packageurl.FromString(purlStr)
	if err != nil {
		return Coordinate{}, fmt.Errorf("invalid purl %q: %w", purlStr, err)
	}

	return Coordinate{
		Namespace: parsed.Namespace,
		Name:      parsed.Name,
		Version:   parsed.Version,
		Ecosystem: NormalizeEcosystem(parsed.Type),
	}, nil
}

// HasVersion reports whether the coordinate carries a usable version.
func (c Coordinate) HasVersion() bool {
	return strings.TrimSpace(c.Version) != ""
}

// Key returns the version-independent identity of the coordinate,
// unique per (namespace, name, ecosystem).
func (c Coordinate) Key() string {
	if c.Namespace != "" {
		return strings.ToLower(fmt.Sprintf("%s:%s/%s", c.Ecosystem, c.Namespace, c.Name))
	}
	return strings.ToLower(fmt.Sprintf("%s:%s", c.Ecosystem, c.Name))
}

// ToPURL renders the coordinate as a package URL string, version included
// when present.
func (c Coordinate) ToPURL() string {
	purl := packageurl.PackageURL{
		Type:      string(c.Ecosystem),
		Namespace: c.Namespace,
		Name:      c.Name,
		Version:   c.Version,
	}
	return strings.ToLower(purl.ToString())
}

func (c Coordinate) String() string {
	if c.HasVersion() {
		return c.Key() + "@" + c.Version
	}
	return c.Key()
}
