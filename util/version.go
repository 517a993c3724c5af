// Package util provides version comparison for vulnerability checking and
// severity scoring helpers.
//
//revive:disable-next-line:var-naming
package util

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	npm "github.com/aquasecurity/go-npm-version/pkg"
	pep440 "github.com/aquasecurity/go-pep440-version"

	"github.com/depscope/vulnmatch/model"
)

// ErrIncomparable is returned when a version string cannot be parsed under
// the ecosystem's versioning scheme. Callers must fail closed: an
// incomparable version never satisfies any constraint.
var ErrIncomparable = errors.New("versions are not comparable")

// Ordering results from Compare.
const (
	Less    = -1
	Equal   = 0
	Greater = 1
)

// Compare orders two version strings under the ecosystem's scheme.
// npm uses node-semver rules, pypi uses PEP 440, everything else falls back
// to semver with the common "v"/"go" prefixes stripped. A parse failure on
// either side returns ErrIncomparable; there is no lexical fallback, since
// string order on versions is exactly the kind of false-positive source this
// engine exists to avoid.
func Compare(a, b string, ecosystem model.Ecosystem) (int, error) {
	switch ecosystem {
	case model.EcosystemNPM:
		return compareNPM(a, b)
	case model.EcosystemPyPI:
		return comparePython(a, b)
	default:
		return compareSemver(a, b)
	}
}

// Satisfies reports whether version meets the constraint under the
// ecosystem's scheme. Any parse failure, of the version or of a constraint
// bound, yields false.
func Satisfies(version string, c model.Constraint, ecosystem model.Ecosystem) bool {
	switch c.Op {
	case model.OpExact:
		cmp, err := Compare(version, c.Version, ecosystem)
		return err == nil && cmp == Equal
	case model.OpLessThan:
		cmp, err := Compare(version, c.Version, ecosystem)
		return err == nil && cmp == Less
	case model.OpLessOrEqual:
		cmp, err := Compare(version, c.Version, ecosystem)
		return err == nil && cmp != Greater
	case model.OpGreaterOrEqual:
		cmp, err := Compare(version, c.Version, ecosystem)
		return err == nil && cmp != Less
	case model.OpRange:
		return satisfiesRange(version, c, ecosystem)
	default:
		return false
	}
}

// SatisfiesAll evaluates a ProductRange's constraints conjunctively.
// An empty constraint list never matches: a range with no bounds is
// incomplete data, not "affects everything".
func SatisfiesAll(version string, pr model.ProductRange, ecosystem model.Ecosystem) bool {
	if len(pr.Constraints) == 0 {
		return false
	}
	for _, c := range pr.Constraints {
		if !Satisfies(version, c, ecosystem) {
			return false
		}
	}
	return true
}

// satisfiesRange applies explicit boundary semantics: a version equal to Hi
// is excluded unless HiInclusive, equal to Lo excluded unless LoInclusive.
// This boundary precision is what keeps a fixed dependency from being
// flagged.
func satisfiesRange(version string, c model.Constraint, ecosystem model.Ecosystem) bool {
	if c.Lo != "" {
		cmp, err := Compare(version, c.Lo, ecosystem)
		if err != nil {
			return false
		}
		if cmp == Less || (cmp == Equal && !c.LoInclusive) {
			return false
		}
	}
	if c.Hi != "" {
		cmp, err := Compare(version, c.Hi, ecosystem)
		if err != nil {
			return false
		}
		if cmp == Greater || (cmp == Equal && !c.HiInclusive) {
			return false
		}
	}
	// A range needs at least one bound to mean anything.
	return c.Lo != "" || c.Hi != ""
}

func compareSemver(a, b string) (int, error) {
	va, err := semver.NewVersion(cleanPrefix(a))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrIncomparable, a)
	}
	vb, err := semver.NewVersion(cleanPrefix(b))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrIncomparable, b)
	}
	return va.Compare(vb), nil
}

func compareNPM(a, b string) (int, error) {
	va, err := npm.NewVersion(a)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrIncomparable, a)
	}
	vb, err := npm.NewVersion(b)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrIncomparable, b)
	}
	switch {
	case va.LessThan(vb):
		return Less, nil
	case va.GreaterThan(vb):
		return Greater, nil
	default:
		return Equal, nil
	}
}

func comparePython(a, b string) (int, error) {
	va, err := pep440.Parse(a)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrIncomparable, a)
	}
	vb, err := pep440.Parse(b)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrIncomparable, b)
	}
	switch {
	case va.LessThan(vb):
		return Less, nil
	case va.GreaterThan(vb):
		return Greater, nil
	default:
		return Equal, nil
	}
}

// cleanPrefix strips "v" and Go stdlib "go" prefixes (e.g. "go1.22.2") before
// semver parsing, since Masterminds/semver doesn't handle the latter.
func cleanPrefix(version string) string {
	version = strings.TrimSpace(version)
	if strings.HasPrefix(version, "go") {
		return strings.TrimPrefix(version, "go")
	}
	return version
}
