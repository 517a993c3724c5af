package model

import "time"

// ConstraintOp selects how a Constraint bounds the affected version set.
type ConstraintOp string

// Constraint operators. There is deliberately no bare greater-than: a lower
// bound with an exclusive start and no upper bound cannot be expressed, which
// forces such ranges to fail closed at decode time.
const (
	OpExact          ConstraintOp = "exact"
	OpLessThan       ConstraintOp = "lt"
	OpLessOrEqual    ConstraintOp = "le"
	OpGreaterOrEqual ConstraintOp = "ge"
	OpRange          ConstraintOp = "range"
)

// Constraint is a single version bound sourced from a vulnerability record.
// For OpRange, Lo/Hi and their inclusivity flags apply; for every other
// operator only Version applies.
type Constraint struct {
	Op          ConstraintOp `json:"op"`
	Version     string       `json:"version,omitempty"`
	Lo          string       `json:"lo,omitempty"`
	Hi          string       `json:"hi,omitempty"`
	LoInclusive bool         `json:"lo_inclusive,omitempty"`
	HiInclusive bool         `json:"hi_inclusive,omitempty"`
}

// ProductRange describes which versions of one product a vulnerability
// affects. Constraints are conjunctive: a version is inside the range only
// when every constraint holds.
type ProductRange struct {
	ProductKey  string       `json:"product_key"`
	Constraints []Constraint `json:"constraints"`
}

// VulnerabilityRecord is one vulnerability as returned by the source,
// read-only once cached.
type VulnerabilityRecord struct {
	ID             string         `json:"id"`
	SeverityScore  float64        `json:"severity_score"`
	SeverityRating string         `json:"severity_rating"`
	Summary        string         `json:"summary"`
	Published      time.Time      `json:"published,omitempty"`
	AffectedRanges []ProductRange `json:"affected_ranges"`
}

// MatchBasis tags how the product identity link behind a match was made,
// so downstream consumers can filter heuristic matches.
type MatchBasis string

const (
	// ExactProduct means the coordinate was found in the curated mapping table.
	ExactProduct MatchBasis = "exact_product"
	// FuzzyProduct means the link came from conservative name similarity.
	FuzzyProduct MatchBasis = "fuzzy_product"
)

// MatchResult links one versioned dependency to one vulnerability that
// affects it. Immutable once created.
type MatchResult struct {
	Dependency    Coordinate          `json:"dependency"`
	Vulnerability VulnerabilityRecord `json:"vulnerability"`
	Confidence    float64             `json:"confidence"`
	Basis         MatchBasis          `json:"basis"`
}
