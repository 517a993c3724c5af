package nvd

import (
	"strings"
	"time"

	"github.com/depscope/vulnmatch/model"
	"github.com/depscope/vulnmatch/util"
)

// Wire shapes of the NVD CVE 2.0 API, reduced to the fields the engine
// consumes.

type envelope struct {
	ResultsPerPage  int            `json:"resultsPerPage"`
	StartIndex      int            `json:"startIndex"`
	TotalResults    int            `json:"totalResults"`
	Vulnerabilities []vulnResponse `json:"vulnerabilities"`
}

type vulnResponse struct {
	CVE cveItem `json:"cve"`
}

type cveItem struct {
	ID             string          `json:"id"`
	Published      string          `json:"published"`
	Descriptions   []description   `json:"descriptions"`
	Metrics        metrics         `json:"metrics"`
	Configurations []configuration `json:"configurations"`
}

type description struct {
	Lang  string `json:"lang"`
	Value string `json:"value"`
}

type metrics struct {
	CvssMetricV31 []cvssMetric `json:"cvssMetricV31"`
	CvssMetricV30 []cvssMetric `json:"cvssMetricV30"`
}

type cvssMetric struct {
	CvssData cvssData `json:"cvssData"`
}

type cvssData struct {
	BaseScore    float64 `json:"baseScore"`
	VectorString string  `json:"vectorString"`
}

type configuration struct {
	Nodes []node `json:"nodes"`
}

type node struct {
	CpeMatch []cpeMatch `json:"cpeMatch"`
}

type cpeMatch struct {
	Vulnerable            bool   `json:"vulnerable"`
	Criteria              string `json:"criteria"`
	VersionStartIncluding string `json:"versionStartIncluding"`
	VersionStartExcluding string `json:"versionStartExcluding"`
	VersionEndIncluding   string `json:"versionEndIncluding"`
	VersionEndExcluding   string `json:"versionEndExcluding"`
}

// toRecord converts one CVE item into the engine's record shape. CPE match
// criteria become explicit constraints; a bound whose inclusivity cannot be
// expressed is dropped rather than widened.
func toRecord(item cveItem) model.VulnerabilityRecord {
	record := model.VulnerabilityRecord{
		ID:      item.ID,
		Summary: englishDescription(item.Descriptions),
	}

	if item.Published != "" {
		if ts, err := time.Parse("2006-01-02T15:04:05.000", item.Published); err == nil {
			record.Published = ts
		} else if ts, err := time.Parse(time.RFC3339, item.Published); err == nil {
			record.Published = ts
		}
	}

	record.SeverityScore = baseScore(item.Metrics)
	record.SeverityRating = util.GetSeverityRating(record.SeverityScore)

	for _, config := range item.Configurations {
		for _, n := range config.Nodes {
			for _, match := range n.CpeMatch {
				if !match.Vulnerable {
					continue
				}
				productKey, exactVersion, ok := parseCriteria(match.Criteria)
				if !ok {
					continue
				}
				constraints, ok := matchConstraints(match, exactVersion)
				if !ok {
					continue
				}
				record.AffectedRanges = append(record.AffectedRanges, model.ProductRange{
					ProductKey:  productKey,
					Constraints: constraints,
				})
			}
		}
	}

	return record
}

func englishDescription(descriptions []description) string {
	for _, desc := range descriptions {
		if desc.Lang == "en" {
			return desc.Value
		}
	}
	return ""
}

// baseScore prefers CVSS v3.1 over v3.0; when a metric carries only a
// vector string the score is computed from it.
func baseScore(m metrics) float64 {
	candidates := append(m.CvssMetricV31, m.CvssMetricV30...)
	for _, c := range candidates {
		if c.CvssData.BaseScore > 0 {
			return c.CvssData.BaseScore
		}
		if score := util.CalculateCVSSScore(c.CvssData.VectorString); score > 0 {
			return score
		}
	}
	return 0
}

// parseCriteria extracts "vendor:product" and the embedded version from a
// cpe:2.3:part:vendor:product:version:... string.
func parseCriteria(criteria string) (productKey, version string, ok bool) {
	if !strings.HasPrefix(criteria, "cpe:2.3:") {
		return "", "", false
	}
	parts := strings.Split(criteria, ":")
	if len(parts) < 6 {
		return "", "", false
	}
	vendor := strings.ToLower(parts[3])
	product := strings.ToLower(parts[4])
	if vendor == "*" || product == "*" || vendor == "" || product == "" {
		return "", "", false
	}
	return vendor + ":" + product, parts[5], true
}

// matchConstraints folds NVD's versionStart/versionEnd fields into explicit
// constraints. Rules, all failing closed:
//   - both bounds present  -> one range with explicit inclusivity
//   - end bound only       -> lt / le
//   - inclusive start only -> ge
//   - exclusive start with no end bound cannot be expressed; the match is
//     dropped instead of being widened to ge
//   - no bounds            -> the criteria's own version as an exact match,
//     unless it is a wildcard
func matchConstraints(match cpeMatch, exactVersion string) ([]model.Constraint, bool) {
	lo := match.VersionStartIncluding
	loInclusive := true
	if lo == "" && match.VersionStartExcluding != "" {
		lo = match.VersionStartExcluding
		loInclusive = false
	}
	hi := match.VersionEndExcluding
	hiInclusive := false
	if hi == "" && match.VersionEndIncluding != "" {
		hi = match.VersionEndIncluding
		hiInclusive = true
	}

	switch {
	case lo != "" && hi != "":
		return []model.Constraint{{
			Op:          model.OpRange,
			Lo:          lo,
			Hi:          hi,
			LoInclusive: loInclusive,
			HiInclusive: hiInclusive,
		}}, true
	case hi != "":
		op := model.OpLessThan
		if hiInclusive {
			op = model.OpLessOrEqual
		}
		return []model.Constraint{{Op: op, Version: hi}}, true
	case lo != "":
		if !loInclusive {
			return nil, false
		}
		return []model.Constraint{{Op: model.OpGreaterOrEqual, Version: lo}}, true
	default:
		if exactVersion == "*" || exactVersion == "-" || exactVersion == "" {
			return nil, false
		}
		return []model.Constraint{{Op: model.OpExact, Version: exactVersion}}, true
	}
}
