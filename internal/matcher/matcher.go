// Package matcher links dependency coordinates to vulnerability records:
// resolve the coordinate's product identity, fetch that product's records
// through the cache, and keep only the records whose version constraints
// the installed version provably satisfies.
package matcher

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/depscope/vulnmatch/internal/cache"
	"github.com/depscope/vulnmatch/internal/nvd"
	"github.com/depscope/vulnmatch/internal/registry"
	"github.com/depscope/vulnmatch/model"
	"github.com/depscope/vulnmatch/util"
)

// ErrNoVersion marks a coordinate that cannot be matched because it carries
// no version. Callers report these as skipped, never as vulnerability-free.
var ErrNoVersion = errors.New("coordinate has no version")

// SourceClient is the fetching surface the matcher needs; satisfied by
// nvd.Client.
type SourceClient interface {
	Fetch(ctx context.Context, terms []string, startIndex int, onPage func(nvd.Page) error) error
}

// Matcher evaluates one coordinate at a time and is safe for concurrent use.
type Matcher struct {
	registry *registry.Registry
	cache    *cache.Store
	client   SourceClient
	logger   *zap.SugaredLogger
}

func New(reg *registry.Registry, store *cache.Store, client SourceClient, logger *zap.SugaredLogger) *Matcher {
	return &Matcher{
		registry: reg,
		cache:    store,
		client:   client,
		logger:   logger,
	}
}

// Match returns every vulnerability whose constraints the coordinate's
// version satisfies. A coordinate without a version is rejected with
// ErrNoVersion before any resolution or fetching happens. An empty result
// with a nil error means no match was provable, not that none exists.
func (m *Matcher) Match(ctx context.Context, coord model.Coordinate) ([]model.MatchResult, error) {
	if !coord.HasVersion() {
		return nil, ErrNoVersion
	}

	resolutions := m.registry.Resolve(coord)
	if len(resolutions) == 0 {
		// no curated mapping and no usable catalog candidate yet; search the
		// source by the coordinate's own terms so discovered product keys can
		// seed the fuzzy tier, then resolve again
		if err := m.seedCandidates(ctx, coord); err != nil {
			return nil, err
		}
		resolutions = m.registry.Resolve(coord)
	}
	if len(resolutions) == 0 {
		m.logger.Debugw("no product identity resolved", "coordinate", coord.String())
		return nil, nil
	}

	seen := make(map[string]bool)
	var terms []string
	for _, res := range resolutions {
		for _, term := range registry.ProductTerms(res.ProductKey) {
			if !seen[term] {
				seen[term] = true
				terms = append(terms, term)
			}
		}
	}

	var records []model.VulnerabilityRecord
	for _, batch := range nvd.BatchTerms(terms) {
		batchRecords, err := m.recordsFor(ctx, batch)
		if err != nil {
			return nil, err
		}
		records = append(records, batchRecords...)
	}

	return m.evaluate(coord, resolutions, records), nil
}

// seedCandidates fetches records by the coordinate's derived search terms.
// The fetch itself goes through the cache like any other, and the product
// keys it reveals land in the registry's candidate catalog via recordsFor.
func (m *Matcher) seedCandidates(ctx context.Context, coord model.Coordinate) error {
	terms := registry.SearchTerms(coord)
	if len(terms) == 0 {
		return nil
	}
	for _, batch := range nvd.BatchTerms(terms) {
		if _, err := m.recordsFor(ctx, batch); err != nil {
			return err
		}
	}
	return nil
}

// recordsFor returns the records for one query batch, serving from the cache
// when possible. Concurrent callers of the same key wait on a lease while a
// single fetch runs; partial pages are persisted with a resume cursor so an
// interrupted drain continues instead of restarting.
func (m *Matcher) recordsFor(ctx context.Context, batch []string) ([]model.VulnerabilityRecord, error) {
	key := cache.QueryKey(batch)

	if entry, ok := m.cache.Get(key); ok {
		return entry.Payload, nil
	}

	lease, err := m.cache.Acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	// the lease holder before us may have filled the entry
	if entry, ok := m.cache.Get(key); ok {
		return entry.Payload, nil
	}

	startIndex := 0
	var records []model.VulnerabilityRecord
	if entry, ok := m.cache.Resume(key); ok {
		startIndex = entry.NextIndex
		records = entry.Payload
		m.logger.Infow("resuming interrupted fetch", "key", key, "start_index", startIndex)
	}

	err = m.client.Fetch(ctx, batch, startIndex, func(page nvd.Page) error {
		records = append(records, page.Records...)
		if page.Done {
			return nil
		}
		return m.cache.Put(key, records, false, page.NextIndex)
	})
	if err != nil {
		return nil, err
	}

	if err := m.cache.Put(key, records, true, 0); err != nil {
		return nil, err
	}
	m.feedCatalog(records)
	return records, nil
}

// feedCatalog hands product keys discovered in fetched records to the
// registry's fuzzy tier.
func (m *Matcher) feedCatalog(records []model.VulnerabilityRecord) {
	seen := make(map[string]bool)
	var products []registry.Product
	for _, record := range records {
		for _, pr := range record.AffectedRanges {
			if !seen[pr.ProductKey] {
				seen[pr.ProductKey] = true
				products = append(products, registry.Product{Key: pr.ProductKey})
			}
		}
	}
	if len(products) > 0 {
		m.registry.AddProducts(products...)
	}
}

// evaluate keeps the records whose constraints the version satisfies under
// the resolved product keys, deduplicated by vulnerability ID with the
// highest-confidence link winning.
func (m *Matcher) evaluate(coord model.Coordinate, resolutions []registry.Resolution, records []model.VulnerabilityRecord) []model.MatchResult {
	var results []model.MatchResult
	byID := make(map[string]int)

	for _, res := range resolutions {
		for _, record := range records {
			matched := false
			for _, pr := range record.AffectedRanges {
				if pr.ProductKey != res.ProductKey {
					continue
				}
				if util.SatisfiesAll(coord.Version, pr, coord.Ecosystem) {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}

			result := model.MatchResult{
				Dependency:    coord,
				Vulnerability: record,
				Confidence:    res.Confidence,
				Basis:         res.Basis,
			}
			if idx, exists := byID[record.ID]; exists {
				if result.Confidence > results[idx].Confidence {
					results[idx] = result
				}
				continue
			}
			byID[record.ID] = len(results)
			results = append(results, result)
		}
	}
	return results
}
