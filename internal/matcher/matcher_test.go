package matcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/depscope/vulnmatch/internal/cache"
	"github.com/depscope/vulnmatch/internal/nvd"
	"github.com/depscope/vulnmatch/internal/registry"
	"github.com/depscope/vulnmatch/model"
)

type fakeClient struct {
	mu           sync.Mutex
	calls        int
	startIndexes []int
	fetch        func(terms []string, startIndex int, onPage func(nvd.Page) error) error
}

func (f *fakeClient) Fetch(ctx context.Context, terms []string, startIndex int, onPage func(nvd.Page) error) error {
	f.mu.Lock()
	f.calls++
	f.startIndexes = append(f.startIndexes, startIndex)
	fetch := f.fetch
	f.mu.Unlock()
	return fetch(terms, startIndex, onPage)
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func singlePage(records ...model.VulnerabilityRecord) func([]string, int, func(nvd.Page) error) error {
	return func(_ []string, _ int, onPage func(nvd.Page) error) error {
		return onPage(nvd.Page{Records: records, NextIndex: len(records), Total: len(records), Done: true})
	}
}

func lodashRecord() model.VulnerabilityRecord {
	return model.VulnerabilityRecord{
		ID:             "CVE-2021-23337",
		SeverityScore:  7.2,
		SeverityRating: "HIGH",
		AffectedRanges: []model.ProductRange{{
			ProductKey: "lodash:lodash",
			Constraints: []model.Constraint{{
				Op: model.OpRange, Lo: "0.1.0", Hi: "4.17.21",
				LoInclusive: true, HiInclusive: false,
			}},
		}},
	}
}

func newTestMatcher(t *testing.T, client SourceClient) *Matcher {
	t.Helper()
	store, err := cache.Open(t.TempDir(), time.Hour, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg := registry.New(0.85, nil)
	return New(reg, store, client, zap.NewNop().Sugar())
}

func TestMatchRejectsVersionlessCoordinate(t *testing.T) {
	client := &fakeClient{fetch: singlePage()}
	m := newTestMatcher(t, client)

	_, err := m.Match(context.Background(), model.Coordinate{
		Name:      "lodash",
		Ecosystem: model.EcosystemNPM,
	})

	require.ErrorIs(t, err, ErrNoVersion)
	assert.Zero(t, client.callCount(), "a versionless coordinate must not trigger fetching")
}

func TestMatchVulnerableVersion(t *testing.T) {
	client := &fakeClient{fetch: singlePage(lodashRecord())}
	m := newTestMatcher(t, client)

	results, err := m.Match(context.Background(), model.Coordinate{
		Name:      "lodash",
		Version:   "4.17.15",
		Ecosystem: model.EcosystemNPM,
	})
	require.NoError(t, err)

	require.Len(t, results, 1)
	assert.Equal(t, "CVE-2021-23337", results[0].Vulnerability.ID)
	assert.Equal(t, model.ExactProduct, results[0].Basis)
	assert.Equal(t, 1.0, results[0].Confidence)
}

func TestMatchFixedVersionClean(t *testing.T) {
	client := &fakeClient{fetch: singlePage(lodashRecord())}
	m := newTestMatcher(t, client)

	results, err := m.Match(context.Background(), model.Coordinate{
		Name:      "lodash",
		Version:   "4.17.21", // the exclusive upper bound, i.e. the fix
		Ecosystem: model.EcosystemNPM,
	})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestMatchUnparseableVersionNeverMatches(t *testing.T) {
	client := &fakeClient{fetch: singlePage(lodashRecord())}
	m := newTestMatcher(t, client)

	results, err := m.Match(context.Background(), model.Coordinate{
		Name:      "lodash",
		Version:   "latest",
		Ecosystem: model.EcosystemNPM,
	})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestMatchUnmappedCoordinateSearchesByTerms(t *testing.T) {
	client := &fakeClient{fetch: singlePage()}
	m := newTestMatcher(t, client)

	results, err := m.Match(context.Background(), model.Coordinate{
		Name:      "totally-unknown-package",
		Version:   "1.0.0",
		Ecosystem: model.EcosystemNPM,
	})
	require.NoError(t, err)
	assert.Empty(t, results)
	// the coordinate's own terms drove one search; it revealed no candidate,
	// so no identity resolved and nothing more was fetched
	assert.Equal(t, 1, client.callCount())
}

func TestMatchBootstrapsFuzzyCatalogFromSearch(t *testing.T) {
	record := model.VulnerabilityRecord{
		ID:            "CVE-2018-16487",
		SeverityScore: 5.6,
		AffectedRanges: []model.ProductRange{{
			ProductKey: "left-pad_project:left-pad",
			Constraints: []model.Constraint{{
				Op: model.OpLessThan, Version: "1.3.0",
			}},
		}},
	}
	client := &fakeClient{fetch: singlePage(record)}
	m := newTestMatcher(t, client)

	// no curated mapping and an empty catalog: the term search must run
	// first so the discovered product key can resolve fuzzily
	results, err := m.Match(context.Background(), model.Coordinate{
		Name:      "left-pad",
		Version:   "1.2.0",
		Ecosystem: model.EcosystemNPM,
	})
	require.NoError(t, err)

	require.Len(t, results, 1)
	assert.Equal(t, "CVE-2018-16487", results[0].Vulnerability.ID)
	assert.Equal(t, model.FuzzyProduct, results[0].Basis)
	assert.Less(t, results[0].Confidence, 1.0)
	assert.Equal(t, 2, client.callCount(), "one term search plus one product fetch")
}

func TestMatchSeedFetchFailurePropagates(t *testing.T) {
	client := &fakeClient{
		fetch: func([]string, int, func(nvd.Page) error) error {
			return &nvd.NetworkError{Err: errors.New("connection reset")}
		},
	}
	m := newTestMatcher(t, client)

	_, err := m.Match(context.Background(), model.Coordinate{
		Name:      "totally-unknown-package",
		Version:   "1.0.0",
		Ecosystem: model.EcosystemNPM,
	})

	var network *nvd.NetworkError
	require.ErrorAs(t, err, &network)
}

func TestMatchServesSecondLookupFromCache(t *testing.T) {
	client := &fakeClient{fetch: singlePage(lodashRecord())}
	m := newTestMatcher(t, client)

	coord := model.Coordinate{Name: "lodash", Version: "4.17.15", Ecosystem: model.EcosystemNPM}

	_, err := m.Match(context.Background(), coord)
	require.NoError(t, err)
	_, err = m.Match(context.Background(), coord)
	require.NoError(t, err)

	assert.Equal(t, 1, client.callCount())
}

func TestConcurrentMatchesFetchOnce(t *testing.T) {
	client := &fakeClient{
		fetch: func(_ []string, _ int, onPage func(nvd.Page) error) error {
			time.Sleep(20 * time.Millisecond) // widen the race window
			return onPage(nvd.Page{Records: []model.VulnerabilityRecord{lodashRecord()}, NextIndex: 1, Total: 1, Done: true})
		},
	}
	m := newTestMatcher(t, client)
	coord := model.Coordinate{Name: "lodash", Version: "4.17.15", Ecosystem: model.EcosystemNPM}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results, err := m.Match(context.Background(), coord)
			assert.NoError(t, err)
			assert.Len(t, results, 1)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, client.callCount(), "concurrent workers on one key must share a single fetch")
}

func TestMatchResumesInterruptedFetch(t *testing.T) {
	client := &fakeClient{
		fetch: func(_ []string, startIndex int, onPage func(nvd.Page) error) error {
			return onPage(nvd.Page{
				Records:   []model.VulnerabilityRecord{lodashRecord()},
				NextIndex: startIndex + 1,
				Total:     startIndex + 1,
				Done:      true,
			})
		},
	}
	m := newTestMatcher(t, client)

	// a previous run fetched one page before being interrupted
	key := cache.QueryKey([]string{"lodash"})
	earlier := model.VulnerabilityRecord{ID: "CVE-2020-8203", AffectedRanges: []model.ProductRange{{
		ProductKey:  "lodash:lodash",
		Constraints: []model.Constraint{{Op: model.OpLessThan, Version: "4.17.19"}},
	}}}
	require.NoError(t, m.cache.Put(key, []model.VulnerabilityRecord{earlier}, false, 3))

	results, err := m.Match(context.Background(), model.Coordinate{
		Name:      "lodash",
		Version:   "4.17.15",
		Ecosystem: model.EcosystemNPM,
	})
	require.NoError(t, err)

	require.Equal(t, []int{3}, client.startIndexes, "fetch must continue from the persisted cursor")
	assert.Len(t, results, 2, "resumed records join the previously persisted ones")

	entry, ok := m.cache.Get(key)
	require.True(t, ok)
	assert.True(t, entry.Complete)
	assert.Len(t, entry.Payload, 2)
}

func TestMatchPropagatesFetchFailure(t *testing.T) {
	wantErr := &nvd.NetworkError{Err: errors.New("connection refused")}
	client := &fakeClient{
		fetch: func([]string, int, func(nvd.Page) error) error { return wantErr },
	}
	m := newTestMatcher(t, client)

	_, err := m.Match(context.Background(), model.Coordinate{
		Name:      "lodash",
		Version:   "4.17.15",
		Ecosystem: model.EcosystemNPM,
	})

	var network *nvd.NetworkError
	require.ErrorAs(t, err, &network)

	// nothing complete was cached, so the next attempt fetches again
	_, ok := m.cache.Get(cache.QueryKey([]string{"lodash"}))
	assert.False(t, ok)
}

func TestMatchFeedsDiscoveredProductsToRegistry(t *testing.T) {
	record := lodashRecord()
	record.AffectedRanges = append(record.AffectedRanges, model.ProductRange{
		ProductKey:  "lodash_project:lodash.merge",
		Constraints: []model.Constraint{{Op: model.OpLessThan, Version: "4.6.2"}},
	})
	client := &fakeClient{fetch: singlePage(record)}
	m := newTestMatcher(t, client)

	_, err := m.Match(context.Background(), model.Coordinate{
		Name:      "lodash",
		Version:   "4.17.15",
		Ecosystem: model.EcosystemNPM,
	})
	require.NoError(t, err)

	// the discovered key is now a fuzzy candidate for later coordinates
	resolutions := m.registry.Resolve(model.Coordinate{
		Name:      "lodash.merge",
		Version:   "4.6.0",
		Ecosystem: model.EcosystemNPM,
	})
	require.Len(t, resolutions, 1)
	assert.Equal(t, "lodash_project:lodash.merge", resolutions[0].ProductKey)
	assert.Equal(t, model.FuzzyProduct, resolutions[0].Basis)
}
