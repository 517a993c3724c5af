package nvd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/depscope/vulnmatch/model"
)

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	client := NewClient(Options{
		BaseURL:         serverURL,
		PageSize:        2,
		ThrottleRetries: 2,
	}, zap.NewNop().Sugar())
	client.limiter = rate.NewLimiter(rate.Inf, 1)
	return client
}

func writeEnvelope(w http.ResponseWriter, startIndex, total int, ids ...string) {
	vulns := make([]map[string]interface{}, 0, len(ids))
	for _, id := range ids {
		vulns = append(vulns, map[string]interface{}{
			"cve": map[string]interface{}{"id": id},
		})
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"resultsPerPage":  len(ids),
		"startIndex":      startIndex,
		"totalResults":    total,
		"vulnerabilities": vulns,
	})
}

func TestFetchSinglePage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "apache log4j", r.URL.Query().Get("keywordSearch"))
		assert.Equal(t, "0", r.URL.Query().Get("startIndex"))
		writeEnvelope(w, 0, 1, "CVE-2021-44228")
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	var pages []Page
	err := client.Fetch(context.Background(), []string{"apache", "log4j"}, 0, func(p Page) error {
		pages = append(pages, p)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, pages, 1)
	assert.True(t, pages[0].Done)
	require.Len(t, pages[0].Records, 1)
	assert.Equal(t, "CVE-2021-44228", pages[0].Records[0].ID)
}

func TestFetchPaginates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("startIndex") {
		case "0":
			writeEnvelope(w, 0, 3, "CVE-1", "CVE-2")
		case "2":
			writeEnvelope(w, 2, 3, "CVE-3")
		default:
			t.Errorf("unexpected startIndex %q", r.URL.Query().Get("startIndex"))
		}
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	var pages []Page
	err := client.Fetch(context.Background(), []string{"widget"}, 0, func(p Page) error {
		pages = append(pages, p)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, pages, 2)
	assert.False(t, pages[0].Done)
	assert.Equal(t, 2, pages[0].NextIndex)
	assert.True(t, pages[1].Done)
	assert.Equal(t, 3, pages[1].Total)
}

func TestFetchResumesFromStartIndex(t *testing.T) {
	var firstIndex atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		firstIndex.CompareAndSwap(nil, r.URL.Query().Get("startIndex"))
		writeEnvelope(w, 4, 5, "CVE-5")
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	err := client.Fetch(context.Background(), []string{"widget"}, 4, func(Page) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, "4", firstIndex.Load())
}

func TestFetchRetriesOnThrottle(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		writeEnvelope(w, 0, 1, "CVE-1")
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	var got []model.VulnerabilityRecord
	start := time.Now()
	err := client.Fetch(context.Background(), []string{"widget"}, 0, func(p Page) error {
		got = append(got, p.Records...)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	require.Len(t, got, 1)
	assert.GreaterOrEqual(t, time.Since(start), time.Second,
		"the retry must wait out the server's Retry-After hint")
}

func TestFetchGivesUpAfterPersistentThrottle(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	// Retry-After of zero would fall back to multi-second backoff; keep the
	// test fast by not waiting on real delays
	client.throttleRetries = 0

	err := client.Fetch(context.Background(), []string{"widget"}, 0, func(Page) error { return nil })

	var throttled *RateLimitedError
	require.ErrorAs(t, err, &throttled)
	assert.True(t, IsRetryable(err))
}

func TestFetchWrapsServerErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	err := client.Fetch(context.Background(), []string{"widget"}, 0, func(Page) error { return nil })

	var network *NetworkError
	require.ErrorAs(t, err, &network)
	assert.True(t, IsRetryable(err))
}

func TestFetchDecodeFailureNotRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{this is not json"))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	err := client.Fetch(context.Background(), []string{"widget"}, 0, func(Page) error { return nil })

	require.Error(t, err)
	assert.False(t, IsRetryable(err), "a malformed payload must not burn retry budget")
}

func TestFetchOnPageErrorAborts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, 0, 4, "CVE-1", "CVE-2")
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	sentinel := fmt.Errorf("persist failed")
	err := client.Fetch(context.Background(), []string{"widget"}, 0, func(Page) error { return sentinel })
	require.ErrorIs(t, err, sentinel)
}

func TestAPIKeyHeaderAndQuota(t *testing.T) {
	var gotKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("apiKey")
		writeEnvelope(w, 0, 0)
	}))
	defer server.Close()

	client := NewClient(Options{BaseURL: server.URL, APIKey: "secret"}, zap.NewNop().Sugar())
	client.limiter = rate.NewLimiter(rate.Inf, 1)

	err := client.Fetch(context.Background(), []string{"widget"}, 0, func(Page) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, "secret", gotKey)

	keyed := NewClient(Options{APIKey: "secret"}, zap.NewNop().Sugar())
	anonymous := NewClient(Options{}, zap.NewNop().Sugar())
	assert.Greater(t, float64(keyed.limiter.Limit()), float64(anonymous.limiter.Limit()))
}

func TestBatchTerms(t *testing.T) {
	assert.Empty(t, BatchTerms(nil))
	assert.Equal(t, [][]string{{"apache", "log4j"}}, BatchTerms([]string{"apache", "log4j"}))

	long := strings.Repeat("a", maxQueryLength-1)
	batches := BatchTerms([]string{long, "next"})
	require.Len(t, batches, 2)
	assert.Equal(t, []string{long}, batches[0])
	assert.Equal(t, []string{"next"}, batches[1])

	// blank terms are dropped
	assert.Equal(t, [][]string{{"x"}}, BatchTerms([]string{"", "  ", "x"}))
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, int64(0), int64(parseRetryAfter("")))
	assert.Equal(t, int64(30), int64(parseRetryAfter("30").Seconds()))
	assert.Equal(t, int64(0), int64(parseRetryAfter("soon")))
}
