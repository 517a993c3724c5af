// Package nvd is the rate-limited client for the NVD CVE 2.0 API. It owns
// the quota budget, throttling backoff, and page-by-page draining of query
// results; callers receive each page through a callback so partial progress
// can be persisted and resumed.
package nvd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/depscope/vulnmatch/model"
)

const (
	defaultBaseURL = "https://services.nvd.nist.gov/rest/json/cves/2.0"

	// rolling 30 second quota window published by the source
	quotaWindow = 30 * time.Second
	publicQuota = 5
	keyedQuota  = 50

	// keyword queries longer than this are split into separate requests
	maxQueryLength = 256

	// the source rejects published-date windows wider than 120 days
	maxPublishedWindowDays = 120

	defaultPageSize        = 200
	defaultThrottleRetries = 5
)

// Page is one drained page of query results.
type Page struct {
	Records   []model.VulnerabilityRecord
	NextIndex int
	Total     int
	Done      bool
}

// Options configures a Client. Zero values fall back to defaults; APIKey
// selects the quota tier and nothing else.
type Options struct {
	BaseURL         string
	APIKey          string
	PageSize        int
	DaysBack        int
	ThrottleRetries int
	HTTPClient      *http.Client
}

// Client talks to the vulnerability source. All requests pass through one
// shared limiter so concurrent workers split the quota instead of each
// spending it.
type Client struct {
	baseURL         string
	apiKey          string
	pageSize        int
	daysBack        int
	throttleRetries int
	hc              *http.Client
	limiter         *rate.Limiter
	logger          *zap.SugaredLogger
}

// NewClient builds a Client with the quota tier matching the key presence.
func NewClient(opts Options, logger *zap.SugaredLogger) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.ThrottleRetries <= 0 {
		opts.ThrottleRetries = defaultThrottleRetries
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}

	quota := publicQuota
	if opts.APIKey != "" {
		quota = keyedQuota
	}
	// burst 1 spreads requests evenly inside the rolling window
	limiter := rate.NewLimiter(rate.Every(quotaWindow/time.Duration(quota)), 1)

	return &Client{
		baseURL:         opts.BaseURL,
		apiKey:          opts.APIKey,
		pageSize:        opts.PageSize,
		daysBack:        opts.DaysBack,
		throttleRetries: opts.ThrottleRetries,
		hc:              opts.HTTPClient,
		limiter:         limiter,
		logger:          logger,
	}
}

// BatchTerms packs query terms into the fewest keyword queries that stay
// under the query length limit. Order within a batch is preserved.
func BatchTerms(terms []string) [][]string {
	var batches [][]string
	var current []string
	length := 0

	for _, term := range terms {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		cost := len(term)
		if len(current) > 0 {
			cost++ // joining space
		}
		if len(current) > 0 && length+cost > maxQueryLength {
			batches = append(batches, current)
			current = nil
			length = 0
			cost = len(term)
		}
		current = append(current, term)
		length += cost
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

// Fetch drains the query for terms page by page, starting at startIndex,
// invoking onPage after each page. A non-nil error from onPage aborts the
// drain. Fetch returns once Done has been delivered or an error occurred.
func (c *Client) Fetch(ctx context.Context, terms []string, startIndex int, onPage func(Page) error) error {
	query := strings.Join(terms, " ")

	for {
		env, err := c.getPage(ctx, query, startIndex)
		if err != nil {
			return err
		}

		records := make([]model.VulnerabilityRecord, 0, len(env.Vulnerabilities))
		for _, v := range env.Vulnerabilities {
			records = append(records, toRecord(v.CVE))
		}

		next := env.StartIndex + len(env.Vulnerabilities)
		done := next >= env.TotalResults || len(env.Vulnerabilities) == 0
		page := Page{
			Records:   records,
			NextIndex: next,
			Total:     env.TotalResults,
			Done:      done,
		}
		if err := onPage(page); err != nil {
			return err
		}
		if done {
			return nil
		}
		startIndex = next
	}
}

// getPage performs one request, absorbing throttle responses with the
// server's Retry-After hint when present, exponential backoff otherwise.
func (c *Client) getPage(ctx context.Context, query string, startIndex int) (*envelope, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.MaxInterval = time.Minute
	bo.MaxElapsedTime = 0

	var lastRetryAfter time.Duration
	for attempt := 0; attempt <= c.throttleRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		env, retryAfter, err := c.do(ctx, query, startIndex)
		if err == nil {
			return env, nil
		}
		var throttled *RateLimitedError
		if !errors.As(err, &throttled) {
			return nil, err
		}

		lastRetryAfter = retryAfter
		if attempt == c.throttleRetries {
			break
		}
		delay := retryAfter
		if delay <= 0 {
			delay = bo.NextBackOff()
		}
		c.logger.Warnw("source throttled, backing off",
			"delay", delay, "attempt", attempt+1, "start_index", startIndex)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, &RateLimitedError{RetryAfter: lastRetryAfter}
}

func (c *Client) do(ctx context.Context, query string, startIndex int) (*envelope, time.Duration, error) {
	params := url.Values{}
	params.Set("keywordSearch", query)
	params.Set("resultsPerPage", strconv.Itoa(c.pageSize))
	params.Set("startIndex", strconv.Itoa(startIndex))
	if c.daysBack > 0 {
		days := c.daysBack
		if days > maxPublishedWindowDays {
			days = maxPublishedWindowDays
		}
		end := time.Now().UTC()
		start := end.AddDate(0, 0, -days)
		params.Set("pubStartDate", start.Format("2006-01-02T15:04:05.000"))
		params.Set("pubEndDate", end.Format("2006-01-02T15:04:05.000"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("apiKey", c.apiKey)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		return nil, 0, &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var env envelope
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
			// a malformed payload will not improve on retry
			return nil, 0, fmt.Errorf("failed to decode response: %w", err)
		}
		return &env, 0, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		return nil, parseRetryAfter(resp.Header.Get("Retry-After")), &RateLimitedError{}
	default:
		return nil, 0, &NetworkError{Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
