// Package tracker drives a matching run across a dependency set: a bounded
// worker pool, per-coordinate retries for transient source failures, and a
// coverage report that accounts for every input coordinate.
package tracker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/depscope/vulnmatch/internal/matcher"
	"github.com/depscope/vulnmatch/internal/nvd"
	"github.com/depscope/vulnmatch/model"
	"golang.org/x/sync/errgroup"
)

// Result is the outcome of one run: the surviving matches plus the coverage
// accounting over every input coordinate.
type Result struct {
	Matches []model.MatchResult  `json:"matches"`
	Report  model.CoverageReport `json:"report"`
}

// Matcher is the per-coordinate matching surface; satisfied by
// matcher.Matcher.
type Matcher interface {
	Match(ctx context.Context, coord model.Coordinate) ([]model.MatchResult, error)
}

// Tracker runs the matcher over whole dependency sets.
type Tracker struct {
	matcher           Matcher
	workers           int
	maxRetries        int
	severityThreshold float64
	logger            *zap.SugaredLogger
}

func New(m Matcher, workers, maxRetries int, severityThreshold float64, logger *zap.SugaredLogger) *Tracker {
	if workers < 1 {
		workers = 1
	}
	return &Tracker{
		matcher:           m,
		workers:           workers,
		maxRetries:        maxRetries,
		severityThreshold: severityThreshold,
		logger:            logger,
	}
}

// Run matches every coordinate and always returns a report, even when the
// context deadline cuts the run short. Coordinates the deadline prevented
// from being attempted are recorded as timeout failures so the report stays
// honest about coverage.
func (t *Tracker) Run(ctx context.Context, coords []model.Coordinate) *Result {
	result := &Result{}
	result.Report.Total = len(coords)

	var mu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(t.workers)

	for _, coord := range coords {
		coord := coord
		group.Go(func() error {
			if groupCtx.Err() != nil {
				mu.Lock()
				result.Report.Failed = append(result.Report.Failed, model.FailedCoordinate{
					Coordinate: coord,
					Cause:      model.CauseTimeout,
					Detail:     "run deadline reached before attempt",
				})
				mu.Unlock()
				return nil
			}

			matches, err := t.matchWithRetry(groupCtx, coord)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, matcher.ErrNoVersion):
				result.Report.Attempted++
				result.Report.Skipped = append(result.Report.Skipped, coord)
			case err != nil:
				result.Report.Attempted++
				result.Report.Failed = append(result.Report.Failed, model.FailedCoordinate{
					Coordinate: coord,
					Cause:      failureCause(err),
					Detail:     err.Error(),
				})
			default:
				result.Report.Attempted++
				kept := t.filterSeverity(matches)
				if len(kept) > 0 {
					result.Report.Matched++
					result.Matches = append(result.Matches, kept...)
				}
			}
			return nil
		})
	}
	_ = group.Wait()

	sort.Slice(result.Matches, func(i, j int) bool {
		a, b := result.Matches[i], result.Matches[j]
		if a.Dependency.Key() != b.Dependency.Key() {
			return a.Dependency.Key() < b.Dependency.Key()
		}
		return a.Vulnerability.ID < b.Vulnerability.ID
	})
	return result
}

// matchWithRetry retries transient source failures with exponential backoff,
// honoring the source's retry hint when one was given.
func (t *Tracker) matchWithRetry(ctx context.Context, coord model.Coordinate) ([]model.MatchResult, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxElapsedTime = 0

	var lastErr error
	for attempt := 0; attempt <= t.maxRetries; attempt++ {
		matches, err := t.matcher.Match(ctx, coord)
		if err == nil || errors.Is(err, matcher.ErrNoVersion) {
			return matches, err
		}
		lastErr = err
		if !nvd.IsRetryable(err) || ctx.Err() != nil {
			return nil, err
		}

		delay := bo.NextBackOff()
		var throttled *nvd.RateLimitedError
		if errors.As(err, &throttled) && throttled.RetryAfter > 0 {
			delay = throttled.RetryAfter
		}
		t.logger.Warnw("retrying coordinate after transient failure",
			"coordinate", coord.String(), "attempt", attempt+1, "delay", delay, "error", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, lastErr
		}
	}
	return nil, lastErr
}

func (t *Tracker) filterSeverity(matches []model.MatchResult) []model.MatchResult {
	if t.severityThreshold <= 0 {
		return matches
	}
	kept := matches[:0:0]
	for _, m := range matches {
		if m.Vulnerability.SeverityScore >= t.severityThreshold {
			kept = append(kept, m)
		}
	}
	return kept
}

func failureCause(err error) model.FailureCause {
	var throttled *nvd.RateLimitedError
	switch {
	case errors.As(err, &throttled):
		return model.CauseRateLimit
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return model.CauseTimeout
	default:
		return model.CauseNetwork
	}
}
