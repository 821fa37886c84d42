// Package resolver runs the fallback chain: enabled backends in store order, one at a
// time, until one yields a URL.
package resolver

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"trackunblock/work/backend"
	"trackunblock/work/cache"
	"trackunblock/work/logger"
	"trackunblock/work/metrics"
	"trackunblock/work/types"

	"github.com/puzpuzpuz/xsync/v3"
)

// DefaultQuality is requested when the caller does not name one.
const DefaultQuality = "320"

// SourceLister yields the enabled sources in resolution order.
type SourceLister interface {
	List() []types.SourceConfig
}

// BackendProvider builds (or returns a cached) backend for a source.
type BackendProvider interface {
	Get(cfg types.SourceConfig) (backend.Backend, error)
}

// Resolver is safe for concurrent use.
type Resolver struct {
	sources  SourceLister
	backends BackendProvider
	timeout  time.Duration
	cache    *cache.Cache // nil disables caching
	stats    *xsync.MapOf[string, *backendStats]
}

// New creates a resolver bounding each backend attempt by timeout.
func New(sources SourceLister, backends BackendProvider, timeout time.Duration, c *cache.Cache) *Resolver {
	return &Resolver{
		sources:  sources,
		backends: backends,
		timeout:  timeout,
		cache:    c,
		stats:    xsync.NewMapOf[string, *backendStats](),
	}
}

// Resolve tries each enabled backend in order and returns the first result with a
// URL. Backends after the first success are never invoked. When every backend fails
// the error is a *backend.ResolutionFailed; when ctx ends first it also carries the
// context error.
func (r *Resolver) Resolve(ctx context.Context, req types.MatchRequest) (types.MatchResult, error) {
	if req.Quality == "" {
		req.Quality = DefaultQuality
	}

	if cached, ok := r.cache.Get(req); ok {
		metrics.Resolutions.WithLabelValues("cached").Inc()
		logger.Debug("{resolver - Resolve} Track %d served from cache (%s)", req.TrackID, cached.Source)
		return cached, nil
	}

	sources := r.sources.List()
	attempts := make([]backend.Attempt, 0, len(sources))

	for _, src := range sources {
		if !src.Enabled {
			continue
		}
		if err := ctx.Err(); err != nil {
			return r.abandon(req, attempts, err)
		}

		result, attempt := r.attempt(ctx, src, req)
		attempts = append(attempts, attempt)

		if attempt.Outcome == backend.OutcomeOK {
			r.cache.Set(req, result)
			metrics.Resolutions.WithLabelValues("resolved").Inc()
			logger.Info("{resolver - Resolve} Track %d resolved by %s in %s (attempt %d)",
				req.TrackID, src.Name, attempt.Elapsed.Round(time.Millisecond), len(attempts))
			return result, nil
		}
		if err := ctx.Err(); err != nil {
			return r.abandon(req, attempts, err)
		}
	}

	metrics.Resolutions.WithLabelValues("exhausted").Inc()
	failed := &backend.ResolutionFailed{Attempts: attempts}
	logger.Warn("{resolver - Resolve} Track %d: %v", req.TrackID, failed)
	return types.MatchResult{}, failed
}

func (r *Resolver) abandon(req types.MatchRequest, attempts []backend.Attempt, cause error) (types.MatchResult, error) {
	metrics.Resolutions.WithLabelValues("canceled").Inc()
	logger.Debug("{resolver - Resolve} Track %d abandoned after %d attempts: %v", req.TrackID, len(attempts), cause)
	return types.MatchResult{}, &backend.ResolutionFailed{Attempts: attempts, Cause: cause}
}

// attempt runs one backend under its own timeout. A panicking backend is recorded as
// an error and never takes the chain down.
func (r *Resolver) attempt(ctx context.Context, src types.SourceConfig, req types.MatchRequest) (result types.MatchResult, attempt backend.Attempt) {
	attempt = backend.Attempt{SourceID: src.ID, Backend: src.Name}
	start := time.Now()

	var err error
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%s: backend panic: %v", src.Name, p)
			result = types.MatchResult{}
		}
		attempt.Elapsed = time.Since(start)
		attempt.Outcome, attempt.Reason = backend.Classify(err, result.OK())
		r.record(src, attempt)
	}()

	b, err := r.backends.Get(src)
	if err != nil {
		return types.MatchResult{}, attempt
	}

	actx, cancel := backend.WithAttemptTimeout(ctx, r.timeout)
	defer cancel()

	logger.Debug("{resolver - attempt} Trying %s for track %d", src.Name, req.TrackID)
	result, err = b.Match(actx, req)
	if result.OK() && result.Source == "" {
		result.Source = src.Name
	}
	return result, attempt
}

func (r *Resolver) record(src types.SourceConfig, a backend.Attempt) {
	metrics.BackendAttempts.WithLabelValues(src.Name, a.Outcome).Inc()
	metrics.BackendLatency.WithLabelValues(src.Name).Observe(a.Elapsed.Seconds())

	st, _ := r.stats.LoadOrCompute(src.ID, func() *backendStats { return &backendStats{} })
	st.observe(src.Name, a)

	if a.Outcome != backend.OutcomeOK {
		logger.Warn("{resolver - attempt} %s: %s after %s: %s", src.Name, a.Outcome,
			a.Elapsed.Round(time.Millisecond), a.Reason)
	}
}

// Stats returns per-backend counters ordered by name.
func (r *Resolver) Stats() []BackendStats {
	out := make([]BackendStats, 0, r.stats.Size())
	r.stats.Range(func(id string, st *backendStats) bool {
		out = append(out, st.snapshot(id))
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Forget drops the counters of a removed source.
func (r *Resolver) Forget(id string) {
	r.stats.Delete(id)
}

// PurgeCache empties the resolved URL cache.
func (r *Resolver) PurgeCache() {
	r.cache.Purge()
}

// BackendStats is the public view of one backend's counters.
type BackendStats struct {
	ID                  string        `json:"id"`
	Name                string        `json:"name"`
	Attempts            int64         `json:"attempts"`
	Successes           int64         `json:"successes"`
	ConsecutiveFailures int64         `json:"consecutiveFailures"`
	LastOutcome         string        `json:"lastOutcome"`
	LastReason          string        `json:"lastReason,omitempty"`
	LastAttempt         time.Time     `json:"lastAttempt"`
	AvgLatency          time.Duration `json:"avgLatency"`
}

type backendStats struct {
	mu           sync.Mutex
	name         string
	attempts     int64
	successes    int64
	consecutive  int64
	lastOutcome  string
	lastReason   string
	lastAttempt  time.Time
	totalLatency time.Duration
}

func (s *backendStats) observe(name string, a backend.Attempt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.name = name
	s.attempts++
	s.totalLatency += a.Elapsed
	s.lastOutcome = a.Outcome
	s.lastReason = a.Reason
	s.lastAttempt = time.Now()
	if a.Outcome == backend.OutcomeOK {
		s.successes++
		s.consecutive = 0
	} else {
		s.consecutive++
	}
}

func (s *backendStats) snapshot(id string) BackendStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := BackendStats{
		ID:                  id,
		Name:                s.name,
		Attempts:            s.attempts,
		Successes:           s.successes,
		ConsecutiveFailures: s.consecutive,
		LastOutcome:         s.lastOutcome,
		LastReason:          s.lastReason,
		LastAttempt:         s.lastAttempt,
	}
	if s.attempts > 0 {
		out.AvgLatency = s.totalLatency / time.Duration(s.attempts)
	}
	return out
}
