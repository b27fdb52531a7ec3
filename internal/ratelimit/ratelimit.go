// Package ratelimit implements the per-source RateGate: a token bucket for
// burst control paired with a sliding window for upstream quota limits,
// built on golang.org/x/time/rate for the bucket half.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ragmux/ragmux/internal/query"
)

// ErrDeadlineExceeded is returned by Acquire when neither bound would admit
// the request before the caller's deadline.
var ErrDeadlineExceeded = errors.New("ratelimit: deadline exceeded")

// Config is the per-source limiter configuration: bucket capacity B, refill
// rate R, window size W over duration T.
type Config struct {
	Burst          int           // B
	RefillPerSec   float64       // R
	WindowRequests int           // W
	WindowDuration time.Duration // T
}

// DefaultConfig gives every source a modest burst allowance and a generous
// per-minute ceiling.
func DefaultConfig() Config {
	return Config{
		Burst:          10,
		RefillPerSec:   5,
		WindowRequests: 60,
		WindowDuration: 60 * time.Second,
	}
}

// slidingWindow is a ring of request timestamps: it admits at most max
// requests in any trailing window of the given duration.
type slidingWindow struct {
	duration time.Duration
	max      int
	hits     []time.Time
}

func newSlidingWindow(duration time.Duration, max int) *slidingWindow {
	return &slidingWindow{duration: duration, max: max}
}

// admitAt reports whether a request landing at t would be admitted, and if
// not, how long until the oldest hit ages out of the window.
func (s *slidingWindow) admitAt(t time.Time) (ok bool, retryIn time.Duration) {
	cutoff := t.Add(-s.duration)
	i := 0
	for i < len(s.hits) && s.hits[i].Before(cutoff) {
		i++
	}
	s.hits = s.hits[i:]
	if len(s.hits) < s.max {
		return true, 0
	}
	return false, s.hits[0].Add(s.duration).Sub(t)
}

func (s *slidingWindow) record(t time.Time) {
	s.hits = append(s.hits, t)
}

// gate is the per-source limiter: a token bucket plus a sliding window,
// plus a forced wait deadline fed by Penalize when an upstream reports a
// 429.
type gate struct {
	mu         sync.Mutex
	bucket     *rate.Limiter
	window     *slidingWindow
	retryAfter time.Time
}

// RateGate is the registry of per-source gates, built once at startup and
// shared by the Orchestrator. Mutation is serialized per source.
type RateGate struct {
	mu       sync.Mutex
	defaults Config
	gates    map[query.SourceId]*gate
	configs  map[query.SourceId]Config
	now      func() time.Time
}

// New constructs a RateGate using defaults for any source that has not been
// given an explicit Configure call.
func New(defaults Config) *RateGate {
	return &RateGate{
		defaults: defaults,
		gates:    make(map[query.SourceId]*gate),
		configs:  make(map[query.SourceId]Config),
		now:      time.Now,
	}
}

// Configure overrides the limiter shape for a single source. Must be called
// before the source's first Acquire to take effect.
func (g *RateGate) Configure(source query.SourceId, cfg Config) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.configs[source] = cfg
}

func (g *RateGate) gateFor(source query.SourceId) *gate {
	g.mu.Lock()
	defer g.mu.Unlock()
	if existing, ok := g.gates[source]; ok {
		return existing
	}
	cfg, ok := g.configs[source]
	if !ok {
		cfg = g.defaults
	}
	gt := &gate{
		bucket: rate.NewLimiter(rate.Limit(cfg.RefillPerSec), cfg.Burst),
		window: newSlidingWindow(cfg.WindowDuration, cfg.WindowRequests),
	}
	g.gates[source] = gt
	return gt
}

// Acquire blocks until both bounds would admit a request for source, or
// returns ErrDeadlineExceeded if that would happen after deadline, or
// returns ctx.Err() if ctx is cancelled first.
func (g *RateGate) Acquire(ctx context.Context, source query.SourceId, deadline time.Time) error {
	gt := g.gateFor(source)

	for {
		gt.mu.Lock()
		now := g.clock()
		if gt.retryAfter.After(now) {
			wait := gt.retryAfter.Sub(now)
			gt.mu.Unlock()
			if now.Add(wait).After(deadline) {
				return ErrDeadlineExceeded
			}
			if err := sleepCtx(ctx, wait); err != nil {
				return err
			}
			continue
		}

		windowOK, windowWait := gt.window.admitAt(now)
		if !windowOK {
			gt.mu.Unlock()
			if now.Add(windowWait).After(deadline) {
				return ErrDeadlineExceeded
			}
			if err := sleepCtx(ctx, windowWait); err != nil {
				return err
			}
			continue
		}

		reservation := gt.bucket.ReserveN(now, 1)
		if !reservation.OK() {
			gt.mu.Unlock()
			return ErrDeadlineExceeded
		}
		bucketWait := reservation.DelayFrom(now)
		if bucketWait <= 0 {
			gt.window.record(now)
			gt.mu.Unlock()
			return nil
		}
		reservation.CancelAt(now)
		gt.mu.Unlock()

		if now.Add(bucketWait).After(deadline) {
			return ErrDeadlineExceeded
		}
		if err := sleepCtx(ctx, bucketWait); err != nil {
			return err
		}
	}
}

// Penalize records an upstream 429/Retry-After response: it forces the next
// Acquire for source to wait out retryAfter.
func (g *RateGate) Penalize(source query.SourceId, retryAfter time.Duration) {
	gt := g.gateFor(source)
	gt.mu.Lock()
	defer gt.mu.Unlock()
	until := g.clock().Add(retryAfter)
	if until.After(gt.retryAfter) {
		gt.retryAfter = until
	}
}

func (g *RateGate) clock() time.Time {
	if g.now != nil {
		return g.now()
	}
	return time.Now()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
