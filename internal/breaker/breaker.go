// Package breaker implements the per-source CircuitBreaker: a three-state
// failure isolator (CLOSED/OPEN/HALF_OPEN) wrapping each SourceAdapter call.
//
// The registry is a name-keyed map of breakers supporting reset-all and a
// snapshot of every state. The trip condition is a rolling failure rate
// over a minimum sample count, with a doubling cool-down capped at a
// maximum, rather than a simple consecutive-failure counter.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is one of the three circuit states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrUnavailable is returned by Allow when the circuit is OPEN.
var ErrUnavailable = errors.New("breaker: source unavailable")

// Config holds the trip/recovery parameters.
type Config struct {
	MinSamples    int           // n_min
	FailureRate   float64       // θ_fail
	WindowSize    int           // rolling sample window, ≥ MinSamples
	CoolDown      time.Duration // initial cool_down
	CoolDownMax   time.Duration // cool_down_max
	ProbeCount    int           // n_probe concurrent HALF_OPEN admits
}

// DefaultConfig sets conservative trip/recovery defaults, with window/sample
// sizes chosen to make "at least n_min samples" meaningful without an
// unbounded rolling log.
func DefaultConfig() Config {
	return Config{
		MinSamples:  10,
		FailureRate: 0.5,
		WindowSize:  20,
		CoolDown:    30 * time.Second,
		CoolDownMax: 5 * time.Minute,
		ProbeCount:  1,
	}
}

// Breaker is one three-state machine guarding a single source.
type Breaker struct {
	mu sync.Mutex

	cfg Config

	state        State
	samples      []bool // true = success, ring buffer of the last WindowSize outcomes
	openedAt     time.Time
	coolDown     time.Duration
	probesInUse  int
	probeSucceed bool // whether every probe admitted this HALF_OPEN window has succeeded so far
	probesTaken  int

	now func() time.Time
}

// New constructs a Breaker in the CLOSED state.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg, state: Closed, coolDown: cfg.CoolDown, now: time.Now}
}

func (b *Breaker) clock() time.Time {
	if b.now != nil {
		return b.now()
	}
	return time.Now()
}

// Allow checks whether a call may proceed, transitioning OPEN→HALF_OPEN when
// the cool-down has elapsed. Each HALF_OPEN admit reserves one of n_probe
// concurrent probe slots; call Report with the outcome when done.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return nil
	case Open:
		if b.clock().Sub(b.openedAt) >= b.coolDown {
			b.state = HalfOpen
			b.probesInUse = 0
			b.probesTaken = 0
			b.probeSucceed = true
		} else {
			return ErrUnavailable
		}
		fallthrough
	case HalfOpen:
		if b.probesInUse >= b.cfg.ProbeCount {
			return ErrUnavailable
		}
		b.probesInUse++
		b.probesTaken++
		return nil
	}
	return nil
}

// ReportCancelled releases a slot reserved by Allow without counting toward
// either the rolling failure rate or a HALF_OPEN probe's pass/fail outcome:
// cancelled source fetches do not count as circuit failures.
func (b *Breaker) ReportCancelled() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.release()
}

// ReportExcluded releases a slot reserved by Allow without counting it
// toward the rolling failure rate or a HALF_OPEN probe's outcome, for an
// error class the circuit explicitly excludes from its accounting: a 429
// (RateGate's job, not the breaker's) or a permanent 4xx other than 429
// (a client bug, not an upstream failure).
func (b *Breaker) ReportExcluded() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.release()
}

// release is the shared body of ReportCancelled and ReportExcluded: give
// back the reserved slot without touching the failure rate or the probe's
// pass/fail outcome.
func (b *Breaker) release() {
	if b.state == HalfOpen {
		b.probesInUse--
		if b.probesInUse == 0 && b.probeSucceed && b.probesTaken >= b.cfg.ProbeCount {
			b.state = Closed
			b.samples = nil
			b.coolDown = b.cfg.CoolDown
		}
	}
}

// Report records the outcome of a call admitted by Allow. ok=false for any
// non-timeout-due-to-client-cancel error (timeout, 5xx, network error); a
// permanent 4xx (not 429) must not be reported at all — the caller treats
// it as a client bug.
func (b *Breaker) Report(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.probesInUse--
		if !ok {
			b.probeSucceed = false
		}
		if b.probesInUse == 0 {
			if !b.probeSucceed {
				b.trip()
				return
			}
			if b.probesTaken >= b.cfg.ProbeCount {
				b.state = Closed
				b.samples = nil
				b.coolDown = b.cfg.CoolDown
			}
		}
	case Closed:
		b.record(ok)
		if b.shouldTrip() {
			b.trip()
		}
	case Open:
		// A report racing a state transition; ignored.
	}
}

func (b *Breaker) record(ok bool) {
	b.samples = append(b.samples, ok)
	if len(b.samples) > b.cfg.WindowSize {
		b.samples = b.samples[len(b.samples)-b.cfg.WindowSize:]
	}
}

func (b *Breaker) shouldTrip() bool {
	if len(b.samples) < b.cfg.MinSamples {
		return false
	}
	failures := 0
	for _, s := range b.samples {
		if !s {
			failures++
		}
	}
	rate := float64(failures) / float64(len(b.samples))
	return rate >= b.cfg.FailureRate
}

// trip opens the circuit. Called both from CLOSED (threshold reached) and
// HALF_OPEN (probe failed); only a trip from HALF_OPEN doubles the
// cool-down, capped at CoolDownMax.
func (b *Breaker) trip() {
	wasOpen := b.state == HalfOpen
	b.state = Open
	b.openedAt = b.clock()
	b.samples = nil
	if wasOpen {
		doubled := b.coolDown * 2
		if doubled > b.cfg.CoolDownMax {
			doubled = b.cfg.CoolDownMax
		}
		b.coolDown = doubled
	}
}

// State reports the current state for observability/diagnostics.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker back to CLOSED, discarding rolling samples and
// cool-down growth. Used by operator tooling, not by the request path.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.samples = nil
	b.coolDown = b.cfg.CoolDown
}

// Registry is a name-keyed set of breakers, one per source, constructed
// once at startup and shared by the Orchestrator.
type Registry struct {
	mu       sync.Mutex
	defaults Config
	breakers map[string]*Breaker
}

// NewRegistry builds an empty registry using cfg for any source that is not
// given an explicit per-source config via GetWithConfig.
func NewRegistry(cfg Config) *Registry {
	return &Registry{defaults: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for name, creating it with the registry defaults
// if this is the first call for that name.
func (r *Registry) Get(name string) *Breaker {
	return r.GetWithConfig(name, r.defaults)
}

// GetWithConfig returns the breaker for name, creating it with cfg if this
// is the first call for that name; cfg is ignored on subsequent calls.
func (r *Registry) GetWithConfig(name string, cfg Config) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.breakers[name]; ok {
		return existing
	}
	b := New(cfg)
	r.breakers[name] = b
	return b
}

// ResetAll forces every registered breaker back to CLOSED.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.breakers {
		b.Reset()
	}
}

// States snapshots the current state of every registered breaker, keyed by
// name, for a health/diagnostics endpoint.
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]State, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State()
	}
	return out
}

// Call wraps fn with Allow/Report, translating context cancellation so that
// a cancelled call never counts as a circuit failure: cancelled source
// fetches do not count as circuit failures.
func Call(ctx context.Context, b *Breaker, fn func(context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn(ctx)
	if err != nil && errors.Is(err, context.Canceled) {
		b.ReportCancelled()
		return err
	}
	b.Report(err == nil)
	return err
}
