// Package breaker tracks per-source failures and gates polling of sources
// that keep failing.
//
// States:
//   - Closed: the source is polled every cycle.
//   - Open:   the source is skipped until NextRetryAt; then exactly one
//     trial request is allowed. A successful trial closes the breaker, a
//     failed one keeps it open with a longer backoff.
//
// Error kinds are not distinguished; every failure counts the same.
package breaker

import (
	"sort"
	"sync"
	"time"

	appLog "calwatch/internal/log"
)

// State is the breaker state of one source.
type State string

const (
	StateClosed State = "closed"
	StateOpen   State = "open"
)

// Config configures a Registry.
type Config struct {
	Threshold      int           // consecutive failures before opening; default 5
	BackoffFloor   time.Duration // delay after the first failure; default 1m
	BackoffCeiling time.Duration // maximum delay; default 1h
}

// DefaultConfig returns the default breaker policy.
func DefaultConfig() Config {
	return Config{
		Threshold:      5,
		BackoffFloor:   time.Minute,
		BackoffCeiling: time.Hour,
	}
}

// Status is a read-only copy of one source's breaker.
type Status struct {
	SourceKey           string    `json:"source_key"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	NextRetryAt         time.Time `json:"next_retry_at,omitempty"`
	LastSuccessAt       time.Time `json:"last_success_at,omitempty"`
	LastFailureAt       time.Time `json:"last_failure_at,omitempty"`
}

type entry struct {
	Status
	trialing bool
}

// Registry holds one breaker per source. It is safe for concurrent use.
type Registry struct {
	cfg Config

	mu      sync.Mutex
	entries map[string]*entry

	// onOpen, if set, is invoked (outside the lock) when a breaker opens.
	onOpen func(Status)
}

// NewRegistry constructs a Registry, filling zero config values with defaults.
func NewRegistry(cfg Config) *Registry {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.BackoffFloor <= 0 {
		cfg.BackoffFloor = def.BackoffFloor
	}
	if cfg.BackoffCeiling < cfg.BackoffFloor {
		cfg.BackoffCeiling = def.BackoffCeiling
		if cfg.BackoffCeiling < cfg.BackoffFloor {
			cfg.BackoffCeiling = cfg.BackoffFloor
		}
	}
	return &Registry{
		cfg:     cfg,
		entries: make(map[string]*entry),
	}
}

// OnOpen registers a hook called whenever a breaker transitions to Open.
func (r *Registry) OnOpen(fn func(Status)) {
	r.mu.Lock()
	r.onOpen = fn
	r.mu.Unlock()
}

// Backoff returns the retry delay after n consecutive failures: the floor
// doubled per failure, capped at the ceiling. It is deterministic.
func (r *Registry) Backoff(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	d := r.cfg.BackoffFloor
	for i := 1; i < n; i++ {
		d *= 2
		if d >= r.cfg.BackoffCeiling {
			return r.cfg.BackoffCeiling
		}
	}
	if d > r.cfg.BackoffCeiling {
		return r.cfg.BackoffCeiling
	}
	return d
}

// Allow reports whether the source may be polled at now. Closed sources are
// always allowed. An open source is allowed once NextRetryAt has passed, and
// only for a single trial request until its outcome is recorded.
func (r *Registry) Allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok || e.State == StateClosed {
		return true
	}
	if e.trialing || now.Before(e.NextRetryAt) {
		return false
	}
	e.trialing = true
	appLog.Info("breaker trial request allowed", "source", key, "failures", e.ConsecutiveFailures)
	return true
}

// Release gives back a trial request abandoned without an outcome, e.g. on
// shutdown. It does not change the failure count.
func (r *Registry) Release(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		e.trialing = false
	}
}

// RecordSuccess resets the source's failure count and closes its breaker.
func (r *Registry) RecordSuccess(key string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entry(key)
	if e.State == StateOpen {
		appLog.Info("breaker closed", "source", key, "after_failures", e.ConsecutiveFailures)
	}
	e.State = StateClosed
	e.ConsecutiveFailures = 0
	e.NextRetryAt = time.Time{}
	e.LastSuccessAt = now
	e.trialing = false
}

// RecordFailure counts a failed poll and returns the resulting status.
func (r *Registry) RecordFailure(key string, now time.Time) Status {
	r.mu.Lock()

	e := r.entry(key)
	e.ConsecutiveFailures++
	e.LastFailureAt = now
	e.NextRetryAt = now.Add(r.Backoff(e.ConsecutiveFailures))
	e.trialing = false

	opened := false
	if e.State == StateClosed && e.ConsecutiveFailures >= r.cfg.Threshold {
		e.State = StateOpen
		opened = true
	}
	st := e.Status
	hook := r.onOpen
	r.mu.Unlock()

	if opened {
		appLog.Warn("breaker opened", "source", key, "failures", st.ConsecutiveFailures, "retry_at", st.NextRetryAt.Format(time.RFC3339))
		if hook != nil {
			hook(st)
		}
	} else if st.State == StateOpen {
		appLog.Warn("breaker trial request failed", "source", key, "failures", st.ConsecutiveFailures, "retry_at", st.NextRetryAt.Format(time.RFC3339))
	}
	return st
}

// Get returns the status of one source. Unknown sources are Closed.
func (r *Registry) Get(key string) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		return e.Status
	}
	return Status{SourceKey: key, State: StateClosed}
}

// Snapshot returns all known breakers sorted by source key.
func (r *Registry) Snapshot() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Status, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceKey < out[j].SourceKey })
	return out
}

// Open returns the statuses of open breakers sorted by source key.
func (r *Registry) Open() []Status {
	all := r.Snapshot()
	out := make([]Status, 0)
	for _, st := range all {
		if st.State == StateOpen {
			out = append(out, st)
		}
	}
	return out
}

// Reset clears every breaker.
func (r *Registry) Reset() {
	r.mu.Lock()
	n := len(r.entries)
	r.entries = make(map[string]*entry)
	r.mu.Unlock()
	appLog.Info("breakers reset", "count", n)
}

func (r *Registry) entry(key string) *entry {
	e, ok := r.entries[key]
	if !ok {
		e = &entry{Status: Status{SourceKey: key, State: StateClosed}}
		r.entries[key] = e
	}
	return e
}
