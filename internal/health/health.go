// Package health rolls request outcomes and breaker states up into a status
// level and a derived alert list.
//
// Counters accumulate from process start (or the last metrics reset) until
// they are explicitly reset; there is no rolling timer. Alerts other than the
// success rate follow current conditions instead: a source's auth or
// verification alert lasts until that source next succeeds, and the
// persistence alert until the next successful snapshot write.
package health

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"calwatch/internal/breaker"
	appLog "calwatch/internal/log"
	"calwatch/internal/source"
)

// Level is the aggregate health status.
type Level string

const (
	LevelUnknown   Level = "unknown"
	LevelHealthy   Level = "healthy"
	LevelDegraded  Level = "degraded"
	LevelUnhealthy Level = "unhealthy"
)

// Scope selects what Reset clears.
type Scope string

const (
	ScopeMetrics  Scope = "metrics"
	ScopeBreakers Scope = "breakers"
	ScopeAll      Scope = "all"
)

// ParseScope validates a scope string.
func ParseScope(s string) (Scope, error) {
	switch Scope(strings.ToLower(strings.TrimSpace(s))) {
	case ScopeMetrics:
		return ScopeMetrics, nil
	case ScopeBreakers:
		return ScopeBreakers, nil
	case ScopeAll, "":
		return ScopeAll, nil
	default:
		return "", fmt.Errorf("unknown reset scope %q", s)
	}
}

// Thresholds are success-rate percentages separating status levels.
type Thresholds struct {
	Healthy  float64 // rate >= Healthy is healthy; default 90
	Degraded float64 // rate >= Degraded is degraded; default 70
}

// DefaultThresholds returns the default status thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{Healthy: 90, Degraded: 70}
}

// Alert is a derived warning about the current state.
type Alert struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// Summary is the read-only health view.
type Summary struct {
	Status      Level     `json:"status"`
	SuccessRate float64   `json:"success_rate_percent"`
	WindowStart time.Time `json:"window_start"`

	RequestsTotal      int `json:"requests_total"`
	RequestsSuccessful int `json:"requests_successful"`
	RequestsFailed     int `json:"requests_failed"`

	NetworkErrors int `json:"network_errors"`
	AuthErrors    int `json:"auth_errors"`
	ParsingErrors int `json:"parsing_errors"`
	ServerErrors  int `json:"server_errors"`

	EventsProcessed      int `json:"events_processed"`
	MalformedEvents      int `json:"malformed_events"`
	VerificationFailures int `json:"verification_failures"`
	PersistenceFailures  int `json:"persistence_failures"`

	// Sources whose latest fetch was rejected for credentials, and whose
	// latest re-check gave up. Sorted.
	AuthFailing         []string `json:"auth_failing"`
	VerificationFailing []string `json:"verification_failing"`
	// PersistenceFailing is set while the latest snapshot write failed.
	PersistenceFailing bool `json:"persistence_failing"`

	OpenBreakers []breaker.Status `json:"open_breakers"`
	Alerts       []Alert          `json:"alerts"`
}

type counters struct {
	windowStart time.Time

	requests  int
	successes int
	byKind    map[source.Kind]int

	events       int
	malformed    int
	verifyFails  int
	persistFails int

	authFailing    map[string]struct{}
	verifyFailing  map[string]struct{}
	persistFailing bool
}

// Aggregator accumulates health counters. It is safe for concurrent use.
type Aggregator struct {
	thresholds Thresholds
	breakers   *breaker.Registry
	now        func() time.Time

	mu sync.Mutex
	c  counters

	// lastLogged is only touched by LogSummary.
	logMu      sync.Mutex
	lastLogged Level
}

// NewAggregator constructs an Aggregator reading breaker state from reg.
func NewAggregator(reg *breaker.Registry, th Thresholds, now func() time.Time) *Aggregator {
	def := DefaultThresholds()
	if th.Healthy <= 0 {
		th.Healthy = def.Healthy
	}
	if th.Degraded <= 0 || th.Degraded > th.Healthy {
		th.Degraded = math.Min(def.Degraded, th.Healthy)
	}
	if now == nil {
		now = time.Now
	}
	a := &Aggregator{
		thresholds: th,
		breakers:   reg,
		now:        now,
		lastLogged: LevelUnknown,
	}
	a.c = newCounters(now())
	return a
}

func newCounters(start time.Time) counters {
	return counters{
		windowStart:   start,
		byKind:        make(map[source.Kind]int),
		authFailing:   make(map[string]struct{}),
		verifyFailing: make(map[string]struct{}),
	}
}

// RecordSuccess counts a successful fetch of source key that produced
// events.
func (a *Aggregator) RecordSuccess(key string, events, malformed int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.c.requests++
	a.c.successes++
	a.c.events += events
	a.c.malformed += malformed
	delete(a.c.authFailing, key)
}

// RecordFailure counts a failed fetch of source key under its kind.
func (a *Aggregator) RecordFailure(key string, kind source.Kind) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.c.requests++
	a.c.byKind[kind]++
	if kind == source.KindAuth {
		a.c.authFailing[key] = struct{}{}
	}
}

// RecordVerificationFailure counts a pending change of source key discarded
// because its re-check kept failing.
func (a *Aggregator) RecordVerificationFailure(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.c.verifyFails++
	a.c.verifyFailing[key] = struct{}{}
}

// RecordVerificationSuccess marks a completed re-check of source key.
func (a *Aggregator) RecordVerificationSuccess(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.c.verifyFailing, key)
}

// RecordPersistenceFailure counts a snapshot write that failed after retry.
func (a *Aggregator) RecordPersistenceFailure() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.c.persistFails++
	a.c.persistFailing = true
}

// RecordPersistenceSuccess marks a completed snapshot write.
func (a *Aggregator) RecordPersistenceSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.c.persistFailing = false
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Summary derives the current health view. It has no side effects.
func (a *Aggregator) Summary() Summary {
	a.mu.Lock()
	c := a.c
	byKind := make(map[source.Kind]int, len(c.byKind))
	for k, v := range c.byKind {
		byKind[k] = v
	}
	authFailing := sortedKeys(c.authFailing)
	verifyFailing := sortedKeys(c.verifyFailing)
	a.mu.Unlock()

	s := Summary{
		WindowStart:          c.windowStart,
		RequestsTotal:        c.requests,
		RequestsSuccessful:   c.successes,
		RequestsFailed:       c.requests - c.successes,
		NetworkErrors:        byKind[source.KindNetwork],
		AuthErrors:           byKind[source.KindAuth],
		ParsingErrors:        byKind[source.KindParse],
		ServerErrors:         byKind[source.KindServer],
		EventsProcessed:      c.events,
		MalformedEvents:      c.malformed,
		VerificationFailures: c.verifyFails,
		PersistenceFailures:  c.persistFails,
		AuthFailing:          authFailing,
		VerificationFailing:  verifyFailing,
		PersistenceFailing:   c.persistFailing,
		OpenBreakers:         []breaker.Status{},
	}
	if a.breakers != nil {
		s.OpenBreakers = a.breakers.Open()
	}

	if c.requests == 0 {
		s.Status = LevelUnknown
		s.SuccessRate = 100
	} else {
		rate := float64(c.successes) / float64(c.requests) * 100
		s.SuccessRate = math.Round(rate*10) / 10
		s.Status = a.level(rate)
	}
	s.Alerts = deriveAlerts(s)
	return s
}

func (a *Aggregator) level(rate float64) Level {
	switch {
	case rate >= a.thresholds.Healthy:
		return LevelHealthy
	case rate >= a.thresholds.Degraded:
		return LevelDegraded
	default:
		return LevelUnhealthy
	}
}

func deriveAlerts(s Summary) []Alert {
	alerts := make([]Alert, 0)
	if s.Status == LevelUnhealthy {
		alerts = append(alerts, Alert{
			Level:   "critical",
			Message: fmt.Sprintf("Low success rate: %.1f%%", s.SuccessRate),
		})
	}
	for _, st := range s.OpenBreakers {
		alerts = append(alerts, Alert{
			Level: "warning",
			Message: fmt.Sprintf("Circuit breaker open for %s after %d failures, retry at %s",
				st.SourceKey, st.ConsecutiveFailures, st.NextRetryAt.Format(time.RFC3339)),
		})
	}
	if len(s.AuthFailing) > 0 {
		alerts = append(alerts, Alert{
			Level: "error",
			Message: fmt.Sprintf("Authentication failing for %s (%d failures)",
				strings.Join(s.AuthFailing, ", "), s.AuthErrors),
		})
	}
	if s.PersistenceFailing {
		alerts = append(alerts, Alert{
			Level:   "error",
			Message: fmt.Sprintf("Snapshot persistence failing (%d failures)", s.PersistenceFailures),
		})
	}
	if len(s.VerificationFailing) > 0 {
		alerts = append(alerts, Alert{
			Level: "warning",
			Message: fmt.Sprintf("Changes dropped after failed verification for %s (%d total)",
				strings.Join(s.VerificationFailing, ", "), s.VerificationFailures),
		})
	}
	return alerts
}

// Reset clears metrics, breakers or both.
func (a *Aggregator) Reset(scope Scope) {
	if scope == ScopeMetrics || scope == ScopeAll {
		a.mu.Lock()
		a.c = newCounters(a.now())
		a.mu.Unlock()
		appLog.Info("health metrics reset")
	}
	if (scope == ScopeBreakers || scope == ScopeAll) && a.breakers != nil {
		a.breakers.Reset()
	}
}

// LogSummary writes the current summary to the log and reports status
// transitions since the previous call.
func (a *Aggregator) LogSummary() Summary {
	s := a.Summary()

	appLog.Info("calendar health",
		"status", s.Status,
		"success_rate", s.SuccessRate,
		"requests", s.RequestsTotal,
		"failed", s.RequestsFailed,
		"network_errors", s.NetworkErrors,
		"auth_errors", s.AuthErrors,
		"parsing_errors", s.ParsingErrors,
		"server_errors", s.ServerErrors,
		"events", s.EventsProcessed,
		"open_breakers", len(s.OpenBreakers),
	)

	a.logMu.Lock()
	prev := a.lastLogged
	a.lastLogged = s.Status
	a.logMu.Unlock()

	if prev != s.Status {
		appLog.Warn("health status changed", "from", prev, "to", s.Status)
	}
	for _, al := range s.Alerts {
		if al.Level == "critical" || al.Level == "error" {
			appLog.Warn("health alert", "level", al.Level, "message", al.Message)
		}
	}
	return s
}
