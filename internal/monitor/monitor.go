// Package monitor runs polling cycles: it fetches every source the breakers
// allow, records outcomes and hands fingerprinted results to the verifier.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"calwatch/internal/breaker"
	"calwatch/internal/fingerprint"
	"calwatch/internal/health"
	appLog "calwatch/internal/log"
	"calwatch/internal/model"
	"calwatch/internal/snapshot"
	"calwatch/internal/source"
	"calwatch/internal/verify"
)

// ErrBreakerOpen is returned by guarded fetches of a source whose breaker
// does not currently allow a request.
var ErrBreakerOpen = errors.New("circuit breaker open")

// ErrUnknownSource is returned when a source key is no longer configured.
var ErrUnknownSource = errors.New("unknown source")

// Options configures a Monitor.
type Options struct {
	FetchTimeout time.Duration
	Concurrency  int
	// AnnounceNewSources disables silent seeding of sources without a
	// baseline.
	AnnounceNewSources bool
	Now                func() time.Time
}

// CycleReport summarizes one polling cycle.
type CycleReport struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Polled     int       `json:"polled"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
	Seeded     int       `json:"seeded"`
	Enqueued   int       `json:"enqueued"`
}

// SourceInfo is the operator view of one source.
type SourceInfo struct {
	Key           string         `json:"key"`
	Name          string         `json:"name"`
	Tag           string         `json:"tag"`
	Breaker       breaker.Status `json:"breaker"`
	LastPolledAt  time.Time      `json:"last_polled_at,omitzero"`
	LastError     string         `json:"last_error,omitempty"`
	LastErrorKind source.Kind    `json:"last_error_kind,omitempty"`
	Events        int            `json:"events"`
}

type pollStatus struct {
	at      time.Time
	err     string
	errKind source.Kind
	events  int
}

// Monitor owns the source list and the guarded fetch path shared by
// polling and verification.
type Monitor struct {
	opts     Options
	breakers *breaker.Registry
	health   *health.Aggregator
	verifier *verify.Verifier
	store    *snapshot.Store
	seed     bool

	mu      sync.RWMutex
	sources []source.Source
	byKey   map[string]source.Source

	// One fetch per source at a time, whether from polling or verification.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	statusMu sync.Mutex
	status   map[string]pollStatus
}

// New constructs a Monitor. New sources are seeded silently only when the
// snapshot loaded cleanly and announcing is off.
func New(opts Options, reg *breaker.Registry, agg *health.Aggregator, ver *verify.Verifier, store *snapshot.Store) *Monitor {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 15 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Monitor{
		opts:     opts,
		breakers: reg,
		health:   agg,
		verifier: ver,
		store:    store,
		seed:     store.Loaded() && !opts.AnnounceNewSources,
		byKey:    make(map[string]source.Source),
		locks:    make(map[string]*sync.Mutex),
		status:   make(map[string]pollStatus),
	}
}

// SetSources replaces the source list. Sources that disappeared lose their
// pending changes and baseline.
func (m *Monitor) SetSources(srcs []source.Source) {
	next := make(map[string]source.Source, len(srcs))
	list := make([]source.Source, 0, len(srcs))
	for _, s := range srcs {
		if _, dup := next[s.Key()]; dup {
			appLog.Warn("duplicate source key ignored", "source", s.Key())
			continue
		}
		next[s.Key()] = s
		list = append(list, s)
	}

	m.mu.Lock()
	prev := m.byKey
	m.sources = list
	m.byKey = next
	m.mu.Unlock()

	for key := range prev {
		if _, ok := next[key]; ok {
			continue
		}
		m.verifier.Forget(key)
		if err := m.store.Delete(key); err != nil {
			appLog.Error("failed to drop baseline of removed source", err, "source", key)
			m.health.RecordPersistenceFailure()
		}
		m.statusMu.Lock()
		delete(m.status, key)
		m.statusMu.Unlock()
		appLog.Info("source removed", "source", key)
	}
	for key := range next {
		if _, ok := prev[key]; !ok {
			appLog.Info("source added", "source", key, "tag", next[key].Tag())
		}
	}
}

// Sources returns the current source list.
func (m *Monitor) Sources() []source.Source {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]source.Source(nil), m.sources...)
}

func (m *Monitor) lookup(key string) (source.Source, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byKey[key]
	return s, ok
}

func (m *Monitor) sourceLock(key string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

// Poll runs one polling cycle over every source. Failures are contained
// per source; Poll itself never fails.
func (m *Monitor) Poll(ctx context.Context) CycleReport {
	rep := CycleReport{ID: uuid.NewString(), StartedAt: m.opts.Now()}
	srcs := m.Sources()
	appLog.Debug("poll cycle started", "cycle", rep.ID, "sources", len(srcs))

	var (
		wg    sync.WaitGroup
		repMu sync.Mutex
		sem   = make(chan struct{}, m.opts.Concurrency)
	)

loop:
	for _, src := range srcs {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			break loop
		}

		// Allow may hand out the single half-open attempt, so it is only
		// asked once the fetch is certain to run.
		if !m.breakers.Allow(src.Key(), m.opts.Now()) {
			<-sem
			rep.Skipped++
			appLog.Debug("source skipped, breaker open", "cycle", rep.ID, "source", src.Key())
			continue
		}

		wg.Add(1)
		go func(src source.Source) {
			defer wg.Done()
			defer func() { <-sem }()

			set, win, err := m.fetch(ctx, src)
			var seeded bool
			var enqueued int
			if err == nil {
				seeded, enqueued = m.observe(src, set, win)
			}

			repMu.Lock()
			defer repMu.Unlock()
			if err != nil && ctx.Err() != nil {
				rep.Skipped++
				return
			}
			rep.Polled++
			if err != nil {
				rep.Failed++
				return
			}
			if seeded {
				rep.Seeded++
			}
			rep.Enqueued += enqueued
		}(src)
	}
	wg.Wait()

	rep.FinishedAt = m.opts.Now()
	appLog.Info("poll cycle finished",
		"cycle", rep.ID,
		"polled", rep.Polled,
		"skipped", rep.Skipped,
		"failed", rep.Failed,
		"seeded", rep.Seeded,
		"enqueued", rep.Enqueued,
		"took", rep.FinishedAt.Sub(rep.StartedAt).String(),
	)
	return rep
}

func (m *Monitor) observe(src source.Source, set fingerprint.Set, win model.Window) (bool, int) {
	if m.seed {
		if _, ok := m.store.Get(src.Key()); !ok {
			if err := m.verifier.Seed(src.Key(), src.Tag(), set, win); err != nil {
				appLog.Error("failed to persist seeded baseline", err, "source", src.Key())
			}
			return true, 0
		}
	}
	return false, m.verifier.Observe(src.Key(), src.Tag(), set, win)
}

// Verify runs the verifier's due re-checks through the guarded fetch path.
func (m *Monitor) Verify(ctx context.Context) {
	m.verifier.VerifyDue(ctx, m.Refetch)
}

// Refetch fetches one source by key through the guarded path. It honours
// the breaker: an open source is not contacted.
func (m *Monitor) Refetch(ctx context.Context, key string) (fingerprint.Set, error) {
	src, ok := m.lookup(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, key)
	}
	if !m.breakers.Allow(key, m.opts.Now()) {
		return nil, fmt.Errorf("%w: %s", ErrBreakerOpen, key)
	}
	set, _, err := m.fetch(ctx, src)
	return set, err
}

// fetch performs one bounded fetch and records the outcome in the breaker
// and health counters. Cancellation of ctx itself is not a source failure.
func (m *Monitor) fetch(ctx context.Context, src source.Source) (fingerprint.Set, model.Window, error) {
	l := m.sourceLock(src.Key())
	l.Lock()
	defer l.Unlock()

	fctx, cancel := context.WithTimeout(ctx, m.opts.FetchTimeout)
	defer cancel()

	batch, err := src.Fetch(fctx)
	now := m.opts.Now()
	if err != nil {
		if ctx.Err() != nil {
			m.breakers.Release(src.Key())
			return nil, model.Window{}, ctx.Err()
		}
		kind := source.KindOf(err)
		st := m.breakers.RecordFailure(src.Key(), now)
		m.health.RecordFailure(src.Key(), kind)
		m.setStatus(src.Key(), pollStatus{at: now, err: err.Error(), errKind: kind})
		appLog.Error("source fetch failed", err,
			"source", src.Key(),
			"kind", kind,
			"consecutive_failures", st.ConsecutiveFailures,
			"breaker", st.State,
		)
		return nil, model.Window{}, err
	}

	m.breakers.RecordSuccess(src.Key(), now)
	m.health.RecordSuccess(src.Key(), len(batch.Events), batch.Malformed)
	m.setStatus(src.Key(), pollStatus{at: now, events: len(batch.Events)})
	if batch.Malformed > 0 {
		appLog.Warn("malformed events skipped", "source", src.Key(), "count", batch.Malformed)
	}
	return fingerprint.Index(batch.Events), batch.Window, nil
}

func (m *Monitor) setStatus(key string, st pollStatus) {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	m.status[key] = st
}

// SourceInfos reports every configured source with its breaker state and
// last poll outcome, sorted by key.
func (m *Monitor) SourceInfos() []SourceInfo {
	srcs := m.Sources()

	m.statusMu.Lock()
	status := make(map[string]pollStatus, len(m.status))
	for k, v := range m.status {
		status[k] = v
	}
	m.statusMu.Unlock()

	out := make([]SourceInfo, 0, len(srcs))
	for _, s := range srcs {
		st := status[s.Key()]
		out = append(out, SourceInfo{
			Key:           s.Key(),
			Name:          s.Name(),
			Tag:           s.Tag(),
			Breaker:       m.breakers.Get(s.Key()),
			LastPolledAt:  st.at,
			LastError:     st.err,
			LastErrorKind: st.errKind,
			Events:        st.events,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
