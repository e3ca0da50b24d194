// Package verify holds tentatively detected changes back until a delayed
// re-check confirms them.
//
// A change moves Detected -> Pending -> Confirmed | Discarded. While pending
// it is not announced and the baseline is not touched. At NextCheckAt the
// source is re-fetched and re-diffed against the same baseline:
//   - still present: Confirmed, folded into the baseline and published
//   - gone:          Discarded silently
//   - re-fetch fails: retried with backoff up to MaxRetries, then Discarded
//     and counted as a verification failure
//
// Differences caused only by the fetch window moving (events sliding off the
// past edge or entering the future edge) never become pending; they are
// folded into the baseline as it is observed.
package verify

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"calwatch/internal/diff"
	"calwatch/internal/fingerprint"
	appLog "calwatch/internal/log"
	"calwatch/internal/model"
	"calwatch/internal/snapshot"
)

// Config configures a Verifier.
type Config struct {
	Delay      time.Duration // time before the first re-check; default 3m
	MaxRetries int           // failed re-checks before discarding; default 3
	Buffer     int           // confirmed-change channel capacity; default 64
}

// DefaultConfig returns the default verification policy.
func DefaultConfig() Config {
	return Config{Delay: 3 * time.Minute, MaxRetries: 3, Buffer: 64}
}

// Pending is a detected change awaiting verification.
type Pending struct {
	ID       string             `json:"id"`
	Identity string             `json:"identity"`
	Change   model.ChangeRecord `json:"change"`

	FirstSeenAt  time.Time `json:"first_seen_at"`
	LastSeenAt   time.Time `json:"last_seen_at"`
	NextCheckAt  time.Time `json:"next_check_at"`
	AttemptCount int       `json:"attempt_count"`
	// Sightings counts how many polling cycles re-detected the change.
	Sightings int `json:"sightings"`
}

// Refetcher re-fetches one source and returns its fingerprinted events.
type Refetcher func(ctx context.Context, sourceKey string) (fingerprint.Set, error)

// Recorder receives verification outcomes worth surfacing in health.
type Recorder interface {
	RecordVerificationFailure(key string)
	RecordVerificationSuccess(key string)
	RecordPersistenceFailure()
	RecordPersistenceSuccess()
}

// Verifier owns the pending queue. It is safe for concurrent use.
type Verifier struct {
	cfg   Config
	store *snapshot.Store
	rec   Recorder
	now   func() time.Time

	out chan model.ChangeRecord

	mu      sync.Mutex
	pending map[string]*Pending
	// Confirmed and persisted, but not handed to out before shutdown.
	undelivered []model.ChangeRecord

	// Per-source locks serialize diff/enqueue and confirmation for a source.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New constructs a Verifier over store. rec may be nil.
func New(cfg Config, store *snapshot.Store, rec Recorder, now func() time.Time) *Verifier {
	def := DefaultConfig()
	if cfg.Delay <= 0 {
		cfg.Delay = def.Delay
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = def.Buffer
	}
	if now == nil {
		now = time.Now
	}
	return &Verifier{
		cfg:     cfg,
		store:   store,
		rec:     rec,
		now:     now,
		out:     make(chan model.ChangeRecord, cfg.Buffer),
		pending: make(map[string]*Pending),
		locks:   make(map[string]*sync.Mutex),
	}
}

// Confirmed is the stream of confirmed changes, in confirmation order.
func (v *Verifier) Confirmed() <-chan model.ChangeRecord {
	return v.out
}

func (v *Verifier) sourceLock(key string) *sync.Mutex {
	v.locksMu.Lock()
	defer v.locksMu.Unlock()
	l, ok := v.locks[key]
	if !ok {
		l = &sync.Mutex{}
		v.locks[key] = l
	}
	return l
}

func (v *Verifier) recordPersist(err error) {
	if v.rec == nil {
		return
	}
	if err != nil {
		v.rec.RecordPersistenceFailure()
		return
	}
	v.rec.RecordPersistenceSuccess()
}

// Seed installs curr, fetched over win, as the baseline for a source that
// has none, without announcing anything. It is a no-op if a baseline
// already exists.
func (v *Verifier) Seed(key, tag string, curr fingerprint.Set, win model.Window) error {
	l := v.sourceLock(key)
	l.Lock()
	defer l.Unlock()

	if _, ok := v.store.Get(key); ok {
		return nil
	}
	appLog.Info("seeding baseline", "source", key, "tag", tag, "events", len(curr))
	err := v.store.PutWindow(key, tag, curr, win, v.now())
	v.recordPersist(err)
	return err
}

// Observe diffs a freshly polled set, fetched over win, against the
// source's baseline. Differences explained by the window having moved since
// the previous observation are folded into the baseline silently; every
// other difference is enqueued as pending. A change that is already pending
// is refreshed rather than duplicated. It returns the number of newly
// enqueued changes.
func (v *Verifier) Observe(key, tag string, curr fingerprint.Set, win model.Window) int {
	l := v.sourceLock(key)
	l.Lock()
	defer l.Unlock()

	now := v.now()
	base, _ := v.store.Get(key)
	prevWin := v.store.Window(key)
	changes, edges := diff.SplitEdges(diff.Diff(base, curr, key, tag, now), prevWin, win)

	if len(edges) > 0 || !prevWin.Equal(win) {
		err := v.store.PutWindow(key, tag, diff.Apply(base, edges), win, now)
		if err != nil {
			appLog.Error("snapshot persist failed after window move", err, "source", key)
		}
		v.recordPersist(err)
		if len(edges) > 0 {
			appLog.Debug("window edge changes folded into baseline", "source", key, "count", len(edges))
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	// A pending change that now lies outside the window can no longer be
	// confirmed; drop it with the edge.
	for _, c := range edges {
		delete(v.pending, c.Identity())
	}

	added := 0
	for _, c := range changes {
		id := c.Identity()
		if p, ok := v.pending[id]; ok {
			p.LastSeenAt = now
			p.Sightings++
			continue
		}
		v.pending[id] = &Pending{
			ID:          uuid.NewString(),
			Identity:    id,
			Change:      c,
			FirstSeenAt: now,
			LastSeenAt:  now,
			NextCheckAt: now.Add(v.cfg.Delay),
			Sightings:   1,
		}
		added++
		subj := c.Subject()
		appLog.Info("change pending verification",
			"source", key, "tag", tag, "kind", c.Kind,
			"title", subj.Title, "check_at", now.Add(v.cfg.Delay).Format(time.RFC3339))
	}
	return added
}

// VerifyDue re-checks every pending change whose NextCheckAt has passed.
// Sources are verified concurrently and independently. Cancelling ctx
// abandons in-flight checks without touching the baseline.
func (v *Verifier) VerifyDue(ctx context.Context, refetch Refetcher) {
	now := v.now()

	v.mu.Lock()
	due := make(map[string][]string)
	for id, p := range v.pending {
		if !now.Before(p.NextCheckAt) {
			due[p.Change.SourceKey] = append(due[p.Change.SourceKey], id)
		}
	}
	v.mu.Unlock()

	var wg sync.WaitGroup
	for key, ids := range due {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(key string, ids []string) {
			defer wg.Done()
			v.verifySource(ctx, key, ids, refetch)
		}(key, ids)
	}
	wg.Wait()
}

func (v *Verifier) verifySource(ctx context.Context, key string, ids []string, refetch Refetcher) {
	fresh, err := refetch(ctx, key)
	if ctx.Err() != nil {
		appLog.Info("verification abandoned", "source", key, "pending", len(ids))
		return
	}
	if err != nil {
		v.recordRecheckFailure(key, ids, err)
		return
	}
	if v.rec != nil {
		v.rec.RecordVerificationSuccess(key)
	}

	l := v.sourceLock(key)
	l.Lock()

	// Nothing is resolved once shutdown has begun; the pending entries
	// survive for the next run of VerifyDue.
	if ctx.Err() != nil {
		l.Unlock()
		appLog.Info("verification abandoned", "source", key, "pending", len(ids))
		return
	}

	now := v.now()
	base, _ := v.store.Get(key)

	v.mu.Lock()
	var tag string
	var confirmed []model.ChangeRecord
	stillDue := make([]*Pending, 0, len(ids))
	for _, id := range ids {
		// Cleared or already resolved in the meantime.
		if p, ok := v.pending[id]; ok {
			stillDue = append(stillDue, p)
			tag = p.Change.Tag
		}
	}
	v.mu.Unlock()

	if len(stillDue) == 0 {
		l.Unlock()
		return
	}

	current := make(map[string]struct{})
	for _, c := range diff.Diff(base, fresh, key, tag, now) {
		current[c.Identity()] = struct{}{}
	}

	v.mu.Lock()
	for _, p := range stillDue {
		delete(v.pending, p.Identity)
		subj := p.Change.Subject()
		if _, ok := current[p.Identity]; ok {
			confirmed = append(confirmed, p.Change)
			appLog.Info("change confirmed", "source", key, "kind", p.Change.Kind, "title", subj.Title)
		} else {
			appLog.Info("change discarded, no longer present", "source", key, "kind", p.Change.Kind, "title", subj.Title)
		}
	}
	v.mu.Unlock()

	if len(confirmed) == 0 {
		l.Unlock()
		return
	}

	err = v.store.Put(key, tag, diff.Apply(base, confirmed), now)
	if err != nil {
		// The in-memory baseline is already updated; don't re-announce.
		appLog.Error("snapshot persist failed after confirmation", err, "source", key)
	}
	v.recordPersist(err)
	l.Unlock()

	sort.SliceStable(confirmed, func(i, j int) bool {
		return confirmed[i].Subject().Start.Before(confirmed[j].Subject().Start)
	})
	for i, c := range confirmed {
		select {
		case v.out <- c:
		case <-ctx.Done():
			// The baseline already includes these; keep them for Undelivered.
			rest := confirmed[i:]
			v.mu.Lock()
			v.undelivered = append(v.undelivered, rest...)
			v.mu.Unlock()
			appLog.Warn("confirmed changes held back, shutting down", "source", key, "count", len(rest))
			return
		}
	}
}

// Undelivered returns and clears the confirmed changes that could not be
// handed to Confirmed because VerifyDue was cancelled. Their baseline is
// already updated, so they are never confirmed again.
func (v *Verifier) Undelivered() []model.ChangeRecord {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := v.undelivered
	v.undelivered = nil
	return out
}

func (v *Verifier) recordRecheckFailure(key string, ids []string, err error) {
	now := v.now()

	v.mu.Lock()
	defer v.mu.Unlock()

	for _, id := range ids {
		p, ok := v.pending[id]
		if !ok {
			continue
		}
		p.AttemptCount++
		if p.AttemptCount < v.cfg.MaxRetries {
			p.NextCheckAt = now.Add(v.retryDelay(p.AttemptCount))
			appLog.Warn("verification re-fetch failed, rescheduling",
				"source", key, "attempt", p.AttemptCount, "check_at", p.NextCheckAt.Format(time.RFC3339), "err", err)
			continue
		}
		delete(v.pending, id)
		appLog.Error("verification failed, change discarded", err,
			"source", key, "kind", p.Change.Kind, "title", p.Change.Subject().Title, "attempts", p.AttemptCount)
		if v.rec != nil {
			v.rec.RecordVerificationFailure(key)
		}
	}
}

// retryDelay doubles the verification delay per failed attempt.
func (v *Verifier) retryDelay(attempt int) time.Duration {
	d := v.cfg.Delay
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

// Pending returns a copy of the queue ordered by NextCheckAt.
func (v *Verifier) Pending() []Pending {
	v.mu.Lock()
	out := make([]Pending, 0, len(v.pending))
	for _, p := range v.pending {
		out = append(out, *p)
	}
	v.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextCheckAt.Equal(out[j].NextCheckAt) {
			return out[i].NextCheckAt.Before(out[j].NextCheckAt)
		}
		return out[i].Identity < out[j].Identity
	})
	return out
}

// Clear drops every pending change and returns how many were dropped.
func (v *Verifier) Clear() int {
	v.mu.Lock()
	n := len(v.pending)
	v.pending = make(map[string]*Pending)
	v.mu.Unlock()
	appLog.Info("pending verifications cleared", "count", n)
	return n
}

// Forget drops pending changes of a source, e.g. one removed from config.
func (v *Verifier) Forget(key string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for id, p := range v.pending {
		if p.Change.SourceKey == key {
			delete(v.pending, id)
		}
	}
}
