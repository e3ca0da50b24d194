package verify

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calwatch/internal/fingerprint"
	"calwatch/internal/model"
	"calwatch/internal/snapshot"
)

var t0 = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type countingRecorder struct {
	mu             sync.Mutex
	verifyFailures int
	verifyOK       int
	persistFails   int
	persistOK      int
}

func (r *countingRecorder) RecordVerificationFailure(string) {
	r.mu.Lock()
	r.verifyFailures++
	r.mu.Unlock()
}

func (r *countingRecorder) RecordVerificationSuccess(string) {
	r.mu.Lock()
	r.verifyOK++
	r.mu.Unlock()
}

func (r *countingRecorder) RecordPersistenceFailure() {
	r.mu.Lock()
	r.persistFails++
	r.mu.Unlock()
}

func (r *countingRecorder) RecordPersistenceSuccess() {
	r.mu.Lock()
	r.persistOK++
	r.mu.Unlock()
}

func event(id, title string, hour int) model.Event {
	return model.Event{
		ID:        id,
		Title:     title,
		Start:     t0.Add(time.Duration(hour) * time.Hour),
		End:       t0.Add(time.Duration(hour+1) * time.Hour),
		Tag:       "ops",
		SourceKey: "S",
	}
}

func setOf(events ...model.Event) fingerprint.Set {
	return fingerprint.Index(events)
}

func staticRefetch(set fingerprint.Set) Refetcher {
	return func(context.Context, string) (fingerprint.Set, error) { return set, nil }
}

type fixture struct {
	clock *fakeClock
	store *snapshot.Store
	rec   *countingRecorder
	v     *Verifier
}

func newFixture(t *testing.T, baseline fingerprint.Set) *fixture {
	t.Helper()
	store, err := snapshot.Open(filepath.Join(t.TempDir(), "snapshot.json"))
	require.NoError(t, err)
	if baseline != nil {
		require.NoError(t, store.Put("S", "ops", baseline, t0))
	}
	clock := &fakeClock{now: t0}
	rec := &countingRecorder{}
	v := New(Config{Delay: 3 * time.Minute, MaxRetries: 3}, store, rec, clock.Now)
	return &fixture{clock: clock, store: store, rec: rec, v: v}
}

func drain(v *Verifier) []model.ChangeRecord {
	var out []model.ChangeRecord
	for {
		select {
		case c := <-v.Confirmed():
			out = append(out, c)
		default:
			return out
		}
	}
}

func TestVerifier_ConfirmsPersistentChange(t *testing.T) {
	a := event("a", "Standup", 0)
	b := event("b", "Planning", 2)
	f := newFixture(t, setOf(a))

	curr := setOf(a, b)
	require.Equal(t, 1, f.v.Observe("S", "ops", curr, model.Window{}))

	// Not announced and baseline untouched while pending.
	assert.Empty(t, drain(f.v))
	base, _ := f.store.Get("S")
	assert.Len(t, base, 1)

	calls := 0
	refetch := func(ctx context.Context, key string) (fingerprint.Set, error) {
		calls++
		assert.Equal(t, "S", key)
		return curr, nil
	}

	f.clock.Advance(2 * time.Minute)
	f.v.VerifyDue(context.Background(), refetch)
	assert.Zero(t, calls, "re-check must wait for the delay")
	assert.Empty(t, drain(f.v))

	f.clock.Advance(time.Minute)
	f.v.VerifyDue(context.Background(), refetch)
	assert.Equal(t, 1, calls)

	got := drain(f.v)
	require.Len(t, got, 1)
	assert.Equal(t, model.ChangeAdded, got[0].Kind)
	assert.Equal(t, "Planning", got[0].New.Title)
	assert.Equal(t, t0, got[0].DetectedAt)

	base, _ = f.store.Get("S")
	assert.Equal(t, curr, base)
	assert.Empty(t, f.v.Pending())
}

func TestVerifier_RevertSuppression(t *testing.T) {
	e := event("e", "Review", 1)
	f := newFixture(t, setOf(e))

	require.Equal(t, 1, f.v.Observe("S", "ops", setOf(), model.Window{}))
	pend := f.v.Pending()
	require.Len(t, pend, 1)
	assert.Equal(t, model.ChangeRemoved, pend[0].Change.Kind)

	f.clock.Advance(3 * time.Minute)
	f.v.VerifyDue(context.Background(), staticRefetch(setOf(e)))

	assert.Empty(t, drain(f.v))
	assert.Empty(t, f.v.Pending())
	base, _ := f.store.Get("S")
	assert.Equal(t, setOf(e), base)
}

func TestVerifier_RedetectionDoesNotDuplicate(t *testing.T) {
	f := newFixture(t, setOf())
	curr := setOf(event("a", "A", 0))

	require.Equal(t, 1, f.v.Observe("S", "ops", curr, model.Window{}))
	first := f.v.Pending()[0]

	f.clock.Advance(time.Minute)
	assert.Equal(t, 0, f.v.Observe("S", "ops", curr, model.Window{}))

	pend := f.v.Pending()
	require.Len(t, pend, 1)
	assert.Equal(t, first.ID, pend[0].ID)
	assert.Equal(t, 2, pend[0].Sightings)
	assert.Equal(t, t0, pend[0].FirstSeenAt)
	assert.Equal(t, t0.Add(time.Minute), pend[0].LastSeenAt)
	assert.Equal(t, first.NextCheckAt, pend[0].NextCheckAt)
}

func TestVerifier_RefetchFailureRetriesThenDiscards(t *testing.T) {
	f := newFixture(t, setOf())
	require.Equal(t, 1, f.v.Observe("S", "ops", setOf(event("a", "A", 0)), model.Window{}))

	failing := func(context.Context, string) (fingerprint.Set, error) {
		return nil, errors.New("connection reset")
	}

	f.clock.Advance(3 * time.Minute)
	f.v.VerifyDue(context.Background(), failing)
	p := f.v.Pending()
	require.Len(t, p, 1)
	assert.Equal(t, 1, p[0].AttemptCount)
	assert.Equal(t, f.clock.Now().Add(3*time.Minute), p[0].NextCheckAt)

	f.clock.Advance(3 * time.Minute)
	f.v.VerifyDue(context.Background(), failing)
	p = f.v.Pending()
	require.Len(t, p, 1)
	assert.Equal(t, 2, p[0].AttemptCount)
	assert.Equal(t, f.clock.Now().Add(6*time.Minute), p[0].NextCheckAt)

	f.clock.Advance(6 * time.Minute)
	f.v.VerifyDue(context.Background(), failing)
	assert.Empty(t, f.v.Pending())
	assert.Empty(t, drain(f.v))
	assert.Equal(t, 1, f.rec.verifyFailures)

	base, _ := f.store.Get("S")
	assert.Empty(t, base)
}

func TestVerifier_RetryThenConfirm(t *testing.T) {
	f := newFixture(t, setOf())
	curr := setOf(event("a", "A", 0))
	f.v.Observe("S", "ops", curr, model.Window{})

	f.clock.Advance(3 * time.Minute)
	f.v.VerifyDue(context.Background(), func(context.Context, string) (fingerprint.Set, error) {
		return nil, errors.New("timeout")
	})
	f.clock.Advance(3 * time.Minute)
	f.v.VerifyDue(context.Background(), staticRefetch(curr))

	assert.Len(t, drain(f.v), 1)
	assert.Zero(t, f.rec.verifyFailures)
}

func TestVerifier_IndependentChangesSameSource(t *testing.T) {
	a := event("a", "A", 0)
	b := event("b", "B", 1)
	c := event("c", "C", 2)
	f := newFixture(t, setOf(a))

	// b added and a removed in the same cycle.
	require.Equal(t, 2, f.v.Observe("S", "ops", setOf(b), model.Window{}))

	// At re-check a is back, b is still there and c has just appeared.
	f.clock.Advance(3 * time.Minute)
	f.v.VerifyDue(context.Background(), staticRefetch(setOf(a, b, c)))

	got := drain(f.v)
	require.Len(t, got, 1)
	assert.Equal(t, "B", got[0].New.Title)

	// c was never pending, so it is not folded into the baseline yet.
	base, _ := f.store.Get("S")
	assert.Equal(t, setOf(a, b), base)
}

func TestVerifier_StaggeredChangesConfirmSeparately(t *testing.T) {
	a := event("a", "A", 0)
	b := event("b", "B", 1)
	f := newFixture(t, setOf())

	f.v.Observe("S", "ops", setOf(a), model.Window{})
	f.clock.Advance(2 * time.Minute)
	f.v.Observe("S", "ops", setOf(a, b), model.Window{})
	require.Len(t, f.v.Pending(), 2)

	f.clock.Advance(time.Minute)
	f.v.VerifyDue(context.Background(), staticRefetch(setOf(a, b)))
	first := drain(f.v)
	require.Len(t, first, 1)
	assert.Equal(t, "A", first[0].New.Title)
	require.Len(t, f.v.Pending(), 1)

	f.clock.Advance(2 * time.Minute)
	f.v.VerifyDue(context.Background(), staticRefetch(setOf(a, b)))
	second := drain(f.v)
	require.Len(t, second, 1)
	assert.Equal(t, "B", second[0].New.Title)

	base, _ := f.store.Get("S")
	assert.Equal(t, setOf(a, b), base)
}

func TestVerifier_ModifiedConfirmed(t *testing.T) {
	before := event("a", "Sync", 0)
	after := event("a", "Sync", 1)
	f := newFixture(t, setOf(before))

	f.v.Observe("S", "ops", setOf(after), model.Window{})
	f.clock.Advance(3 * time.Minute)
	f.v.VerifyDue(context.Background(), staticRefetch(setOf(after)))

	got := drain(f.v)
	require.Len(t, got, 1)
	assert.Equal(t, model.ChangeModified, got[0].Kind)
	base, _ := f.store.Get("S")
	assert.Equal(t, setOf(after), base)
}

func TestVerifier_PersistenceFailureStillConfirms(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "state")

	store, err := snapshot.Open(filepath.Join(blocker, "snapshot.json"))
	require.NoError(t, err)
	// A plain file where the state directory should be makes every write fail.
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	clock := &fakeClock{now: t0}
	rec := &countingRecorder{}
	v := New(Config{Delay: time.Minute}, store, rec, clock.Now)

	curr := setOf(event("a", "A", 0))
	v.Observe("S", "ops", curr, model.Window{})
	clock.Advance(time.Minute)
	v.VerifyDue(context.Background(), staticRefetch(curr))

	assert.Len(t, drain(v), 1)
	assert.Equal(t, 1, rec.persistFails)

	// The in-memory baseline is authoritative: nothing is re-detected.
	assert.Equal(t, 0, v.Observe("S", "ops", curr, model.Window{}))
}

func TestVerifier_CancelledRecheckLeavesStateAlone(t *testing.T) {
	a := event("a", "A", 0)
	f := newFixture(t, setOf())
	f.v.Observe("S", "ops", setOf(a), model.Window{})
	f.clock.Advance(3 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	f.v.VerifyDue(ctx, func(ctx context.Context, _ string) (fingerprint.Set, error) {
		cancel()
		return nil, ctx.Err()
	})

	assert.Len(t, f.v.Pending(), 1)
	assert.Zero(t, f.v.Pending()[0].AttemptCount)
	assert.Empty(t, drain(f.v))
	base, _ := f.store.Get("S")
	assert.Empty(t, base)
}

func TestVerifier_ClearAndForget(t *testing.T) {
	f := newFixture(t, setOf())
	f.v.Observe("S", "ops", setOf(event("a", "A", 0)), model.Window{})
	f.v.Observe("T", "dev", setOf(event("b", "B", 0)), model.Window{})
	require.Len(t, f.v.Pending(), 2)

	f.v.Forget("T")
	assert.Len(t, f.v.Pending(), 1)

	assert.Equal(t, 1, f.v.Clear())
	assert.Empty(t, f.v.Pending())

	// A cleared change is not resurrected by an in-flight re-check.
	f.clock.Advance(3 * time.Minute)
	f.v.VerifyDue(context.Background(), staticRefetch(setOf(event("a", "A", 0))))
	assert.Empty(t, drain(f.v))
}

func TestVerifier_Seed(t *testing.T) {
	f := newFixture(t, nil)
	curr := setOf(event("a", "A", 0))

	require.NoError(t, f.v.Seed("S", "ops", curr, model.Window{}))
	base, ok := f.store.Get("S")
	require.True(t, ok)
	assert.Equal(t, curr, base)

	// Existing baselines are never overwritten by seeding.
	require.NoError(t, f.v.Seed("S", "ops", setOf(), model.Window{}))
	base, _ = f.store.Get("S")
	assert.Len(t, base, 1)
	assert.Equal(t, 0, f.v.Observe("S", "ops", curr, model.Window{}))
}

func TestVerifier_WindowEdgesFoldSilently(t *testing.T) {
	day := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	before := model.Window{From: day.AddDate(0, 0, -30), To: day.AddDate(0, 0, 91)}
	after := model.Window{From: before.From.AddDate(0, 0, 1), To: before.To.AddDate(0, 0, 1)}

	old := event("old", "Old meeting", -717)        // 2025-02-08T12:00Z
	future := event("future", "Far planning", 2187) // 2025-06-09T12:00Z
	a := event("a", "Standup", 0)
	b := event("b", "Offsite", 4)

	f := newFixture(t, nil)
	require.NoError(t, f.store.PutWindow("S", "ops", setOf(old, a), before, t0))
	require.True(t, before.Overlaps(old))
	require.False(t, after.Overlaps(old))
	require.False(t, before.Overlaps(future))

	f.clock.Advance(24 * time.Hour)
	assert.Equal(t, 1, f.v.Observe("S", "ops", setOf(a, b, future), after), "only the offsite is a real change")

	pending := f.v.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "Offsite", pending[0].Change.New.Title)

	base, _ := f.store.Get("S")
	assert.Equal(t, setOf(a, future), base)
	assert.True(t, f.store.Window("S").Equal(after))

	f.clock.Advance(3 * time.Minute)
	f.v.VerifyDue(context.Background(), staticRefetch(setOf(a, b, future)))
	got := drain(f.v)
	require.Len(t, got, 1)
	assert.Equal(t, "Offsite", got[0].New.Title)
}

func TestVerifier_PendingRemovalDroppedWhenItLeavesWindow(t *testing.T) {
	day := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	win := model.Window{From: day.AddDate(0, 0, -30), To: day.AddDate(0, 0, 91)}
	old := event("old", "Old meeting", -717)

	f := newFixture(t, nil)
	require.NoError(t, f.store.PutWindow("S", "ops", setOf(old), win, t0))

	// Cancelled upstream while still inside the window.
	require.Equal(t, 1, f.v.Observe("S", "ops", setOf(), win))

	next := model.Window{From: win.From.AddDate(0, 0, 1), To: win.To.AddDate(0, 0, 1)}
	assert.Equal(t, 0, f.v.Observe("S", "ops", setOf(), next))
	assert.Empty(t, f.v.Pending())

	f.clock.Advance(3 * time.Minute)
	f.v.VerifyDue(context.Background(), staticRefetch(setOf()))
	assert.Empty(t, drain(f.v))
}

func TestVerifier_ShutdownKeepsConfirmedChanges(t *testing.T) {
	a := event("a", "Standup", 0)
	b := event("b", "Planning", 2)
	f := newFixture(t, setOf())
	v := New(Config{Delay: 3 * time.Minute, MaxRetries: 3, Buffer: 1}, f.store, f.rec, f.clock.Now)

	require.Equal(t, 2, v.Observe("S", "ops", setOf(a, b), model.Window{}))
	f.clock.Advance(3 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		v.VerifyDue(ctx, staticRefetch(setOf(a, b)))
	}()

	// The first change fills the buffer; the second blocks until shutdown.
	require.Eventually(t, func() bool { return len(v.Confirmed()) == 1 }, time.Second, time.Millisecond)
	cancel()
	<-done

	base, _ := f.store.Get("S")
	assert.Len(t, base, 2, "both confirmations are in the baseline")
	assert.Empty(t, v.Pending())

	got := drain(v)
	require.Len(t, got, 1)
	assert.Equal(t, "Standup", got[0].New.Title)

	held := v.Undelivered()
	require.Len(t, held, 1)
	assert.Equal(t, "Planning", held[0].New.Title)
	assert.Empty(t, v.Undelivered())
}

func TestVerifier_CancelledBeforeConfirmationLeavesBaseline(t *testing.T) {
	a := event("a", "A", 0)
	f := newFixture(t, setOf())
	f.v.Observe("S", "ops", setOf(a), model.Window{})
	f.clock.Advance(3 * time.Minute)

	// Hold the source lock so the re-check cannot resolve before shutdown.
	l := f.v.sourceLock("S")
	l.Lock()

	ctx, cancel := context.WithCancel(context.Background())
	fetched := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.v.VerifyDue(ctx, func(context.Context, string) (fingerprint.Set, error) {
			close(fetched)
			return setOf(a), nil
		})
	}()

	<-fetched
	cancel()
	l.Unlock()
	<-done

	assert.Len(t, f.v.Pending(), 1)
	assert.Empty(t, drain(f.v))
	assert.Empty(t, f.v.Undelivered())
	base, _ := f.store.Get("S")
	assert.Empty(t, base)
}
