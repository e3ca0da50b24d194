package model

import "time"

// Event is a normalized calendar event as produced by a source, after
// recurrence expansion. It is immutable once fingerprinted for a cycle.
type Event struct {
	// ID is the source-stable identity. For expanded recurring events this is
	// "<UID>@<original start>", so an edited occurrence keeps its ID.
	ID string `json:"id"`

	Title    string `json:"title"`
	Location string `json:"location,omitempty"`

	AllDay bool      `json:"all_day"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`

	Tag       string `json:"tag"`
	SourceKey string `json:"source_key"`
}

// Fingerprint is a hex-encoded content digest of an Event.
type Fingerprint string

// ChangeKind enumerates the kinds of ChangeRecord.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeRemoved  ChangeKind = "removed"
	ChangeModified ChangeKind = "modified"
)

// ChangeRecord is one detected difference between a baseline snapshot and a
// freshly fetched set of events.
//
//   - Added:    New/NewFP set
//   - Removed:  Old/OldFP set (the last known event)
//   - Modified: both set
type ChangeRecord struct {
	Kind ChangeKind `json:"kind"`

	Old   *Event      `json:"old,omitempty"`
	OldFP Fingerprint `json:"old_fp,omitempty"`
	New   *Event      `json:"new,omitempty"`
	NewFP Fingerprint `json:"new_fp,omitempty"`

	Tag        string    `json:"tag"`
	SourceKey  string    `json:"source_key"`
	DetectedAt time.Time `json:"detected_at"`
}

// Identity is the stable key used to de-duplicate pending verifications:
// sourceKey + fingerprint(s) + kind.
func (c ChangeRecord) Identity() string {
	switch c.Kind {
	case ChangeAdded:
		return c.SourceKey + "|" + string(c.Kind) + "|" + string(c.NewFP)
	case ChangeRemoved:
		return c.SourceKey + "|" + string(c.Kind) + "|" + string(c.OldFP)
	default:
		return c.SourceKey + "|" + string(c.Kind) + "|" + string(c.OldFP) + ">" + string(c.NewFP)
	}
}

// Subject returns the event the change is about: the new version if there is
// one, otherwise the last known one.
func (c ChangeRecord) Subject() Event {
	if c.New != nil {
		return *c.New
	}
	if c.Old != nil {
		return *c.Old
	}
	return Event{}
}

// Window is the time range a fetch covered. The zero Window is unbounded.
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// IsZero reports whether w is unbounded.
func (w Window) IsZero() bool {
	return w.From.IsZero() && w.To.IsZero()
}

// Equal reports whether both bounds match.
func (w Window) Equal(o Window) bool {
	return w.From.Equal(o.From) && w.To.Equal(o.To)
}

// Overlaps reports whether ev lies at least partly inside w. An event that
// only touches a bound is outside. The zero Window overlaps everything.
func (w Window) Overlaps(ev Event) bool {
	if w.IsZero() {
		return true
	}
	end := ev.End
	if end.Before(ev.Start) {
		end = ev.Start
	}
	if end.Equal(ev.Start) {
		return !ev.Start.Before(w.From) && ev.Start.Before(w.To)
	}
	return end.After(w.From) && ev.Start.Before(w.To)
}
