// Package diff compares a baseline snapshot with a fresh set of events.
package diff

import (
	"sort"
	"time"

	"calwatch/internal/fingerprint"
	"calwatch/internal/model"
)

// Diff returns the changes that turn prev into curr. It is a pure function.
//
// Fingerprints only in curr are Added, only in prev Removed. When an event ID
// appears on both sides of that difference the pair is reported once as
// Modified instead of Remove+Add. Records are ordered by event start, then
// kind, then fingerprint.
func Diff(prev, curr fingerprint.Set, sourceKey, tag string, now time.Time) []model.ChangeRecord {
	oldOnly := make(map[string][]model.Fingerprint)
	newOnly := make(map[string][]model.Fingerprint)

	for fp, ev := range prev {
		if _, ok := curr[fp]; !ok {
			oldOnly[ev.ID] = append(oldOnly[ev.ID], fp)
		}
	}
	for fp, ev := range curr {
		if _, ok := prev[fp]; !ok {
			newOnly[ev.ID] = append(newOnly[ev.ID], fp)
		}
	}

	out := make([]model.ChangeRecord, 0, len(oldOnly)+len(newOnly))
	rec := func(kind model.ChangeKind) model.ChangeRecord {
		return model.ChangeRecord{Kind: kind, SourceKey: sourceKey, Tag: tag, DetectedAt: now}
	}

	for id, olds := range oldOnly {
		news := newOnly[id]
		sortFPs(olds)
		sortFPs(news)

		// An empty ID carries no identity; never pair on it.
		paired := 0
		if id != "" {
			paired = min(len(olds), len(news))
		}
		for i := 0; i < paired; i++ {
			r := rec(model.ChangeModified)
			o, n := prev[olds[i]], curr[news[i]]
			r.Old, r.OldFP = &o, olds[i]
			r.New, r.NewFP = &n, news[i]
			out = append(out, r)
		}
		for _, fp := range olds[paired:] {
			r := rec(model.ChangeRemoved)
			o := prev[fp]
			r.Old, r.OldFP = &o, fp
			out = append(out, r)
		}
		if paired > 0 {
			newOnly[id] = news[paired:]
		}
	}
	for _, news := range newOnly {
		for _, fp := range news {
			r := rec(model.ChangeAdded)
			n := curr[fp]
			r.New, r.NewFP = &n, fp
			out = append(out, r)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Subject(), out[j].Subject()
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Identity() < out[j].Identity()
	})
	return out
}

// SplitEdges separates changes caused only by the fetch window moving from
// real ones. A Removed event that no longer overlaps curr slid off the past
// edge; an Added event that did not overlap prev entered at the future edge.
// Neither happened upstream. A zero window disables its side of the check.
func SplitEdges(changes []model.ChangeRecord, prev, curr model.Window) (changed, edges []model.ChangeRecord) {
	for _, c := range changes {
		switch {
		case c.Kind == model.ChangeRemoved && !curr.Overlaps(*c.Old):
			edges = append(edges, c)
		case c.Kind == model.ChangeAdded && !prev.Overlaps(*c.New):
			edges = append(edges, c)
		default:
			changed = append(changed, c)
		}
	}
	return changed, edges
}

// Apply folds confirmed changes into a baseline and returns the new set.
// The input set is not modified.
func Apply(base fingerprint.Set, changes []model.ChangeRecord) fingerprint.Set {
	out := make(fingerprint.Set, len(base)+len(changes))
	for fp, ev := range base {
		out[fp] = ev
	}
	for _, c := range changes {
		switch c.Kind {
		case model.ChangeAdded:
			out[c.NewFP] = *c.New
		case model.ChangeRemoved:
			delete(out, c.OldFP)
		case model.ChangeModified:
			delete(out, c.OldFP)
			out[c.NewFP] = *c.New
		}
	}
	return out
}

func sortFPs(fps []model.Fingerprint) {
	sort.Slice(fps, func(i, j int) bool { return fps[i] < fps[j] })
}
