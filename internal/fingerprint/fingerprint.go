// Package fingerprint reduces events to content digests used as
// change-detection identity.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"calwatch/internal/model"
)

// canonical is the digested form of an event. Field order is fixed by the
// struct so the JSON encoding is stable.
type canonical struct {
	Title    string `json:"title"`
	Start    string `json:"start"`
	End      string `json:"end"`
	Location string `json:"location"`
	AllDay   bool   `json:"all_day"`
}

// Compute returns the fingerprint of ev. Only title, start, end, location and
// the all-day flag participate; provider metadata never does.
//
// Text is trimmed, whitespace-collapsed and case-folded. Timed instants are
// converted to UTC at minute precision; all-day dates are reduced to their
// calendar date in the zone they were expressed in.
func Compute(ev model.Event) model.Fingerprint {
	c := canonical{
		Title:    normalizeText(ev.Title),
		Location: normalizeText(ev.Location),
		AllDay:   ev.AllDay,
		Start:    normalizeTime(ev.Start, ev.AllDay),
		End:      normalizeTime(ev.End, ev.AllDay),
	}
	// Marshal of a flat struct of strings and bools cannot fail.
	data, _ := json.Marshal(c)
	sum := sha256.Sum256(data)
	return model.Fingerprint(hex.EncodeToString(sum[:]))
}

// Set maps fingerprints to the event they were computed from.
type Set map[model.Fingerprint]model.Event

// Index fingerprints every event. Events with identical fingerprints collapse
// into one entry; the first one wins.
func Index(events []model.Event) Set {
	out := make(Set, len(events))
	for _, ev := range events {
		fp := Compute(ev)
		if _, ok := out[fp]; ok {
			continue
		}
		out[fp] = ev
	}
	return out
}

func normalizeText(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func normalizeTime(t time.Time, allDay bool) string {
	if t.IsZero() {
		return ""
	}
	if allDay {
		return t.Format("2006-01-02")
	}
	return t.UTC().Truncate(time.Minute).Format(time.RFC3339)
}
