package notify

import (
	"fmt"
	"strings"
	"time"

	"calwatch/internal/model"
)

// maxContentRunes is the largest message body chat webhooks accept.
const maxContentRunes = 2000

// FormatEvent renders one event as a single markdown bullet in loc.
func FormatEvent(ev model.Event, loc *time.Location) string {
	var b strings.Builder
	b.WriteString("• **")
	b.WriteString(orUntitled(ev.Title))
	b.WriteString("** `")
	b.WriteString(FormatWhen(ev, loc))
	b.WriteString("`")
	if ev.Location != "" {
		b.WriteString(" @ ")
		b.WriteString(ev.Location)
	}
	return b.String()
}

// FormatWhen renders an event's time span in loc.
func FormatWhen(ev model.Event, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	if ev.AllDay {
		start := ev.Start.Format("Mon Jan 2")
		last := ev.End.AddDate(0, 0, -1)
		if ev.End.IsZero() || !last.After(ev.Start) {
			return start + " (all day)"
		}
		return start + " - " + last.Format("Mon Jan 2") + " (all day)"
	}

	st := ev.Start.In(loc)
	en := ev.End.In(loc)
	switch {
	case ev.End.IsZero() || !en.After(st):
		return st.Format("Mon Jan 2 15:04")
	case sameDay(st, en):
		return st.Format("Mon Jan 2 15:04") + "-" + en.Format("15:04")
	default:
		return st.Format("Mon Jan 2 15:04") + " - " + en.Format("Mon Jan 2 15:04")
	}
}

// FormatChange renders a confirmed change as one or two lines prefixed by
// + (added), - (removed) or ~ (modified).
func FormatChange(c model.ChangeRecord, loc *time.Location) string {
	tag := ""
	if c.Tag != "" {
		tag = "[" + c.Tag + "] "
	}
	switch c.Kind {
	case model.ChangeAdded:
		return "+ " + tag + FormatEvent(*c.New, loc)
	case model.ChangeRemoved:
		return "- " + tag + FormatEvent(*c.Old, loc)
	default:
		return fmt.Sprintf("~ %s%s\n  was: %s", tag, FormatEvent(*c.New, loc), FormatEvent(*c.Old, loc))
	}
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}

func orUntitled(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(untitled)"
	}
	return s
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
