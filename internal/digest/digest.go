// Package digest builds the daily and weekly per-tag summaries from the
// confirmed snapshot.
package digest

import (
	"context"
	"errors"
	"fmt"
	"time"

	appLog "calwatch/internal/log"
	"calwatch/internal/model"
	"calwatch/internal/notify"
)

// EventSource is the read side of the snapshot store.
type EventSource interface {
	Tags() []string
	Events(tag string) []model.Event
}

// Publisher accepts messages for delivery.
type Publisher interface {
	Publish(ctx context.Context, m notify.Message) error
}

// Builder renders digests in a fixed display location.
type Builder struct {
	events EventSource
	loc    *time.Location
	now    func() time.Time
}

// NewBuilder constructs a Builder. now may be nil.
func NewBuilder(events EventSource, loc *time.Location, now func() time.Time) *Builder {
	if loc == nil {
		loc = time.Local
	}
	if now == nil {
		now = time.Now
	}
	return &Builder{events: events, loc: loc, now: now}
}

// StartOfDay returns local midnight of t's day in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// StartOfWeek returns local midnight of the Monday of t's week in loc.
func StartOfWeek(t time.Time, loc *time.Location) time.Time {
	day := StartOfDay(t, loc)
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

// Overlaps reports whether ev falls on the local day starting at day.
// All-day events compare by calendar date so that a date stored in a
// source's zone is not shifted by the display zone.
func Overlaps(ev model.Event, day time.Time) bool {
	if ev.AllDay {
		y, m, d := day.Date()
		want := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
		sy, sm, sd := ev.Start.Date()
		first := time.Date(sy, sm, sd, 0, 0, 0, 0, time.UTC)
		end := first.AddDate(0, 0, 1)
		if !ev.End.IsZero() {
			ey, em, ed := ev.End.Date()
			if e := time.Date(ey, em, ed, 0, 0, 0, 0, time.UTC); e.After(first) {
				end = e
			}
		}
		return !want.Before(first) && want.Before(end)
	}

	next := day.AddDate(0, 0, 1)
	if !ev.End.After(ev.Start) {
		return !ev.Start.Before(day) && ev.Start.Before(next)
	}
	return ev.Start.Before(next) && ev.End.After(day)
}

// EventsOn filters events to those on the local day starting at day.
func EventsOn(events []model.Event, day time.Time) []model.Event {
	out := make([]model.Event, 0)
	for _, ev := range events {
		if Overlaps(ev, day) {
			out = append(out, ev)
		}
	}
	return out
}

// Daily returns one message per tag listing today's events. Tags with no
// events are skipped.
func (b *Builder) Daily() []notify.Message {
	now := b.now()
	today := StartOfDay(now, b.loc)

	var out []notify.Message
	for _, tag := range b.events.Tags() {
		evs := EventsOn(b.events.Events(tag), today)
		if len(evs) == 0 {
			continue
		}
		lines := make([]string, 0, len(evs)+1)
		lines = append(lines, fmt.Sprintf("Total events: `%d`", len(evs)))
		for _, ev := range evs {
			lines = append(lines, notify.FormatEvent(ev, b.loc))
		}
		out = append(out, notify.Message{
			Kind:      notify.KindDigest,
			Tag:       tag,
			Title:     fmt.Sprintf("# %s: events for %s", tag, today.Format("Monday, January 2")),
			Lines:     lines,
			CreatedAt: now,
		})
	}
	return out
}

// Weekly returns one message per tag covering the current Monday-Sunday
// week, grouped by day. Tags with no events are skipped.
func (b *Builder) Weekly() []notify.Message {
	now := b.now()
	monday := StartOfWeek(now, b.loc)

	var out []notify.Message
	for _, tag := range b.events.Tags() {
		all := b.events.Events(tag)
		var lines []string
		total := 0
		for i := 0; i < 7; i++ {
			day := monday.AddDate(0, 0, i)
			evs := EventsOn(all, day)
			if len(evs) == 0 {
				continue
			}
			total += len(evs)
			lines = append(lines, "## "+day.Format("Monday, January 2"))
			for _, ev := range evs {
				lines = append(lines, notify.FormatEvent(ev, b.loc))
			}
		}
		if total == 0 {
			continue
		}
		lines = append([]string{fmt.Sprintf("Total events: `%d`", total)}, lines...)
		out = append(out, notify.Message{
			Kind:      notify.KindDigest,
			Tag:       tag,
			Title:     fmt.Sprintf("# %s: week of %s", tag, monday.Format("January 2")),
			Lines:     lines,
			CreatedAt: now,
		})
	}
	return out
}

// DailyJob publishes the daily digest.
func DailyJob(b *Builder, pub Publisher) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return publishAll(ctx, pub, "daily", b.Daily())
	}
}

// WeeklyJob publishes the weekly digest.
func WeeklyJob(b *Builder, pub Publisher) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return publishAll(ctx, pub, "weekly", b.Weekly())
	}
}

func publishAll(ctx context.Context, pub Publisher, name string, msgs []notify.Message) error {
	var errs []error
	for _, m := range msgs {
		if err := pub.Publish(ctx, m); err != nil {
			errs = append(errs, fmt.Errorf("publish %s digest for %s: %w", name, m.Tag, err))
		}
	}
	appLog.Info("digest published", "digest", name, "tags", len(msgs)-len(errs))
	return errors.Join(errs...)
}
