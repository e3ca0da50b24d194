package digest

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calwatch/internal/model"
	"calwatch/internal/notify"
)

type memEvents map[string][]model.Event

func (m memEvents) Tags() []string {
	out := make([]string, 0, len(m))
	for t := range m {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (m memEvents) Events(tag string) []model.Event { return m[tag] }

type memPublisher struct {
	msgs []notify.Message
	err  error
}

func (p *memPublisher) Publish(_ context.Context, m notify.Message) error {
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, m)
	return nil
}

// Wednesday 2025-03-12 07:30 UTC.
var now = time.Date(2025, 3, 12, 7, 30, 0, 0, time.UTC)

func at(day, hour int) time.Time {
	return time.Date(2025, 3, day, hour, 0, 0, 0, time.UTC)
}

func timed(title string, day, hour int) model.Event {
	return model.Event{ID: title, Title: title, Start: at(day, hour), End: at(day, hour+1)}
}

func allDay(title string, day, days int) model.Event {
	return model.Event{ID: title, Title: title, AllDay: true, Start: at(day, 0), End: at(day+days, 0)}
}

func TestStartOfWeek(t *testing.T) {
	assert.Equal(t, at(10, 0), StartOfWeek(now, time.UTC))
	sunday := time.Date(2025, 3, 16, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, at(10, 0), StartOfWeek(sunday, time.UTC))
	monday := time.Date(2025, 3, 17, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, at(17, 0), StartOfWeek(monday, time.UTC))
}

func TestOverlaps(t *testing.T) {
	day := at(12, 0)
	assert.True(t, Overlaps(timed("x", 12, 9), day))
	assert.False(t, Overlaps(timed("x", 13, 9), day))
	assert.True(t, Overlaps(model.Event{Start: at(11, 22), End: at(12, 2)}, day), "overnight")
	assert.False(t, Overlaps(model.Event{Start: at(11, 22), End: at(12, 0)}, day), "ends at midnight")
	assert.True(t, Overlaps(model.Event{Start: at(12, 9)}, day), "instant")

	assert.True(t, Overlaps(allDay("trip", 11, 3), day))
	assert.False(t, Overlaps(allDay("yesterday", 11, 1), day))

	// An all-day date stays on its calendar day in any display zone.
	seoul, err := time.LoadLocation("Asia/Seoul")
	require.NoError(t, err)
	seoulDay := time.Date(2025, 3, 12, 0, 0, 0, 0, seoul)
	assert.True(t, Overlaps(allDay("holiday", 12, 1), seoulDay))
}

func TestDaily(t *testing.T) {
	events := memEvents{
		"eng": {timed("Standup", 12, 9), timed("Retro", 13, 15), allDay("Offsite", 11, 2)},
		"ops": {timed("Oncall handover", 14, 9)},
	}
	b := NewBuilder(events, time.UTC, func() time.Time { return now })

	msgs := b.Daily()
	require.Len(t, msgs, 1, "ops has nothing today")
	m := msgs[0]
	assert.Equal(t, notify.KindDigest, m.Kind)
	assert.Equal(t, "eng", m.Tag)
	assert.Equal(t, "# eng: events for Wednesday, March 12", m.Title)
	require.Len(t, m.Lines, 3)
	assert.Equal(t, "Total events: `2`", m.Lines[0])
	assert.Contains(t, m.Text(), "Standup")
	assert.Contains(t, m.Text(), "Offsite")
	assert.NotContains(t, m.Text(), "Retro")
}

func TestWeekly(t *testing.T) {
	events := memEvents{
		"eng":  {timed("Standup", 10, 9), timed("Retro", 14, 15), timed("Next week", 17, 9)},
		"ops":  {timed("Last week", 7, 9)},
		"team": {allDay("Offsite", 15, 2)},
	}
	b := NewBuilder(events, time.UTC, func() time.Time { return now })

	msgs := b.Weekly()
	require.Len(t, msgs, 2)

	eng := msgs[0]
	assert.Equal(t, "# eng: week of March 10", eng.Title)
	assert.Equal(t, []string{
		"Total events: `2`",
		"## Monday, March 10",
		"• **Standup** `Mon Mar 10 09:00-10:00`",
		"## Friday, March 14",
		"• **Retro** `Fri Mar 14 15:00-16:00`",
	}, eng.Lines)

	team := msgs[1]
	assert.Equal(t, "team", team.Tag)
	assert.Equal(t, "Total events: `2`", team.Lines[0], "a two-day event is listed on both days")
}

func TestJobs_Publish(t *testing.T) {
	events := memEvents{"eng": {timed("Standup", 12, 9)}}
	b := NewBuilder(events, time.UTC, func() time.Time { return now })

	pub := &memPublisher{}
	require.NoError(t, DailyJob(b, pub)(context.Background()))
	require.NoError(t, WeeklyJob(b, pub)(context.Background()))
	assert.Len(t, pub.msgs, 2)

	failing := &memPublisher{err: errors.New("closed")}
	err := DailyJob(b, failing)(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "eng")
}
