package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calwatch/internal/model"
	"calwatch/internal/notify"
)

var t0 = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func change(kind model.ChangeKind, tag, title string) model.ChangeRecord {
	ev := &model.Event{ID: title, Title: title, Start: t0, End: t0.Add(time.Hour)}
	c := model.ChangeRecord{Kind: kind, Tag: tag, SourceKey: tag + "-src", DetectedAt: t0}
	switch kind {
	case model.ChangeAdded:
		c.New, c.NewFP = ev, "n1"
	case model.ChangeRemoved:
		c.Old, c.OldFP = ev, "o1"
	default:
		c.Old, c.OldFP = ev, "o1"
		c.New, c.NewFP = ev, "n1"
	}
	return c
}

func TestStore_RecordAndRecent(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "state", "history.db"))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Record(ctx, change(model.ChangeAdded, "eng", "Offsite"), t0.Add(3*time.Minute)))
	require.NoError(t, s.Record(ctx, change(model.ChangeRemoved, "ops", "Drill"), t0.Add(4*time.Minute)))
	require.NoError(t, s.Record(ctx, change(model.ChangeModified, "eng", "Standup"), t0.Add(5*time.Minute)))

	all, err := s.Recent(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "Standup", all[0].Title, "newest first")
	assert.Equal(t, model.ChangeModified, all[0].Kind)
	assert.Equal(t, "o1", all[0].OldFP)
	assert.Equal(t, "n1", all[0].NewFP)
	assert.True(t, all[0].Start.Equal(t0))
	assert.True(t, all[0].ConfirmedAt.Equal(t0.Add(5*time.Minute)))

	eng, err := s.Recent(ctx, "eng", 10)
	require.NoError(t, err)
	require.Len(t, eng, 2)
	assert.Equal(t, "eng-src", eng[1].SourceKey)

	limited, err := s.Recent(ctx, "", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestStore_ReopenKeepsEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Record(context.Background(), change(model.ChangeAdded, "eng", "Offsite"), t0))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Recent(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestDeliverer_RecordsOnlyChanges(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	d := NewDeliverer(s)
	ctx := context.Background()
	require.NoError(t, d.Deliver(ctx, notify.Message{Kind: notify.KindDigest, Title: "today"}))
	require.NoError(t, d.Deliver(ctx, notify.ChangeMessage(change(model.ChangeAdded, "eng", "Offsite"), time.UTC, t0)))

	got, err := s.Recent(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Offsite", got[0].Title)
}
