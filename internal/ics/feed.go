package ics

import (
	"context"
	"time"

	"calwatch/internal/model"
	"calwatch/internal/source"
)

// Window returns the [start, end] range events are expanded into.
type Window func() (time.Time, time.Time)

// FeedSource is a source.Source backed by a downloadable ICS feed.
type FeedSource struct {
	id   string
	name string
	tag  string
	url  string

	fetcher *Fetcher
	window  Window
	loc     *time.Location
}

var _ source.Source = (*FeedSource)(nil)

// NewFeedSource constructs a feed source sharing fetcher with other feeds.
func NewFeedSource(id, name, tag, url string, fetcher *Fetcher, window Window, loc *time.Location) *FeedSource {
	if name == "" {
		name = id
	}
	return &FeedSource{
		id:      id,
		name:    name,
		tag:     tag,
		url:     url,
		fetcher: fetcher,
		window:  window,
		loc:     loc,
	}
}

func (s *FeedSource) Key() string  { return s.id }
func (s *FeedSource) Tag() string  { return s.tag }
func (s *FeedSource) Name() string { return s.name }

// Fetch downloads, parses and expands the feed.
func (s *FeedSource) Fetch(ctx context.Context) (source.Batch, error) {
	body, err := s.fetcher.FetchOne(ctx, s.id, s.url)
	if err != nil {
		return source.Batch{}, err
	}

	pb, err := s.fetcher.parse(s.id, s.url, body)
	if err != nil {
		return source.Batch{}, err
	}

	start, end := s.window()
	res, err := ExpandOccurrences(pb.events, ExpandConfig{
		DisplayLocation: s.loc,
		RangeStart:      start,
		RangeEnd:        end,
	})
	if err != nil {
		return source.Batch{}, source.Wrap(source.KindParse, s.id, err)
	}

	for i := range res.Events {
		res.Events[i].Tag = s.tag
		res.Events[i].SourceKey = s.id
	}
	return source.Batch{
		Events:    res.Events,
		Malformed: pb.malformed,
		Window:    model.Window{From: start, To: end},
	}, nil
}
