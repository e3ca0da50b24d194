// Package gcal implements a calendar source backed by the Google Calendar API.
package gcal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	appLog "calwatch/internal/log"
	"calwatch/internal/model"
	"calwatch/internal/source"
)

// Client wraps an authenticated Calendar API service. One client is shared
// by every Google source.
type Client struct {
	service *calendar.Service
}

// NewClient creates a client from a service-account credentials file.
func NewClient(ctx context.Context, credentialsFile string) (*Client, error) {
	if credentialsFile == "" {
		return nil, errors.New("google credentials file is not configured")
	}
	data, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read google credentials: %w", err)
	}
	creds, err := google.CredentialsFromJSON(ctx, data, calendar.CalendarReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("parse google credentials: %w", err)
	}
	service, err := calendar.NewService(ctx, option.WithCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return &Client{service: service}, nil
}

// NewClientWithHTTP creates a client that talks to endpoint through hc
// without adding credentials; used against test servers and proxies.
func NewClientWithHTTP(ctx context.Context, hc *http.Client, endpoint string) (*Client, error) {
	service, err := calendar.NewService(ctx, option.WithHTTPClient(hc), option.WithEndpoint(endpoint))
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return &Client{service: service}, nil
}

// Window returns the [start, end] range to list events for.
type Window func() (time.Time, time.Time)

// Source is a source.Source backed by one Google calendar.
type Source struct {
	client     *Client
	id         string
	name       string
	tag        string
	calendarID string
	window     Window
	loc        *time.Location
}

var _ source.Source = (*Source)(nil)

// NewSource constructs a Google Calendar source.
func NewSource(client *Client, id, name, tag, calendarID string, window Window, loc *time.Location) *Source {
	if name == "" {
		name = id
	}
	if loc == nil {
		loc = time.Local
	}
	return &Source{
		client:     client,
		id:         id,
		name:       name,
		tag:        tag,
		calendarID: calendarID,
		window:     window,
		loc:        loc,
	}
}

func (s *Source) Key() string  { return s.id }
func (s *Source) Tag() string  { return s.tag }
func (s *Source) Name() string { return s.name }

// Fetch lists single (expanded) events of the calendar within the window.
func (s *Source) Fetch(ctx context.Context) (source.Batch, error) {
	start, end := s.window()

	batch := source.Batch{Window: model.Window{From: start, To: end}}
	call := s.client.service.Events.List(s.calendarID).
		ShowDeleted(false).
		SingleEvents(true).
		TimeMin(start.UTC().Format(time.RFC3339)).
		TimeMax(end.UTC().Format(time.RFC3339)).
		OrderBy("startTime").
		MaxResults(250)

	err := call.Pages(ctx, func(page *calendar.Events) error {
		for _, item := range page.Items {
			ev, ok := s.toEvent(item)
			if !ok {
				batch.Malformed++
				continue
			}
			batch.Events = append(batch.Events, ev)
		}
		return nil
	})
	if err != nil {
		return source.Batch{}, classify(s.id, err)
	}

	appLog.Debug("google events fetched", "source", s.id, "count", len(batch.Events), "malformed", batch.Malformed)
	return batch, nil
}

// toEvent converts an API event. Events without a usable start are reported
// as malformed.
func (s *Source) toEvent(item *calendar.Event) (model.Event, bool) {
	if item == nil || item.Start == nil || item.Status == "cancelled" {
		return model.Event{}, false
	}

	ev := model.Event{
		ID:        item.Id,
		Title:     item.Summary,
		Location:  item.Location,
		Tag:       s.tag,
		SourceKey: s.id,
	}

	switch {
	case item.Start.DateTime != "":
		st, err := time.Parse(time.RFC3339, item.Start.DateTime)
		if err != nil {
			return model.Event{}, false
		}
		ev.Start = st.In(s.loc)
		ev.End = ev.Start
		if item.End != nil && item.End.DateTime != "" {
			if et, err := time.Parse(time.RFC3339, item.End.DateTime); err == nil {
				ev.End = et.In(s.loc)
			}
		}
	case item.Start.Date != "":
		st, err := time.ParseInLocation("2006-01-02", item.Start.Date, s.loc)
		if err != nil {
			return model.Event{}, false
		}
		ev.AllDay = true
		ev.Start = st
		ev.End = st.AddDate(0, 0, 1)
		if item.End != nil && item.End.Date != "" {
			if et, err := time.ParseInLocation("2006-01-02", item.End.Date, s.loc); err == nil {
				ev.End = et
			}
		}
	default:
		return model.Event{}, false
	}
	return ev, true
}

// classify maps API errors onto fetch error kinds.
func classify(id string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return &source.FetchError{Kind: source.KindForStatus(gerr.Code), Source: id, Err: err}
	}
	var syn *json.SyntaxError
	var typ *json.UnmarshalTypeError
	if errors.As(err, &syn) || errors.As(err, &typ) || errors.Is(err, io.ErrUnexpectedEOF) {
		return source.Wrap(source.KindParse, id, err)
	}
	return source.Wrap(source.KindOf(err), id, err)
}
