package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"calwatch/internal/config"
	"calwatch/internal/gcal"
	"calwatch/internal/ics"
	"calwatch/internal/source"
)

// Builder turns source configs into sources. The ICS fetcher (and its
// caches) and the Google client are shared across rebuilds.
type Builder struct {
	loc         *time.Location
	pastDays    int
	futureDays  int
	credentials string
	now         func() time.Time

	fetcher *ics.Fetcher

	googleMu sync.Mutex
	google   *gcal.Client
}

// NewBuilder constructs a Builder from cfg. now may be nil.
func NewBuilder(cfg *config.Config, now func() time.Time) *Builder {
	if now == nil {
		now = time.Now
	}
	return &Builder{
		loc:         cfg.Location(),
		pastDays:    cfg.Window.PastDays,
		futureDays:  cfg.Window.FutureDays,
		credentials: cfg.Google.CredentialsFile,
		now:         now,
		fetcher: ics.NewFetcher(ics.FetcherOptions{
			CacheDir:     cfg.CacheDir(),
			Retries:      cfg.Fetch.Retries,
			RetryBackoff: cfg.Fetch.RetryBackoff,
		}),
	}
}

// Window returns the polling window around today in the configured zone.
func (b *Builder) Window() (time.Time, time.Time) {
	now := b.now().In(b.loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, b.loc)
	return today.AddDate(0, 0, -b.pastDays), today.AddDate(0, 0, b.futureDays+1)
}

// Build constructs sources for cfgs. A source that cannot be built is
// skipped and reported in the joined error; the rest are still returned.
func (b *Builder) Build(ctx context.Context, cfgs []config.SourceConfig) ([]source.Source, error) {
	out := make([]source.Source, 0, len(cfgs))
	var errs []error

	for _, sc := range cfgs {
		switch sc.Type {
		case config.SourceICS:
			if sc.URL == "" {
				errs = append(errs, fmt.Errorf("source %q: missing url", sc.ID))
				continue
			}
			out = append(out, ics.NewFeedSource(sc.ID, sc.Name, sc.Tag, sc.URL, b.fetcher, b.Window, b.loc))

		case config.SourceGoogle:
			client, err := b.googleClient(ctx)
			if err != nil {
				errs = append(errs, fmt.Errorf("source %q: %w", sc.ID, err))
				continue
			}
			out = append(out, gcal.NewSource(client, sc.ID, sc.Name, sc.Tag, sc.CalendarID, b.Window, b.loc))

		default:
			errs = append(errs, fmt.Errorf("source %q: unknown type %q", sc.ID, sc.Type))
		}
	}
	return out, errors.Join(errs...)
}

func (b *Builder) googleClient(ctx context.Context) (*gcal.Client, error) {
	b.googleMu.Lock()
	defer b.googleMu.Unlock()
	if b.google != nil {
		return b.google, nil
	}
	c, err := gcal.NewClient(ctx, b.credentials)
	if err != nil {
		return nil, err
	}
	b.google = c
	return c, nil
}
