package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"calwatch/internal/breaker"
	"calwatch/internal/config"
	"calwatch/internal/digest"
	"calwatch/internal/health"
	"calwatch/internal/history"
	appLog "calwatch/internal/log"
	"calwatch/internal/monitor"
	"calwatch/internal/notify"
	"calwatch/internal/scheduler"
	"calwatch/internal/snapshot"
	"calwatch/internal/verify"
	"calwatch/internal/web"
)

// app holds the wired components of one running instance.
type app struct {
	cfg *config.Config
	loc *time.Location

	store      *snapshot.Store
	breakers   *breaker.Registry
	health     *health.Aggregator
	verifier   *verify.Verifier
	builder    *monitor.Builder
	monitor    *monitor.Monitor
	history    *history.Store
	dispatcher *notify.Dispatcher
	digests    *digest.Builder
	scheduler  *scheduler.Scheduler
}

// newApp wires every component from cfg. ctx must outlive the app: the
// Google client keeps using it for token refreshes.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, loc: cfg.Location()}

	store, snapErr := snapshot.Open(cfg.SnapshotPath())
	if snapErr != nil {
		// Start from an empty baseline; the first cycle announces what exists.
		appLog.Warn("snapshot could not be loaded, starting from an empty baseline",
			"path", cfg.SnapshotPath(), "error", snapErr.Error())
	}
	a.store = store

	a.breakers = breaker.NewRegistry(breaker.Config{
		Threshold:      cfg.Breaker.Threshold,
		BackoffFloor:   cfg.Breaker.BackoffFloor,
		BackoffCeiling: cfg.Breaker.BackoffCeiling,
	})
	a.health = health.NewAggregator(a.breakers, health.Thresholds{
		Healthy:  cfg.Health.HealthyRate,
		Degraded: cfg.Health.DegradedRate,
	}, nil)
	if snapErr != nil {
		a.health.RecordPersistenceFailure()
	}

	a.verifier = verify.New(verify.Config{
		Delay:      cfg.Verification.Delay,
		MaxRetries: cfg.Verification.MaxRetries,
		Buffer:     cfg.Notify.Buffer,
	}, store, a.health, nil)

	a.builder = monitor.NewBuilder(cfg, nil)
	a.monitor = monitor.New(monitor.Options{
		FetchTimeout:       cfg.Fetch.Timeout,
		Concurrency:        cfg.Fetch.Concurrency,
		AnnounceNewSources: cfg.Verification.AnnounceNewSources,
	}, a.breakers, a.health, a.verifier, store)

	srcs, err := a.builder.Build(ctx, cfg.Sources)
	if err != nil {
		appLog.Error("some sources could not be built", err)
	}
	a.monitor.SetSources(srcs)

	deliverers := []notify.Deliverer{notify.LogDeliverer{}}
	if cfg.Notify.WebhookURL != "" {
		deliverers = append(deliverers, notify.NewWebhookDeliverer(cfg.Notify.WebhookURL, nil))
	}
	hist, err := history.Open(filepath.Join(cfg.StateDir, "history.db"))
	if err != nil {
		appLog.Error("change history disabled", err)
	} else {
		a.history = hist
		deliverers = append(deliverers, history.NewDeliverer(hist))
	}
	a.dispatcher = notify.NewDispatcher(cfg.Notify.Buffer, a.loc, deliverers...)

	a.breakers.OnOpen(func(st breaker.Status) {
		a.dispatcher.TryPublish(notify.Message{
			Kind:  notify.KindAlert,
			Title: fmt.Sprintf("**Source unavailable**: %s", st.SourceKey),
			Lines: []string{fmt.Sprintf("%d consecutive failures; next retry %s",
				st.ConsecutiveFailures, st.NextRetryAt.In(a.loc).Format("Mon Jan 2 15:04"))},
			CreatedAt: st.LastFailureAt,
		})
	})

	a.digests = digest.NewBuilder(store, a.loc, nil)
	a.scheduler = scheduler.New(a.loc)
	if err := a.schedule(); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// errAllFailed marks a poll cycle in which no source could be fetched.
var errAllFailed = errors.New("every polled source failed")

func (a *app) schedule() error {
	s := a.cfg.Schedule
	tasks := []struct {
		name, spec string
		job        scheduler.Job
	}{
		{"poll", s.Poll, func(ctx context.Context) error {
			rep := a.monitor.Poll(ctx)
			if rep.Polled > 0 && rep.Failed == rep.Polled {
				return errAllFailed
			}
			return nil
		}},
		{"verify", s.Verify, func(ctx context.Context) error {
			a.monitor.Verify(ctx)
			return nil
		}},
		{"health_log", s.HealthLog, func(context.Context) error {
			a.health.LogSummary()
			return nil
		}},
		{"daily_digest", s.Daily, digest.DailyJob(a.digests, a.dispatcher)},
		{"weekly_digest", s.Weekly, digest.WeeklyJob(a.digests, a.dispatcher)},
	}
	for _, t := range tasks {
		if err := a.scheduler.Add(t.name, t.spec, t.job); err != nil {
			return err
		}
	}
	return nil
}

// reload swaps the source list after a config change.
func (a *app) reload(ctx context.Context, cfg *config.Config) {
	srcs, err := a.builder.Build(ctx, cfg.Sources)
	if err != nil {
		appLog.Error("some sources could not be built on reload", err)
	}
	a.monitor.SetSources(srcs)
}

// publishHeld hands changes confirmed during shutdown, but never delivered
// to the dispatcher, back to it. Their baseline is already updated, so this
// is their only announcement.
func (a *app) publishHeld(ctx context.Context) {
	for _, c := range a.verifier.Undelivered() {
		if err := a.dispatcher.Publish(ctx, notify.ChangeMessage(c, a.loc, time.Now())); err != nil {
			appLog.Error("confirmed change lost at shutdown", err,
				"source", c.SourceKey, "title", c.Subject().Title)
		}
	}
}

func (a *app) server() *web.Server {
	return web.NewServer(a.cfg, web.Deps{
		Health:    a.health,
		Verifier:  a.verifier,
		Monitor:   a.monitor,
		Snapshot:  a.store,
		Scheduler: a.scheduler,
		History:   a.history,
	})
}

func (a *app) close() {
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			appLog.Error("failed to close history", err)
		}
	}
}
