// Package notify delivers confirmed changes and digests to their
// destinations.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	appLog "calwatch/internal/log"
	"calwatch/internal/model"
)

// Kind distinguishes message types.
type Kind string

const (
	KindChange Kind = "change"
	KindDigest Kind = "digest"
	KindAlert  Kind = "alert"
)

// ErrClosed is returned by Publish once the dispatcher has stopped.
var ErrClosed = errors.New("dispatcher closed")

// Message is one unit of delivery.
type Message struct {
	Kind      Kind      `json:"kind"`
	Tag       string    `json:"tag,omitempty"`
	Title     string    `json:"title"`
	Lines     []string  `json:"lines,omitempty"`
	CreatedAt time.Time `json:"created_at"`

	// Change is set for KindChange.
	Change *model.ChangeRecord `json:"change,omitempty"`
}

// Text renders the message as markdown.
func (m Message) Text() string {
	var b strings.Builder
	b.WriteString(m.Title)
	for _, l := range m.Lines {
		b.WriteByte('\n')
		b.WriteString(l)
	}
	return b.String()
}

// ChangeMessage builds the message announcing a confirmed change.
func ChangeMessage(c model.ChangeRecord, loc *time.Location, now time.Time) Message {
	subj := c.Subject()
	var verb string
	switch c.Kind {
	case model.ChangeAdded:
		verb = "New event"
	case model.ChangeRemoved:
		verb = "Event removed"
	default:
		verb = "Event changed"
	}
	cp := c
	return Message{
		Kind:      KindChange,
		Tag:       c.Tag,
		Title:     fmt.Sprintf("**%s**: %s", verb, orUntitled(subj.Title)),
		Lines:     []string{FormatChange(c, loc)},
		CreatedAt: now,
		Change:    &cp,
	}
}

// Deliverer sends a message somewhere.
type Deliverer interface {
	Name() string
	Deliver(ctx context.Context, m Message) error
}

// Dispatcher drains confirmed changes and published messages in its own
// goroutine and hands each to every deliverer in turn.
type Dispatcher struct {
	in         chan Message
	deliverers []Deliverer
	loc        *time.Location
	timeout    time.Duration
	now        func() time.Time

	closeOnce sync.Once
	done      chan struct{}
}

// NewDispatcher constructs a Dispatcher with a buffer of the given size.
func NewDispatcher(buffer int, loc *time.Location, ds ...Deliverer) *Dispatcher {
	if buffer <= 0 {
		buffer = 64
	}
	if loc == nil {
		loc = time.Local
	}
	return &Dispatcher{
		in:         make(chan Message, buffer),
		deliverers: ds,
		loc:        loc,
		timeout:    10 * time.Second,
		now:        time.Now,
		done:       make(chan struct{}),
	}
}

// Publish queues m for delivery, waiting for buffer space until ctx ends.
func (d *Dispatcher) Publish(ctx context.Context, m Message) error {
	select {
	case <-d.done:
		return ErrClosed
	default:
	}
	select {
	case d.in <- m:
		return nil
	case <-d.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPublish queues m without waiting. It reports false if the buffer is
// full or the dispatcher has stopped.
func (d *Dispatcher) TryPublish(m Message) bool {
	select {
	case <-d.done:
		return false
	default:
	}
	select {
	case d.in <- m:
		return true
	default:
		appLog.Warn("notification dropped, queue full", "kind", m.Kind, "tag", m.Tag)
		return false
	}
}

// Done is closed once Run has returned.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Run delivers until ctx is canceled. changes may be nil. Messages still
// buffered at cancellation are delivered before Run returns.
func (d *Dispatcher) Run(ctx context.Context, changes <-chan model.ChangeRecord) {
	defer d.closeOnce.Do(func() { close(d.done) })

	for {
		select {
		case <-ctx.Done():
			d.flush(changes)
			return
		case c, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			d.deliver(ChangeMessage(c, d.loc, d.now()))
		case m := <-d.in:
			d.deliver(m)
		}
	}
}

func (d *Dispatcher) flush(changes <-chan model.ChangeRecord) {
	for {
		select {
		case c, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			d.deliver(ChangeMessage(c, d.loc, d.now()))
		case m := <-d.in:
			d.deliver(m)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(m Message) {
	for _, dl := range d.deliverers {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := dl.Deliver(ctx, m)
		cancel()
		if err != nil {
			appLog.Error("message delivery failed", err, "deliverer", dl.Name(), "kind", m.Kind, "tag", m.Tag)
		}
	}
}

// LogDeliverer writes every message to the application log.
type LogDeliverer struct{}

func (LogDeliverer) Name() string { return "log" }

func (LogDeliverer) Deliver(_ context.Context, m Message) error {
	appLog.Info("notification", "kind", m.Kind, "tag", m.Tag, "title", m.Title, "lines", len(m.Lines))
	for _, l := range m.Lines {
		appLog.Debug("notification line", "tag", m.Tag, "text", l)
	}
	return nil
}

// WebhookDeliverer POSTs {"content": "..."} to a chat-style webhook.
type WebhookDeliverer struct {
	url    string
	client *http.Client
}

// NewWebhookDeliverer constructs a webhook deliverer. client may be nil.
func NewWebhookDeliverer(url string, client *http.Client) *WebhookDeliverer {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookDeliverer{url: url, client: client}
}

func (w *WebhookDeliverer) Name() string { return "webhook" }

type webhookPayload struct {
	Content string `json:"content"`
}

func (w *WebhookDeliverer) Deliver(ctx context.Context, m Message) error {
	body, err := json.Marshal(webhookPayload{Content: truncate(m.Text(), maxContentRunes)})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "calwatch/1.0")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook post: unexpected status %d", resp.StatusCode)
	}
	return nil
}
