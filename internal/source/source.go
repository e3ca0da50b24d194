// Package source defines the calendar source abstraction and the fetch
// error taxonomy shared by the feed and API implementations.
package source

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"calwatch/internal/model"
)

// Kind classifies a fetch failure.
type Kind string

const (
	KindNetwork Kind = "network"
	KindAuth    Kind = "auth"
	KindParse   Kind = "parsing"
	KindServer  Kind = "server"
)

// FetchError is returned by Source.Fetch on failure.
type FetchError struct {
	Kind   Kind
	Source string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %s error: %v", e.Source, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Errorf builds a FetchError of the given kind.
func Errorf(kind Kind, src string, format string, args ...any) *FetchError {
	return &FetchError{Kind: kind, Source: src, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind to err. If err already is a FetchError it is returned
// unchanged.
func Wrap(kind Kind, src string, err error) error {
	if err == nil {
		return nil
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return err
	}
	return &FetchError{Kind: kind, Source: src, Err: err}
}

// KindOf classifies err. FetchErrors carry their own kind; timeouts,
// cancellations and net errors are network failures; anything else is
// treated as a server-side failure.
func KindOf(err error) Kind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindNetwork
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindNetwork
	}
	return KindServer
}

// KindForStatus maps a non-2xx HTTP status to a failure kind.
func KindForStatus(code int) Kind {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindAuth
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return KindNetwork
	default:
		return KindServer
	}
}

// Batch is the normalized result of one successful fetch.
type Batch struct {
	Events []model.Event
	// Malformed counts records that could not be normalized and were skipped.
	Malformed int
	// Window is the range the fetch was limited to; zero when unbounded.
	Window model.Window
}

// Source is one configured calendar endpoint.
type Source interface {
	// Key uniquely identifies the source; it keys snapshots and breakers.
	Key() string
	// Tag is the group the source feeds into.
	Tag() string
	// Name is a human-friendly label.
	Name() string
	// Fetch retrieves and normalizes the source's events. Errors should be
	// *FetchError so they can be classified.
	Fetch(ctx context.Context) (Batch, error)
}
