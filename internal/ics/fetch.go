package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	appLog "calwatch/internal/log"
	"calwatch/internal/source"
)

const defaultParsedCacheSize = 64

// FetcherOptions configures a Fetcher.
type FetcherOptions struct {
	// CacheDir is the base directory for per-URL body/metadata caches.
	CacheDir string
	// Retries is the number of extra attempts after a network error.
	Retries int
	// RetryBackoff is multiplied by the attempt number between retries.
	RetryBackoff time.Duration
	// Client overrides the HTTP client; timeouts come from the caller's ctx.
	Client *http.Client
}

// cacheEntry holds HTTP cache metadata for a single ICS URL.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// parsedBody is a memoized parse result for one ICS payload.
type parsedBody struct {
	events    []ParsedEvent
	malformed int
}

// Fetcher fetches ICS feeds with HTTP caching (ETag / Last-Modified) and a
// disk-backed body cache. Unlike a display client it never falls back to a
// stale body on error: failures must reach the breaker.
type Fetcher struct {
	client       *http.Client
	cacheDir     string
	retries      int
	retryBackoff time.Duration

	// parsed memoizes ParseICS results keyed by body digest, so a 304 or an
	// unchanged feed is not re-parsed every cycle.
	parsed *lru.Cache[string, parsedBody]
}

// NewFetcher creates a new ICS Fetcher.
func NewFetcher(opts FetcherOptions) *Fetcher {
	if opts.CacheDir == "" {
		// Fallback to a relative dir so development runs without root.
		opts.CacheDir = "./var/ics-cache"
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	// Size is a positive constant, New cannot fail.
	parsed, _ := lru.New[string, parsedBody](defaultParsedCacheSize)
	return &Fetcher{
		client:       client,
		cacheDir:     opts.CacheDir,
		retries:      opts.Retries,
		retryBackoff: opts.RetryBackoff,
		parsed:       parsed,
	}
}

// FetchOne fetches a single feed body, retrying transient network errors.
// Returned errors are *source.FetchError.
func (f *Fetcher) FetchOne(ctx context.Context, id, url string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= f.retries; attempt++ {
		if attempt > 0 {
			wait := f.retryBackoff * time.Duration(attempt)
			appLog.Debug("ics fetch retry", "id", id, "attempt", attempt, "wait", wait)
			select {
			case <-ctx.Done():
				return nil, source.Wrap(source.KindNetwork, id, ctx.Err())
			case <-time.After(wait):
			}
		}

		body, err := f.fetchOnce(ctx, id, url)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if source.KindOf(err) != source.KindNetwork || ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (f *Fetcher) fetchOnce(ctx context.Context, id, url string) ([]byte, error) {
	if url == "" {
		return nil, source.Errorf(source.KindServer, id, "source URL is empty")
	}

	cachePath, err := f.cachePathForURL(url)
	if err != nil {
		return nil, source.Wrap(source.KindServer, id, err)
	}
	if err := os.MkdirAll(cachePath, 0o700); err != nil {
		return nil, source.Wrap(source.KindServer, id, err)
	}

	meta, _ := f.loadCacheMeta(cachePath)
	cachedBody, _ := f.loadCacheBody(cachePath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, source.Wrap(source.KindServer, id, err)
	}

	// Conditional headers only make sense if we still hold the body.
	if len(cachedBody) > 0 {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	appLog.Debug("ics fetch start", "id", id, "url", redactURL(url))

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, source.Wrap(source.KindNetwork, id, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return nil, source.Wrap(source.KindNetwork, id, readErr)
		}

		newMeta := cacheEntry{
			URL:          url,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		}
		if err := f.saveCache(cachePath, newMeta, body); err != nil {
			// Log but still return the freshly fetched body.
			appLog.Error("ics cache save failed", err, "id", id, "url", redactURL(url))
		}

		appLog.Debug("ics fetch success", "id", id, "url", redactURL(url), "bytes", len(body))
		return body, nil

	case resp.StatusCode == http.StatusNotModified:
		if len(cachedBody) == 0 {
			return nil, source.Errorf(source.KindServer, id, "received 304 Not Modified but no cached body available")
		}
		appLog.Debug("ics fetch not modified; using cache", "id", id, "url", redactURL(url))
		return cachedBody, nil

	default:
		return nil, &source.FetchError{
			Kind:   source.KindForStatus(resp.StatusCode),
			Source: id,
			Err:    fmt.Errorf("unexpected status %s", resp.Status),
		}
	}
}

// parse returns the (memoized) parse result for body.
func (f *Fetcher) parse(id, url string, body []byte) (parsedBody, error) {
	sum := sha256.Sum256(body)
	key := hex.EncodeToString(sum[:])
	if pb, ok := f.parsed.Get(key); ok {
		return pb, nil
	}

	events, malformed, err := ParseICS(id, url, body)
	if err != nil {
		return parsedBody{}, source.Wrap(source.KindParse, id, err)
	}
	pb := parsedBody{events: events, malformed: malformed}
	f.parsed.Add(key, pb)
	return pb, nil
}

func (f *Fetcher) cachePathForURL(url string) (string, error) {
	if url == "" {
		return "", errors.New("empty url")
	}
	sum := sha256.Sum256([]byte(url))
	// Use first 16 hex chars as directory name.
	dir := hex.EncodeToString(sum[:8])
	return filepath.Join(f.cacheDir, dir), nil
}

func (f *Fetcher) loadCacheMeta(cachePath string) (cacheEntry, error) {
	var meta cacheEntry
	data, err := os.ReadFile(filepath.Join(cachePath, "meta.json"))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return cacheEntry{}, err
	}
	return meta, nil
}

func (f *Fetcher) loadCacheBody(cachePath string) ([]byte, error) {
	return os.ReadFile(filepath.Join(cachePath, "body.ics"))
}

func (f *Fetcher) saveCache(cachePath string, meta cacheEntry, body []byte) error {
	// Write body first so meta never points at missing body.
	if err := os.WriteFile(filepath.Join(cachePath, "body.ics"), body, 0o600); err != nil {
		return err
	}

	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(cachePath, "meta.json"), data, 0o600)
}

// redactURL hides sensitive parts of an ICS URL for logging purposes.
//
//	https://example.com/path/to/private.ics?token=abcd
//	-> https://example.com/...(redacted)
func redactURL(u string) string {
	const redactedSuffix = "/...(redacted)"

	i := -1
	for idx := 0; idx+2 < len(u); idx++ {
		if u[idx:idx+3] == "://" {
			i = idx + 3
			break
		}
	}
	if i == -1 {
		return "ics://...(redacted)"
	}

	j := i
	for j < len(u) && u[j] != '/' {
		j++
	}
	return u[:j] + redactedSuffix
}
