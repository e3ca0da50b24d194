// Package snapshot holds the last confirmed set of fingerprinted events per
// source and persists it across restarts.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"calwatch/internal/fingerprint"
	appLog "calwatch/internal/log"
	"calwatch/internal/model"
)

// ErrPersistence marks snapshot load/save failures.
var ErrPersistence = errors.New("snapshot persistence error")

const fileVersion = 1

// fileFormat is the on-disk layout:
//
//	{"version":1,"sources":{"<sourceKey>":{"tag":..,"events":[{"fp":..,"event":{..}}]}}}
type fileFormat struct {
	Version int                    `json:"version"`
	Sources map[string]sourceEntry `json:"sources"`
}

type sourceEntry struct {
	Tag       string        `json:"tag"`
	UpdatedAt time.Time     `json:"updated_at"`
	Window    model.Window  `json:"window,omitzero"`
	Events    []storedEvent `json:"events"`
}

type storedEvent struct {
	FP    model.Fingerprint `json:"fp"`
	Event model.Event       `json:"event"`
}

type baseline struct {
	tag       string
	updatedAt time.Time
	window    model.Window
	set       fingerprint.Set
}

// Store is the single owner of confirmed baselines. It is safe for
// concurrent use; writes to disk are serialized.
type Store struct {
	path string

	mu      sync.RWMutex
	sources map[string]*baseline
	loaded  bool

	// writeFile is swapped in tests to simulate disk failures.
	writeFile func(path string, data []byte) error
}

// Open loads the store at path. A missing file yields an empty, loaded
// store. An unreadable or corrupt file yields an empty store that reports
// Loaded() == false, together with an error wrapping ErrPersistence; the
// caller may continue with the empty baseline.
func Open(path string) (*Store, error) {
	s := &Store{
		path:      path,
		sources:   make(map[string]*baseline),
		writeFile: writeAtomic,
	}
	if path == "" {
		s.loaded = true
		return s, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.loaded = true
			return s, nil
		}
		return s, fmt.Errorf("%w: read %s: %v", ErrPersistence, path, err)
	}

	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		return s, fmt.Errorf("%w: decode %s: %v", ErrPersistence, path, err)
	}

	for key, ent := range ff.Sources {
		set := make(fingerprint.Set, len(ent.Events))
		for _, se := range ent.Events {
			fp := se.FP
			if fp == "" {
				fp = fingerprint.Compute(se.Event)
			}
			set[fp] = se.Event
		}
		s.sources[key] = &baseline{tag: ent.Tag, updatedAt: ent.UpdatedAt, window: ent.Window, set: set}
	}
	s.loaded = true
	appLog.Info("snapshot loaded", "path", path, "sources", len(s.sources))
	return s, nil
}

// Loaded reports whether the persisted state was read successfully (or did
// not exist yet).
func (s *Store) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded
}

// Get returns a copy of the baseline for key and whether one exists.
func (s *Store) Get(key string) (fingerprint.Set, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.sources[key]
	if !ok {
		return fingerprint.Set{}, false
	}
	out := make(fingerprint.Set, len(b.set))
	for fp, ev := range b.set {
		out[fp] = ev
	}
	return out, true
}

// Events returns the confirmed events of every source in tag, sorted by start.
// An empty tag selects all sources.
func (s *Store) Events(tag string) []model.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Event, 0)
	for _, b := range s.sources {
		if tag != "" && b.tag != tag {
			continue
		}
		for _, ev := range b.set {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].Title < out[j].Title
	})
	return out
}

// Tags returns the distinct tags of stored sources, sorted.
func (s *Store) Tags() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, b := range s.sources {
		seen[b.tag] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Window returns the fetch window the baseline for key was last taken over.
// It is zero when unknown.
func (s *Store) Window(key string) model.Window {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if b, ok := s.sources[key]; ok {
		return b.window
	}
	return model.Window{}
}

// Put replaces the baseline for key and persists the whole store, keeping
// the stored window. The in-memory update always happens; a failed write is
// retried once and then returned as an error wrapping ErrPersistence.
func (s *Store) Put(key, tag string, set fingerprint.Set, now time.Time) error {
	return s.put(key, tag, set, nil, now)
}

// PutWindow is Put that also records the window set was fetched over.
func (s *Store) PutWindow(key, tag string, set fingerprint.Set, win model.Window, now time.Time) error {
	return s.put(key, tag, set, &win, now)
}

func (s *Store) put(key, tag string, set fingerprint.Set, win *model.Window, now time.Time) error {
	cp := make(fingerprint.Set, len(set))
	for fp, ev := range set {
		cp[fp] = ev
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b := &baseline{tag: tag, updatedAt: now, set: cp}
	if win != nil {
		b.window = *win
	} else if prev, ok := s.sources[key]; ok {
		b.window = prev.window
	}
	s.sources[key] = b
	return s.persistLocked()
}

// Delete drops the baseline for key, e.g. after a source was removed from
// the configuration.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sources[key]; !ok {
		return nil
	}
	delete(s.sources, key)
	return s.persistLocked()
}

func (s *Store) persistLocked() error {
	if s.path == "" {
		return nil
	}

	data, err := s.encodeLocked()
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrPersistence, err)
	}

	err = s.writeFile(s.path, data)
	if err != nil {
		appLog.Error("snapshot write failed, retrying", err, "path", s.path)
		err = s.writeFile(s.path, data)
	}
	if err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrPersistence, s.path, err)
	}
	return nil
}

func (s *Store) encodeLocked() ([]byte, error) {
	ff := fileFormat{Version: fileVersion, Sources: make(map[string]sourceEntry, len(s.sources))}
	for key, b := range s.sources {
		events := make([]storedEvent, 0, len(b.set))
		for fp, ev := range b.set {
			events = append(events, storedEvent{FP: fp, Event: ev})
		}
		sort.Slice(events, func(i, j int) bool { return events[i].FP < events[j].FP })
		ff.Sources[key] = sourceEntry{Tag: b.tag, UpdatedAt: b.updatedAt, Window: b.window, Events: events}
	}
	return json.MarshalIndent(&ff, "", "  ")
}

// writeAtomic writes data to a temp file in the target directory and renames
// it over path, so an interrupted write never corrupts the previous state.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".calwatch-snapshot-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
