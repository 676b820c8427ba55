// Package calendar implements the file-backed calendar stores behind the feeds.
//
// Each store is one iCalendar document on disk. Merge is a read-modify-write of
// the whole document, so every store id has its own mutex held for the full
// load-scan-append-write cycle.
package calendar

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/emersion/go-ical"

	"stravacal/internal/fileutil"
	"stravacal/internal/metrics"
	"stravacal/internal/models"
)

var storeIDPattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// Store is a set of deduplicated, append-only calendar documents under one directory.
type Store struct {
	logger *slog.Logger
	dir    string
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a Store keeping its documents in dir.
func NewStore(logger *slog.Logger, dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("calendar directory is empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create calendar directory: %w", err)
	}
	return &Store{
		logger: logger,
		dir:    dir,
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// Merge inserts entry into the store unless an entry with the same UID already exists.
// It reports whether the entry was inserted; a duplicate is not an error and causes no write.
func (s *Store) Merge(entry models.CalendarEntry, storeID string) (bool, error) {
	if err := validateEntry(entry); err != nil {
		return false, err
	}
	path, err := s.path(storeID)
	if err != nil {
		return false, err
	}

	lock := s.lockFor(storeID)
	lock.Lock()
	defer lock.Unlock()

	cal, err := s.load(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return false, fmt.Errorf("failed to load store %s: %w", storeID, err)
		}
		s.logger.Info("Calendar store not found, creating it.", "store", storeID, "file", path)
		cal = NewDocument()
	}

	if _, exists := EventUIDs(cal)[entry.UID]; exists {
		s.logger.Debug("Entry already present, skipping.", "store", storeID, "uid", entry.UID)
		metrics.RecordMerge(storeID, false)
		return false, nil
	}

	cal.Children = append(cal.Children, EntryComponent(entry, s.now()))
	data, err := Encode(cal)
	if err != nil {
		return false, err
	}
	if err := fileutil.WriteFileAtomic(path, data, 0o644); err != nil {
		return false, fmt.Errorf("failed to persist store %s: %w", storeID, err)
	}

	s.logger.Info("Inserted calendar entry.", "store", storeID, "uid", entry.UID, "title", entry.Title)
	metrics.RecordMerge(storeID, true)
	return true, nil
}

// Read returns the serialized document of storeID.
func (s *Store) Read(storeID string) ([]byte, error) {
	path, err := s.path(storeID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("calendar store %s: %w", storeID, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read store %s: %w", storeID, err)
	}
	return data, nil
}

// Entries decodes every entry of storeID in insertion order.
func (s *Store) Entries(storeID string) ([]models.CalendarEntry, error) {
	data, err := s.Read(storeID)
	if err != nil {
		return nil, err
	}
	cal, err := Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	events := cal.Events()
	entries := make([]models.CalendarEntry, 0, len(events))
	for _, ev := range events {
		entry, err := EntryFromEvent(ev, time.UTC)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *Store) load(path string) (*ical.Calendar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

func (s *Store) lockFor(storeID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[storeID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[storeID] = lock
	}
	return lock
}

func (s *Store) path(storeID string) (string, error) {
	if !storeIDPattern.MatchString(storeID) {
		return "", models.Validationf("invalid store id %q", storeID)
	}
	return filepath.Join(s.dir, storeID+".ics"), nil
}

func validateEntry(entry models.CalendarEntry) error {
	if entry.UID == "" {
		return models.Validationf("calendar entry has no uid")
	}
	if entry.Begin.IsZero() || entry.End.IsZero() {
		return models.Validationf("calendar entry %s has no begin or end", entry.UID)
	}
	if entry.End.Before(entry.Begin) {
		return models.Validationf("calendar entry %s ends before it begins", entry.UID)
	}
	return nil
}
