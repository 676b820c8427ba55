package syncer

import (
	"context"
	"fmt"
	"log/slog"

	"stravacal/internal/mapper"
	"stravacal/internal/models"
)

// ActivityFetcher fetches activities from the upstream API.
type ActivityFetcher interface {
	FetchActivity(ctx context.Context, id int64) (models.ActivityRecord, error)
	FetchActivities(ctx context.Context, perPage int) ([]models.ActivityRecord, error)
}

// EntryStore merges calendar entries idempotently.
type EntryStore interface {
	Merge(entry models.CalendarEntry, storeID string) (bool, error)
}

// EntryPublisher mirrors inserted entries to an external calendar.
type EntryPublisher interface {
	Publish(ctx context.Context, entry models.CalendarEntry) error
}

// RebuildResult summarizes a rebuild run.
type RebuildResult struct {
	Fetched  int `json:"fetched"`
	Inserted int `json:"inserted"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// Syncer orchestrates fetch, map and merge of upstream records into the calendar stores.
type Syncer struct {
	logger    *slog.Logger
	fetcher   ActivityFetcher
	store     EntryStore
	publisher EntryPublisher
	dryRun    bool
}

// NewSyncer creates a new Syncer. publisher may be nil.
func NewSyncer(logger *slog.Logger, fetcher ActivityFetcher, store EntryStore, publisher EntryPublisher, dryRun bool) *Syncer {
	return &Syncer{
		logger:    logger,
		fetcher:   fetcher,
		store:     store,
		publisher: publisher,
		dryRun:    dryRun,
	}
}

// SyncActivity fetches one activity and merges it into the activities store.
func (s *Syncer) SyncActivity(ctx context.Context, id int64) (bool, error) {
	activity, err := s.fetcher.FetchActivity(ctx, id)
	if err != nil {
		return false, err
	}
	return s.mergeActivity(ctx, activity)
}

// AddSleep merges a sleep record into the sleep store.
func (s *Syncer) AddSleep(ctx context.Context, record models.SleepRecord) (bool, error) {
	entry, err := mapper.MapSleep(record)
	if err != nil {
		return false, err
	}
	return s.merge(ctx, entry, models.StoreSleep)
}

// Rebuild re-fetches the most recent activities and merges each one.
// A record that fails to map or merge is counted and skipped.
func (s *Syncer) Rebuild(ctx context.Context, perPage int) (RebuildResult, error) {
	s.logger.Info("Starting rebuild.", "perPage", perPage)

	activities, err := s.fetcher.FetchActivities(ctx, perPage)
	if err != nil {
		return RebuildResult{}, fmt.Errorf("failed to fetch activities: %w", err)
	}

	result := RebuildResult{Fetched: len(activities)}
	for _, activity := range activities {
		inserted, err := s.mergeActivity(ctx, activity)
		switch {
		case err != nil:
			s.logger.Error("Failed to merge activity", "activityID", activity.ID, "error", err)
			result.Failed++
		case inserted:
			result.Inserted++
		default:
			result.Skipped++
		}
	}

	s.logger.Info("Rebuild finished.", "fetched", result.Fetched, "inserted", result.Inserted, "skipped", result.Skipped, "failed", result.Failed)
	return result, nil
}

func (s *Syncer) mergeActivity(ctx context.Context, activity models.ActivityRecord) (bool, error) {
	entry, err := mapper.MapActivity(activity)
	if err != nil {
		return false, err
	}
	return s.merge(ctx, entry, models.StoreActivities)
}

func (s *Syncer) merge(ctx context.Context, entry models.CalendarEntry, storeID string) (bool, error) {
	if s.dryRun {
		s.logger.Info("[DRY RUN] Would merge entry", "store", storeID, "uid", entry.UID, "title", entry.Title, "begin", entry.Begin)
		return false, nil
	}

	inserted, err := s.store.Merge(entry, storeID)
	if err != nil {
		return false, fmt.Errorf("failed to merge entry %s into %s: %w", entry.UID, storeID, err)
	}
	if inserted && s.publisher != nil {
		// The local store is authoritative; mirror failures are only logged.
		if err := s.publisher.Publish(ctx, entry); err != nil {
			s.logger.Error("Failed to mirror entry to CalDAV", "store", storeID, "uid", entry.UID, "error", err)
		}
	}
	return inserted, nil
}
