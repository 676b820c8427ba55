package syncer

import (
	"context"
	"strconv"
)

// Scheduler turns webhook notifications into background sync tasks.
type Scheduler struct {
	dispatcher *Dispatcher
	syncer     *Syncer
}

// NewScheduler binds a dispatcher to a syncer.
func NewScheduler(dispatcher *Dispatcher, syncer *Syncer) *Scheduler {
	return &Scheduler{dispatcher: dispatcher, syncer: syncer}
}

// ScheduleActivity queues fetch, map and merge of one activity.
func (s *Scheduler) ScheduleActivity(id int64) bool {
	return s.dispatcher.TrySubmit("sync-activity-"+strconv.FormatInt(id, 10), func(ctx context.Context) error {
		inserted, err := s.syncer.SyncActivity(ctx, id)
		if err != nil {
			return err
		}
		s.syncer.logger.Info("Webhook activity processed.", "activityID", id, "inserted", inserted)
		return nil
	})
}
