package supervisor

import (
	"context"

	"agency/internal/job"
)

// Announce releases the credentials of finished jobs and publishes their
// completion events. A batch event follows for every batch that is now done.
// Jobs that are not terminal are ignored.
func (s *Supervisor) Announce(ctx context.Context, jobs ...job.Job) {
	batches := make(map[string]bool)
	for i := range jobs {
		j := &jobs[i]
		if !j.State.Terminal() {
			continue
		}
		if err := s.mediator.Release(ctx, j.ID); err != nil {
			s.logger.Warn("Failed to release job credentials", "jobId", j.ID, "error", err)
		}
		if err := s.notifier.Notify(job.NewJobFinishedEvent(j)); err != nil {
			s.logger.Warn("Job event not queued", "jobId", j.ID, "error", err)
		}
		if j.BatchID != "" {
			batches[j.BatchID] = true
		}
	}

	for id := range batches {
		all, err := s.store.List(ctx, job.Filter{BatchID: id})
		if err != nil {
			s.logger.Warn("Failed to load batch", "batchId", id, "error", err)
			continue
		}
		summary := job.Summarize(id, all)
		if !summary.Done {
			continue
		}
		s.logger.Info("Batch finished", "batchId", id, "state", summary.State, "jobs", summary.Total)
		if err := s.notifier.Notify(job.NewBatchFinishedEvent(summary)); err != nil {
			s.logger.Warn("Batch event not queued", "batchId", id, "error", err)
		}
	}
}

var _ job.Announcer = (*Supervisor)(nil)
