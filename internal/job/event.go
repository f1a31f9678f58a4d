package job

import (
	"slices"

	"agency/pkg/cloudevent"

	"github.com/google/uuid"
)

// Event types for lifecycle notifications
const (
	EventTypeJobFinished   = "agency.job.finished"
	EventTypeBatchFinished = "agency.batch.finished"
)

// EventSource is the CloudEvents source attribute for all notifications.
const EventSource = "agency/supervisor"

// FilteredEvents returns true if the event type should be sent based on the filter.
// If the filter is empty, all events are allowed.
func FilteredEvents(eventType string, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	return slices.Contains(filter, eventType)
}

// NewJobFinishedEvent describes a job that reached a terminal state.
func NewJobFinishedEvent(j *Job) *cloudevent.CloudEvent {
	data := map[string]any{
		"jobId":    j.ID,
		"batchId":  j.BatchID,
		"state":    j.State,
		"attempts": j.AttemptCount,
	}
	if j.FailureReason != "" {
		data["reason"] = j.FailureReason
	}
	if len(j.Manifest.Meta) > 0 {
		data["meta"] = j.Manifest.Meta
	}
	return cloudevent.New(EventTypeJobFinished, EventSource, j.ID, uuid.NewString(), data)
}

// NewBatchFinishedEvent describes a batch whose jobs are all terminal.
// The data shape {"batches":[{"batchId","state"}]} is what notification hooks expect.
func NewBatchFinishedEvent(s BatchSummary) *cloudevent.CloudEvent {
	data := map[string]any{
		"batches": []map[string]any{
			{"batchId": s.BatchID, "state": s.State, "total": s.Total},
		},
	}
	return cloudevent.New(EventTypeBatchFinished, EventSource, s.BatchID, uuid.NewString(), data)
}
