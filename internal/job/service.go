package job

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"agency/internal/apperrors"
	"agency/internal/observability"

	"github.com/google/uuid"
)

const maxBatchSize = 1000

// Repository is the subset of the job store used by the Service.
type Repository interface {
	Insert(ctx context.Context, jobs ...*Job) error
	Get(ctx context.Context, id string) (*Job, error)
	History(ctx context.Context, id string) ([]HistoryEntry, error)
	List(ctx context.Context, f Filter) ([]Job, error)
	RequestCancel(ctx context.Context, id string) (*Job, error)
	CancelBatch(ctx context.Context, batchID string) ([]Job, error)
}

// Announcer publishes jobs that reached a terminal state.
type Announcer interface {
	Announce(ctx context.Context, jobs ...Job)
}

// Service validates submissions and exposes status and cancellation.
//
// The Service holds no scheduling state: jobs are written to the store at
// created and every later decision is taken by the scheduler and supervisors
// from the stored state.
type Service struct {
	repo               Repository
	metrics            *observability.Metrics
	defaultMaxAttempts int
	announcer          Announcer
}

// NewService creates a new job service.
func NewService(repo Repository, metrics *observability.Metrics, defaultMaxAttempts int) *Service {
	if defaultMaxAttempts <= 0 {
		defaultMaxAttempts = DefaultMaxAttempts
	}
	return &Service{
		repo:               repo,
		metrics:            metrics,
		defaultMaxAttempts: defaultMaxAttempts,
	}
}

// SetAnnouncer makes the service announce jobs its cancellations finish.
func (s *Service) SetAnnouncer(a Announcer) {
	s.announcer = a
}

func (s *Service) announce(ctx context.Context, jobs []Job) {
	if s.announcer == nil {
		return
	}
	var done []Job
	for _, j := range jobs {
		if j.State.Terminal() {
			done = append(done, j)
		}
	}
	if len(done) > 0 {
		s.announcer.Announce(ctx, done...)
	}
}

// SubmitRequest is a batch of pre-resolved manifests.
type SubmitRequest struct {
	BatchID     string       `json:"batchId,omitempty"`
	MaxAttempts int          `json:"maxAttempts,omitempty"`
	Jobs        []JobRequest `json:"jobs"`
}

// JobRequest is one job of a batch submission.
type JobRequest struct {
	ID          string   `json:"id,omitempty"`
	Manifest    Manifest `json:"manifest"`
	MaxAttempts int      `json:"maxAttempts,omitempty"`
}

// SubmitResponse is returned once a batch is stored.
type SubmitResponse struct {
	BatchID string   `json:"batchId"`
	JobIDs  []string `json:"jobIds"`
	State   State    `json:"state"`
}

// Status is a job with its history.
type Status struct {
	Job
	History []HistoryEntry `json:"history"`
}

// ListResponse represents the response for listing jobs
type ListResponse struct {
	Jobs []Job `json:"jobs"`
}

// Submit validates a batch and stores its jobs at created.
// Note: This method applies defaults to the manifests before validation.
func (s *Service) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error) {
	if len(req.Jobs) == 0 {
		return nil, apperrors.Validation("jobs", "at least one job is required")
	}
	if len(req.Jobs) > maxBatchSize {
		return nil, apperrors.Validation("jobs", fmt.Sprintf("batch exceeds maximum of %d jobs", maxBatchSize))
	}

	batchID := req.BatchID
	if batchID == "" {
		batchID = uuid.NewString()
	}
	if err := ValidateID("batchId", batchID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	jobs := make([]*Job, 0, len(req.Jobs))
	ids := make([]string, 0, len(req.Jobs))
	seen := make(map[string]bool, len(req.Jobs))
	for i := range req.Jobs {
		jr := &req.Jobs[i]
		if jr.ID == "" {
			jr.ID = uuid.NewString()
		}
		if err := ValidateID(fmt.Sprintf("jobs[%d].id", i), jr.ID); err != nil {
			return nil, err
		}
		if seen[jr.ID] {
			return nil, apperrors.Validation(fmt.Sprintf("jobs[%d].id", i), fmt.Sprintf("duplicate job id %q", jr.ID))
		}
		seen[jr.ID] = true

		jr.Manifest.ApplyDefaults()
		if err := jr.Manifest.Validate(); err != nil {
			return nil, fmt.Errorf("jobs[%d]: %w", i, err)
		}

		attempts := jr.MaxAttempts
		if attempts == 0 {
			attempts = req.MaxAttempts
		}
		if attempts == 0 {
			attempts = s.defaultMaxAttempts
		}
		if err := ValidateMaxAttempts(attempts); err != nil {
			return nil, err
		}

		jobs = append(jobs, &Job{
			ID:          jr.ID,
			BatchID:     batchID,
			Manifest:    jr.Manifest,
			State:       StateCreated,
			MaxAttempts: attempts,
			SubmittedAt: now,
			UpdatedAt:   now,
		})
		ids = append(ids, jr.ID)
	}

	if err := s.repo.Insert(ctx, jobs...); err != nil {
		slog.Error("Batch submission failed", "batchId", batchID, "error", err)
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RecordJobsSubmitted(ctx, len(jobs))
	}
	slog.Info("Batch submitted", "batchId", batchID, "jobs", len(jobs))

	return &SubmitResponse{BatchID: batchID, JobIDs: ids, State: StateCreated}, nil
}

// Get returns a job and its history.
func (s *Service) Get(ctx context.Context, jobID string) (*Status, error) {
	j, err := s.repo.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	history, err := s.repo.History(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &Status{Job: *j, History: history}, nil
}

// List returns jobs matching the filter.
func (s *Service) List(ctx context.Context, f Filter) (*ListResponse, error) {
	jobs, err := s.repo.List(ctx, f)
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []Job{}
	}
	return &ListResponse{Jobs: jobs}, nil
}

// Batch returns the aggregate state of a batch.
func (s *Service) Batch(ctx context.Context, batchID string) (*BatchSummary, error) {
	jobs, err := s.repo.List(ctx, Filter{BatchID: batchID})
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, apperrors.NotFound("batch", batchID)
	}
	summary := Summarize(batchID, jobs)
	return &summary, nil
}

// Cancel requests cancellation of a job.
func (s *Service) Cancel(ctx context.Context, jobID string) (*Job, error) {
	logger := slog.With("jobId", jobID)
	j, err := s.repo.RequestCancel(ctx, jobID)
	if err != nil {
		logger.Warn("Job cancellation failed", "error", err)
		return nil, err
	}
	logger.Info("Job cancellation requested", "state", j.State)
	s.announce(ctx, []Job{*j})
	return j, nil
}

// CancelBatch requests cancellation of every non-terminal job of a batch.
func (s *Service) CancelBatch(ctx context.Context, batchID string) (int, error) {
	changed, err := s.repo.CancelBatch(ctx, batchID)
	s.announce(ctx, changed)
	if err != nil {
		slog.Warn("Batch cancellation failed", "batchId", batchID, "error", err)
		return len(changed), err
	}
	slog.Info("Batch cancellation requested", "batchId", batchID, "jobs", len(changed))
	return len(changed), nil
}
