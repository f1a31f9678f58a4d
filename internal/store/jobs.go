package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"agency/internal/apperrors"
	"agency/internal/job"
)

const jobColumns = `id, batch_id, manifest, state, assigned_node, attempt_count, max_attempts,
	not_before, cancel_requested, failure_reason, container_id, lease_owner, lease_until,
	submitted_at, updated_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*job.Job, error) {
	var (
		j                                         job.Job
		manifest                                  string
		state                                     string
		cancel                                    int
		notBefore, leaseUntil, sub, upd, finished int64
	)
	err := row.Scan(&j.ID, &j.BatchID, &manifest, &state, &j.AssignedNode, &j.AttemptCount, &j.MaxAttempts,
		&notBefore, &cancel, &j.FailureReason, &j.ContainerID, &j.LeaseOwner, &leaseUntil,
		&sub, &upd, &finished)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(manifest), &j.Manifest); err != nil {
		return nil, fmt.Errorf("decode manifest of job %s: %w", j.ID, err)
	}
	j.State = job.State(state)
	j.CancelRequested = cancel != 0
	j.NotBefore = fromMillis(notBefore)
	j.LeaseUntil = fromMillis(leaseUntil)
	j.SubmittedAt = fromMillis(sub)
	j.UpdatedAt = fromMillis(upd)
	j.FinishedAt = fromMillis(finished)
	return &j, nil
}

func (s *Store) queryJobs(ctx context.Context, q queryer, query string, args ...any) ([]job.Job, error) {
	rows, err := q.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func (s *Store) getJob(ctx context.Context, q queryer, id string) (*job.Job, error) {
	row := q.QueryRowContext(ctx, s.rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("job", id)
	}
	return j, err
}

// Insert stores new jobs at created, in one transaction. Jobs inserted
// together keep their argument order for scheduling.
func (s *Store) Insert(ctx context.Context, jobs ...*job.Job) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	now := s.now()
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		for i, j := range jobs {
			manifest, err := json.Marshal(j.Manifest)
			if err != nil {
				return apperrors.Validation("manifest", fmt.Sprintf("job %s: %v", j.ID, err))
			}
			req := j.Manifest.Resources
			_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO jobs (id, batch_id, position, manifest, state, max_attempts,
				req_memory_mb, req_cpu_millis, req_gpus, submitted_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
				j.ID, j.BatchID, i, string(manifest), string(job.StateCreated), j.MaxAttempts,
				req.MemoryMB, req.CPUMillis, req.GPUs, millis(now), millis(now))
			if isUniqueViolation(err) {
				return apperrors.Conflict("job", j.ID, fmt.Sprintf("job %s already exists", j.ID))
			}
			if err != nil {
				return err
			}
			if _, err := s.appendHistory(ctx, tx, j.ID, job.StateCreated, now, job.Detail{Message: "submitted"}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return wrap("store.insert", err)
	}
	for _, j := range jobs {
		j.State = job.StateCreated
		j.SubmittedAt = now
		j.UpdatedAt = now
	}
	return nil
}

// Get returns one job.
func (s *Store) Get(ctx context.Context, id string) (*job.Job, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	j, err := s.getJob(ctx, s.db, id)
	return j, wrap("store.get", err)
}

// List returns jobs matching f in submission order.
func (s *Store) List(ctx context.Context, f job.Filter) ([]job.Job, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var where []string
	var args []any
	if f.BatchID != "" {
		where = append(where, "batch_id = ?")
		args = append(args, f.BatchID)
	}
	if f.Node != "" {
		where = append(where, "assigned_node = ?")
		args = append(args, f.Node)
	}
	if len(f.States) > 0 {
		where = append(where, "state IN ("+placeholders(len(f.States))+")")
		for _, st := range f.States {
			args = append(args, string(st))
		}
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY submitted_at, position, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	jobs, err := s.queryJobs(ctx, s.db, query, args...)
	return jobs, wrap("store.list", err)
}

// History returns a job's history in sequence order.
func (s *Store) History(ctx context.Context, id string) ([]job.HistoryEntry, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	out, err := s.readHistory(ctx, id)
	if err != nil {
		return nil, wrap("store.history", err)
	}
	if len(out) == 0 {
		// distinguish an unknown job from an empty history
		if _, err := s.getJob(ctx, s.db, id); err != nil {
			return nil, wrap("store.history", err)
		}
	}
	return out, nil
}

func (s *Store) readHistory(ctx context.Context, id string) ([]job.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT seq, state, at, detail FROM job_history WHERE job_id = ? ORDER BY seq`), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []job.HistoryEntry
	for rows.Next() {
		var (
			e      job.HistoryEntry
			state  string
			at     int64
			detail string
		)
		if err := rows.Scan(&e.Seq, &state, &at, &detail); err != nil {
			return nil, err
		}
		e.State = job.State(state)
		e.Time = fromMillis(at)
		if err := json.Unmarshal([]byte(detail), &e.Detail); err != nil {
			return nil, fmt.Errorf("decode history %s/%d: %w", id, e.Seq, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AppendHistory records an entry against the job's current state without
// changing it. Sequence numbers come from the job row, never the clock.
func (s *Store) AppendHistory(ctx context.Context, id string, detail job.Detail) (int64, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var seq int64
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		j, err := s.getJob(ctx, tx, id)
		if err != nil {
			return err
		}
		seq, err = s.appendHistory(ctx, tx, id, j.State, s.now(), detail)
		return err
	})
	return seq, wrap("store.append_history", err)
}

func (s *Store) appendHistory(ctx context.Context, q queryer, id string, state job.State, at time.Time, detail job.Detail) (int64, error) {
	var seq int64
	if err := q.QueryRowContext(ctx, s.rebind(`UPDATE jobs SET history_seq = history_seq + 1 WHERE id = ? RETURNING history_seq`), id).Scan(&seq); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, apperrors.NotFound("job", id)
		}
		return 0, err
	}
	body, err := json.Marshal(detail)
	if err != nil {
		return 0, err
	}
	_, err = q.ExecContext(ctx, s.rebind(`INSERT INTO job_history (job_id, seq, state, at, detail) VALUES (?, ?, ?, ?, ?)`),
		id, seq, string(state), millis(at), string(body))
	return seq, err
}

// TransitionOptions carries the side effects of a transition.
type TransitionOptions struct {
	Owner            string    // when set, the caller must hold the job lease
	IncrementAttempt bool      // count a failed attempt
	NotBefore        time.Time // earliest next claim, for retries
	FailureReason    string    // recorded with failed
	ContainerID      string    // recorded when non-empty
}

// Transition moves a job from expected to next. It returns ErrConflict, and
// changes nothing, when the stored state is not expected.
func (s *Store) Transition(ctx context.Context, id string, expected, next job.State, detail job.Detail) (*job.Job, error) {
	return s.TransitionWith(ctx, id, expected, next, detail, TransitionOptions{})
}

// TransitionWith is Transition with retry, failure, lease, and container fields.
// Moving to a terminal state or back to created releases the node reservation
// in the same transaction.
func (s *Store) TransitionWith(ctx context.Context, id string, expected, next job.State, detail job.Detail, opts TransitionOptions) (*job.Job, error) {
	if !job.CanTransition(expected, next) {
		return nil, apperrors.Validation("state", fmt.Sprintf("transition %s -> %s is not allowed", expected, next))
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var out *job.Job
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = s.transition(ctx, tx, id, expected, next, detail, opts)
		return err
	})
	if err != nil {
		return nil, wrap("store.transition", err)
	}
	return out, nil
}

func (s *Store) transition(ctx context.Context, tx *sql.Tx, id string, expected, next job.State, detail job.Detail, opts TransitionOptions) (*job.Job, error) {
	now := s.now()

	set := []string{"state = ?", "updated_at = ?"}
	args := []any{string(next), millis(now)}
	if opts.IncrementAttempt {
		set = append(set, "attempt_count = attempt_count + 1")
	}
	if !opts.NotBefore.IsZero() {
		set = append(set, "not_before = ?")
		args = append(args, millis(opts.NotBefore))
	}
	if opts.FailureReason != "" {
		set = append(set, "failure_reason = ?")
		args = append(args, opts.FailureReason)
	}
	if opts.ContainerID != "" {
		set = append(set, "container_id = ?")
		args = append(args, opts.ContainerID)
	}
	if next.Terminal() {
		set = append(set, "finished_at = ?")
		args = append(args, millis(now))
	}
	if next.Terminal() || next == job.StateCreated {
		set = append(set, "lease_owner = ''", "lease_until = 0")
	}

	where := "id = ? AND state = ?"
	args = append(args, id, string(expected))
	if opts.Owner != "" {
		where += " AND lease_owner = ?"
		args = append(args, opts.Owner)
	}

	var (
		node              string
		memory, cpu, gpus int64
	)
	err := tx.QueryRowContext(ctx, s.rebind(`UPDATE jobs SET `+strings.Join(set, ", ")+` WHERE `+where+
		` RETURNING assigned_node, req_memory_mb, req_cpu_millis, req_gpus`), args...).Scan(&node, &memory, &cpu, &gpus)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.explainMiss(ctx, tx, id, expected, opts.Owner)
	}
	if err != nil {
		return nil, err
	}

	if job.ReleasesCapacity(expected, next) && node != "" {
		if err := s.release(ctx, tx, node, job.Resources{MemoryMB: memory, CPUMillis: cpu, GPUs: gpus}, now); err != nil {
			return nil, err
		}
		if next == job.StateCreated {
			if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE jobs SET assigned_node = '' WHERE id = ?`), id); err != nil {
				return nil, err
			}
		}
	}

	if detail.Node == "" {
		detail.Node = node
	}
	if _, err := s.appendHistory(ctx, tx, id, next, now, detail); err != nil {
		return nil, err
	}
	return s.getJob(ctx, tx, id)
}

// explainMiss turns a conditional update that matched nothing into NotFound
// or ErrConflict.
func (s *Store) explainMiss(ctx context.Context, q queryer, id string, expected job.State, owner string) error {
	current, err := s.getJob(ctx, q, id)
	if err != nil {
		return err
	}
	if current.State != expected {
		return conflict(id, fmt.Sprintf("job %s is %s, expected %s", id, current.State, expected))
	}
	return conflict(id, fmt.Sprintf("job %s lease is held by %q, not %q", id, current.LeaseOwner, owner))
}

func (s *Store) release(ctx context.Context, q queryer, node string, r job.Resources, now time.Time) error {
	_, err := q.ExecContext(ctx, s.rebind(`UPDATE nodes SET
		reserved_memory_mb = reserved_memory_mb - ?,
		reserved_cpu_millis = reserved_cpu_millis - ?,
		reserved_gpus = reserved_gpus - ?,
		updated_at = ?
		WHERE id = ?`), r.MemoryMB, r.CPUMillis, r.GPUs, millis(now), node)
	return err
}

const maxCancelRetries = 3

// RequestCancel cancels a job. A created job moves straight to cancelled; an
// active job is flagged for its supervisor to stop. Cancelling a finished job
// is a conflict.
func (s *Store) RequestCancel(ctx context.Context, id string) (*job.Job, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var out *job.Job
	for range maxCancelRetries {
		err := s.runTx(ctx, func(tx *sql.Tx) error {
			j, err := s.getJob(ctx, tx, id)
			if err != nil {
				return err
			}
			switch {
			case j.State.Terminal():
				return apperrors.Conflict("job", id, fmt.Sprintf("job %s is already %s", id, j.State))
			case j.State == job.StateCreated:
				out, err = s.transition(ctx, tx, id, job.StateCreated, job.StateCancelled, job.Detail{Message: "cancelled before scheduling"}, TransitionOptions{})
				return err
			case j.CancelRequested:
				out = j
				return nil
			default:
				out, err = s.flagCancel(ctx, tx, j)
				return err
			}
		})
		if errors.Is(err, ErrConflict) {
			continue // raced with the scheduler; re-read
		}
		return out, wrap("store.request_cancel", err)
	}
	return nil, conflict(id, fmt.Sprintf("job %s kept changing state during cancel", id))
}

func (s *Store) flagCancel(ctx context.Context, tx *sql.Tx, j *job.Job) (*job.Job, error) {
	res, err := tx.ExecContext(ctx, s.rebind(`UPDATE jobs SET cancel_requested = 1, updated_at = ? WHERE id = ? AND state = ?`),
		millis(s.now()), j.ID, string(j.State))
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, conflict(j.ID, "state changed")
	}
	if _, err := s.appendHistory(ctx, tx, j.ID, j.State, s.now(), job.Detail{Message: "cancel requested", Node: j.AssignedNode}); err != nil {
		return nil, err
	}
	return s.getJob(ctx, tx, j.ID)
}

// CancelBatch cancels every unfinished job of a batch and returns the jobs it
// cancelled or flagged, as they are after the change.
func (s *Store) CancelBatch(ctx context.Context, batchID string) ([]job.Job, error) {
	jobs, err := s.List(ctx, job.Filter{BatchID: batchID})
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, apperrors.NotFound("batch", batchID)
	}

	var changed []job.Job
	for _, j := range jobs {
		if j.State.Terminal() {
			continue
		}
		out, err := s.RequestCancel(ctx, j.ID)
		switch {
		case err == nil:
			changed = append(changed, *out)
		case errors.Is(err, apperrors.ErrConflict):
			// finished while we were cancelling
		default:
			return changed, err
		}
	}
	return changed, nil
}

// FailExhausted moves created jobs that have used all their attempts to
// failed with reason attempts_exhausted, and returns them.
func (s *Store) FailExhausted(ctx context.Context) ([]job.Job, error) {
	stuck, err := s.listWhere(ctx, 0, `state = ? AND attempt_count >= max_attempts`, string(job.StateCreated))
	if err != nil {
		return nil, wrap("store.fail_exhausted", err)
	}

	var failed []job.Job
	for _, j := range stuck {
		out, err := s.TransitionWith(ctx, j.ID, job.StateCreated, job.StateFailed,
			job.Detail{Message: "no attempts left", Attempt: j.AttemptCount},
			TransitionOptions{FailureReason: job.ReasonExhausted})
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return failed, err
		}
		failed = append(failed, *out)
	}
	return failed, nil
}

// listWhere returns up to limit jobs (0 = all) matching where, in submission order.
func (s *Store) listWhere(ctx context.Context, limit int, where string, args ...any) ([]job.Job, error) {
	return s.listPage(ctx, limit, 0, where, args...)
}

// listPage is listWhere starting offset rows into the result.
func (s *Store) listPage(ctx context.Context, limit, offset int, where string, args ...any) ([]job.Job, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	query := `SELECT ` + jobColumns + ` FROM jobs WHERE ` + where + ` ORDER BY submitted_at, position, id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
		if offset > 0 {
			query += ` OFFSET ?`
			args = append(args, offset)
		}
	}
	return s.queryJobs(ctx, s.db, query, args...)
}

// PurgeTerminal deletes finished jobs, and their history, that finished
// before cutoff.
func (s *Store) PurgeTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM jobs WHERE state IN (?, ?, ?) AND finished_at > 0 AND finished_at < ?`),
		string(job.StateSuccess), string(job.StateFailed), string(job.StateCancelled), millis(cutoff))
	if err != nil {
		return 0, wrap("store.purge", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
