package store

import (
	"context"
	"time"

	"agency/internal/job"
)

// activeStates are the post-claim, non-terminal states a supervisor owns.
var activeStates = []any{
	string(job.StateScheduled),
	string(job.StateProcessingInput),
	string(job.StateProcessingContainer),
	string(job.StateProcessingOutput),
}

// AcquireLease makes owner the only supervisor allowed to advance an active
// job until the lease expires. It succeeds when the job is unowned, already
// owned by owner, or its previous owner's lease has lapsed.
func (s *Store) AcquireLease(ctx context.Context, id, owner string, ttl time.Duration) (bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	now := s.now()
	args := []any{owner, millis(now.Add(ttl)), id}
	args = append(args, activeStates...)
	args = append(args, owner, millis(now))

	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE jobs SET lease_owner = ?, lease_until = ?
		WHERE id = ? AND state IN (`+placeholders(len(activeStates))+`)
		AND (lease_owner = '' OR lease_owner = ? OR lease_until < ?)`), args...)
	if err != nil {
		return false, wrap("store.acquire_lease", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// RenewLease extends a lease owner still holds. False means the lease was
// lost and the caller must stop advancing the job.
func (s *Store) RenewLease(ctx context.Context, id, owner string, ttl time.Duration) (bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE jobs SET lease_until = ? WHERE id = ? AND lease_owner = ?`),
		millis(s.now().Add(ttl)), id, owner)
	if err != nil {
		return false, wrap("store.renew_lease", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ReleaseLease gives up ownership. An active job released this way becomes
// an orphan immediately.
func (s *Store) ReleaseLease(ctx context.Context, id, owner string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, s.rebind(`UPDATE jobs SET lease_owner = '', lease_until = 0 WHERE id = ? AND lease_owner = ?`), id, owner)
	return wrap("store.release_lease", err)
}

// ListOrphaned returns active jobs whose lease has expired: their supervisor
// died or never started.
func (s *Store) ListOrphaned(ctx context.Context, limit int) ([]job.Job, error) {
	args := append([]any{}, activeStates...)
	args = append(args, millis(s.now()))
	jobs, err := s.listWhere(ctx, limit, `state IN (`+placeholders(len(activeStates))+`) AND lease_until < ?`, args...)
	return jobs, wrap("store.list_orphaned", err)
}
