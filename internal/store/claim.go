package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"agency/internal/job"
)

// Picker chooses a node with room for req from a snapshot of online nodes.
type Picker interface {
	Pick(req job.Resources, nodes []job.Node) (job.Node, bool)
}

// claimPage is how many pending jobs ClaimNext reads per query.
const claimPage = 64

// maxReserveRetries bounds re-evaluation of one candidate after its chosen
// node filled up under us.
const maxReserveRetries = 3

var errNodeFull = errors.New("node capacity changed")

// ClaimNext assigns the oldest claimable job to a node chosen by pick from
// nodes, reserving the node capacity and moving the job created -> scheduled
// in a single transaction. A job is claimable when it is created, not flagged
// for cancellation, past its not_before time, and has attempts left. Jobs that
// fit no node stay pending and the search moves on, page by page, until the
// pending set runs out. Returns nil, nil when nothing can be claimed.
func (s *Store) ClaimNext(ctx context.Context, nodes []job.Node, pick Picker) (*job.Job, error) {
	if len(nodes) == 0 {
		return nil, nil
	}
	snapshot := append([]job.Node(nil), nodes...)
	room := maxFree(snapshot)
	for offset := 0; ; offset += claimPage {
		candidates, err := s.listPage(ctx, claimPage, offset,
			`state = ? AND cancel_requested = 0 AND not_before <= ? AND attempt_count < max_attempts
			AND req_memory_mb <= ? AND req_cpu_millis <= ? AND req_gpus <= ?`,
			string(job.StateCreated), millis(s.now()), room.MemoryMB, room.CPUMillis, room.GPUs)
		if err != nil {
			return nil, wrap("store.claim", err)
		}

		for i := range candidates {
			claimed, err := s.tryClaim(ctx, &candidates[i], &snapshot, pick)
			if err != nil || claimed != nil {
				return claimed, err
			}
		}
		if len(candidates) < claimPage || len(snapshot) == 0 {
			return nil, nil
		}
	}
}

// tryClaim places one candidate, refreshing the snapshot when the chosen node
// filled up under us. Returns nil, nil when the candidate fits nowhere.
func (s *Store) tryClaim(ctx context.Context, c *job.Job, snapshot *[]job.Node, pick Picker) (*job.Job, error) {
	for range maxReserveRetries {
		node, ok := pick.Pick(c.Manifest.Resources, *snapshot)
		if !ok {
			return nil, nil
		}
		claimed, err := s.claim(ctx, c, node)
		switch {
		case err == nil:
			return claimed, nil
		case errors.Is(err, ErrConflict):
			// another scheduler took the job or it was cancelled
			return nil, nil
		case errors.Is(err, errNodeFull):
			if *snapshot, err = s.refresh(ctx, *snapshot, node.ID); err != nil {
				return nil, wrap("store.claim", err)
			}
		default:
			return nil, wrap("store.claim", err)
		}
	}
	return nil, nil
}

// maxFree is the largest free amount of each resource across nodes. No job
// asking for more than this on any axis can be placed.
func maxFree(nodes []job.Node) job.Resources {
	var out job.Resources
	for _, n := range nodes {
		free := n.Free()
		out.MemoryMB = max(out.MemoryMB, free.MemoryMB)
		out.CPUMillis = max(out.CPUMillis, free.CPUMillis)
		out.GPUs = max(out.GPUs, free.GPUs)
	}
	return out
}

func (s *Store) claim(ctx context.Context, c *job.Job, node job.Node) (*job.Job, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	req := c.Manifest.Resources
	var out *job.Job
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		res, err := tx.ExecContext(ctx, s.rebind(`UPDATE jobs SET state = ?, assigned_node = ?, updated_at = ?, lease_owner = '', lease_until = ?
			WHERE id = ? AND state = ? AND cancel_requested = 0`),
			string(job.StateScheduled), node.ID, millis(now), millis(now.Add(s.claimGrace)),
			c.ID, string(job.StateCreated))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return conflict(c.ID, fmt.Sprintf("job %s is no longer claimable", c.ID))
		}

		res, err = tx.ExecContext(ctx, s.rebind(`UPDATE nodes SET
			reserved_memory_mb = reserved_memory_mb + ?,
			reserved_cpu_millis = reserved_cpu_millis + ?,
			reserved_gpus = reserved_gpus + ?,
			updated_at = ?
			WHERE id = ? AND health = ?
			AND reserved_memory_mb + ? <= total_memory_mb
			AND reserved_cpu_millis + ? <= total_cpu_millis
			AND reserved_gpus + ? <= total_gpus`),
			req.MemoryMB, req.CPUMillis, req.GPUs, millis(now),
			node.ID, string(job.HealthOnline),
			req.MemoryMB, req.CPUMillis, req.GPUs)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errNodeFull
		}

		if _, err := s.appendHistory(ctx, tx, c.ID, job.StateScheduled, now, job.Detail{
			Message: "claimed",
			Node:    node.ID,
			Attempt: c.AttemptCount + 1,
		}); err != nil {
			return err
		}
		out, err = s.getJob(ctx, tx, c.ID)
		return err
	})
	return out, err
}

// refresh replaces one node of the snapshot with its stored record, dropping
// it when it is no longer online.
func (s *Store) refresh(ctx context.Context, snapshot []job.Node, id string) ([]job.Node, error) {
	n, err := s.Node(ctx, id)
	if err != nil {
		return nil, err
	}
	out := snapshot[:0]
	for _, cur := range snapshot {
		if cur.ID != id {
			out = append(out, cur)
			continue
		}
		if n.Health == job.HealthOnline {
			out = append(out, *n)
		}
	}
	return out, nil
}
