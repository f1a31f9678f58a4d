package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"agency/internal/apperrors"
	"agency/internal/job"
)

const nodeColumns = `id, address, total_memory_mb, total_cpu_millis, total_gpus,
	reserved_memory_mb, reserved_cpu_millis, reserved_gpus, health, updated_at`

func scanNode(row rowScanner) (*job.Node, error) {
	var (
		n       job.Node
		health  string
		updated int64
	)
	err := row.Scan(&n.ID, &n.Address, &n.Total.MemoryMB, &n.Total.CPUMillis, &n.Total.GPUs,
		&n.Reserved.MemoryMB, &n.Reserved.CPUMillis, &n.Reserved.GPUs, &health, &updated)
	if err != nil {
		return nil, err
	}
	n.Health = job.Health(health)
	n.UpdatedAt = fromMillis(updated)
	return &n, nil
}

// UpsertNode registers a node or updates its address and totals. Existing
// reservations are kept, and so is health unless n sets it. Totals below what
// the node currently has reserved are a conflict.
func (s *Store) UpsertNode(ctx context.Context, n job.Node) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	health := n.Health
	if health == "" {
		health = job.HealthOnline
	}
	onConflict := `address = excluded.address,
		total_memory_mb = excluded.total_memory_mb,
		total_cpu_millis = excluded.total_cpu_millis,
		total_gpus = excluded.total_gpus,
		updated_at = excluded.updated_at`
	if n.Health != "" {
		onConflict += `, health = excluded.health`
	}

	err := s.runTx(ctx, func(tx *sql.Tx) error {
		var reserved job.Resources
		err := tx.QueryRowContext(ctx, s.rebind(`SELECT reserved_memory_mb, reserved_cpu_millis, reserved_gpus FROM nodes WHERE id = ?`), n.ID).
			Scan(&reserved.MemoryMB, &reserved.CPUMillis, &reserved.GPUs)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return err
		case !reserved.Fits(n.Total):
			return apperrors.Conflict("node", n.ID, fmt.Sprintf(
				"node %s has %dMB/%dm/%d GPUs reserved, more than the new totals %dMB/%dm/%d GPUs",
				n.ID, reserved.MemoryMB, reserved.CPUMillis, reserved.GPUs,
				n.Total.MemoryMB, n.Total.CPUMillis, n.Total.GPUs))
		}

		_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO nodes (id, address, total_memory_mb, total_cpu_millis, total_gpus, health, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET `+onConflict),
			n.ID, n.Address, n.Total.MemoryMB, n.Total.CPUMillis, n.Total.GPUs, string(health), millis(s.now()))
		return err
	})
	return wrap("store.upsert_node", err)
}

// Node returns one node.
func (s *Store) Node(ctx context.Context, id string) (*job.Node, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	n, err := scanNode(s.db.QueryRowContext(ctx, s.rebind(`SELECT `+nodeColumns+` FROM nodes WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("node", id)
	}
	return n, wrap("store.node", err)
}

// Nodes returns all nodes ordered by id.
func (s *Store) Nodes(ctx context.Context) ([]job.Node, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT `+nodeColumns+` FROM nodes ORDER BY id`)
	if err != nil {
		return nil, wrap("store.nodes", err)
	}
	defer rows.Close()

	var out []job.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, wrap("store.nodes", err)
		}
		out = append(out, *n)
	}
	return out, wrap("store.nodes", rows.Err())
}

// SetNodeHealth changes a node's health. Reservations are untouched: jobs
// already running on an unreachable node release capacity through their own
// transitions.
func (s *Store) SetNodeHealth(ctx context.Context, id string, h job.Health) error {
	if !h.Valid() {
		return apperrors.Validation("health", "health must be online, unreachable, or disabled")
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE nodes SET health = ?, updated_at = ? WHERE id = ?`), string(h), millis(s.now()), id)
	if err != nil {
		return wrap("store.set_node_health", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("node", id)
	}
	return nil
}

// NodeJobs returns the active jobs assigned to a node.
func (s *Store) NodeJobs(ctx context.Context, id string) ([]job.Job, error) {
	return s.List(ctx, job.Filter{
		Node:   id,
		States: []job.State{job.StateScheduled, job.StateProcessingInput, job.StateProcessingContainer, job.StateProcessingOutput},
	})
}
