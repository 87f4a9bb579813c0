// Package claim implements the worker's claim algorithm (spec.md §4.4): a
// handful of random SKIP LOCKED probes to find unclaimed work cheaply across
// a mostly-drained table, falling back to a sequential scan once probes
// start missing.
package claim

import (
	"context"
	"fmt"

	"github.com/vm-wylbur/ntt-copier/internal/db"
	"github.com/vm-wylbur/ntt-copier/internal/model"
)

// Prober is the subset of *db.DB the claim layer needs, so it can be faked
// in tests without a live Postgres connection.
type Prober interface {
	MaxInodeID(ctx context.Context, mediumID string) (int64, error)
	ClaimProbe(ctx context.Context, mediumID string, startID int64, batchSize int, workerID string) ([]model.Inode, error)
	ClaimFallback(ctx context.Context, mediumID string, batchSize int, workerID string) ([]model.Inode, error)
	SweepMaxRetries(ctx context.Context, mediumID string, maxErrors int) (int64, error)
}

var _ Prober = (*db.DB)(nil)

// MaxProbes is the number of random probes attempted before falling back to
// a sequential scan (spec.md §4.4 step 3).
const MaxProbes = 3

// MaxErrorsBeforeTerminal is the error count at which the startup sweep
// marks an inode MAX_RETRIES_EXCEEDED (spec.md §4.4 "Startup sweep", §4.8).
const MaxErrorsBeforeTerminal = 5

// Claimer runs the claim algorithm for one medium, owning the max-id
// snapshot taken once at worker startup.
type Claimer struct {
	db        Prober
	mediumID  string
	workerID  string
	batchSize int
	maxID     int64
}

// New snapshots MaxInodeID for mediumID and sweeps stale max-retries inodes
// before returning a ready Claimer (spec.md §4.4: "computed once at startup").
func New(ctx context.Context, p Prober, mediumID, workerID string, batchSize int) (*Claimer, error) {
	if _, err := p.SweepMaxRetries(ctx, mediumID, MaxErrorsBeforeTerminal); err != nil {
		return nil, fmt.Errorf("startup sweep for medium %s: %w", mediumID, err)
	}

	maxID, err := p.MaxInodeID(ctx, mediumID)
	if err != nil {
		return nil, fmt.Errorf("snapshot max inode id for medium %s: %w", mediumID, err)
	}

	return &Claimer{
		db:        p,
		mediumID:  mediumID,
		workerID:  workerID,
		batchSize: batchSize,
		maxID:     maxID,
	}, nil
}

// ClaimBatch returns up to batchSize freshly claimed inodes, or an empty
// slice once the medium is fully drained. It tries MaxProbes random start
// points first, each O(1) against the partial index, then falls back to one
// sequential scan to pick up the long tail of near-exhausted work.
func (c *Claimer) ClaimBatch(ctx context.Context) ([]model.Inode, error) {
	for i := 0; i < MaxProbes; i++ {
		start := db.RandomStartID(c.maxID)
		claimed, err := c.db.ClaimProbe(ctx, c.mediumID, start, c.batchSize, c.workerID)
		if err != nil {
			return nil, fmt.Errorf("claim probe %d/%d: %w", i+1, MaxProbes, err)
		}
		if len(claimed) > 0 {
			return claimed, nil
		}
	}

	claimed, err := c.db.ClaimFallback(ctx, c.mediumID, c.batchSize, c.workerID)
	if err != nil {
		return nil, fmt.Errorf("claim fallback scan: %w", err)
	}
	return claimed, nil
}
