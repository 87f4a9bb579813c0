package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// BatchStatementTimeout bounds the DB update transaction so a stalled
// filesystem phase can't hold row locks indefinitely (spec.md §4.7: "≈ 5
// minutes"). The claim rolls back and the inodes return to the queue if it
// fires.
const BatchStatementTimeout = 5 * time.Minute

// InodeSuccess is one inode's outcome, ready to commit (spec.md §4.7).
type InodeSuccess struct {
	MediumID      string
	InodeNumber   int64
	BlobID        string
	ByHashCreated bool
	MimeType      string // "" means "leave mime_type unchanged"
	LinksCreated  int64  // delta added to blobs.n_hardlinks
	// PathBlobUpdates lists the non-excluded path rows to stamp with BlobID.
	PathBlobUpdates [][]byte // path_bytes values
}

// InodeFailure is one inode's failed outcome: its claim is released and a
// typed error string is appended (spec.md §4.7).
type InodeFailure struct {
	MediumID     string
	InodeNumber  int64
	ErrorString  string
	TerminalClaim string // "" to simply release for retry; else the sentinel to set
}

// Batch is the set of outcomes for one claimed batch, applied in a single
// short transaction (spec.md §4.7, §5: "the DB update phase must be short
// relative to the filesystem phase").
type Batch struct {
	Successes []InodeSuccess
	Failures  []InodeFailure
}

// CommitBatch applies every outcome in one transaction, under
// BatchStatementTimeout. All UPDATEs match on the composite primary key
// (medium_id, inode_number) so the partition pruner stays scoped to one
// partition per statement (spec.md §4.4 step 4, §9).
func (d *DB) CommitBatch(ctx context.Context, batch Batch) error {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch commit tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	timeoutMS := BatchStatementTimeout.Milliseconds()
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", timeoutMS)); err != nil {
		return fmt.Errorf("set statement_timeout: %w", err)
	}

	now := time.Now().UTC()

	for _, s := range batch.Successes {
		if err := commitSuccess(ctx, tx, s, now); err != nil {
			return fmt.Errorf("commit inode %s/%d: %w", s.MediumID, s.InodeNumber, err)
		}
	}
	for _, f := range batch.Failures {
		if err := commitFailure(ctx, tx, f); err != nil {
			return fmt.Errorf("commit failure %s/%d: %w", f.MediumID, f.InodeNumber, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

func commitSuccess(ctx context.Context, tx *sql.Tx, s InodeSuccess, now time.Time) error {
	if s.MimeType != "" {
		if _, err := tx.ExecContext(ctx,
			`UPDATE inode SET blob_id = $3, copied = TRUE, by_hash_created = $4,
			 mime_type = $5, processed_at = $6, claimed_by = NULL, claimed_at = NULL
			 WHERE medium_id = $1 AND inode_number = $2`,
			s.MediumID, s.InodeNumber, s.BlobID, s.ByHashCreated, s.MimeType, now); err != nil {
			return err
		}
	} else {
		if _, err := tx.ExecContext(ctx,
			`UPDATE inode SET blob_id = $3, copied = TRUE, by_hash_created = $4,
			 processed_at = $5, claimed_by = NULL, claimed_at = NULL
			 WHERE medium_id = $1 AND inode_number = $2`,
			s.MediumID, s.InodeNumber, s.BlobID, s.ByHashCreated, now); err != nil {
			return err
		}
	}

	for _, pathBytes := range s.PathBlobUpdates {
		if _, err := tx.ExecContext(ctx,
			`UPDATE path SET blob_id = $4
			 WHERE medium_id = $1 AND inode_number = $2 AND path_bytes = $3 AND exclude_reason IS NULL`,
			s.MediumID, s.InodeNumber, pathBytes, s.BlobID); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO blobs (blob_id, n_hardlinks, last_checked)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (blob_id) DO UPDATE SET n_hardlinks = blobs.n_hardlinks + EXCLUDED.n_hardlinks`,
		s.BlobID, s.LinksCreated, now); err != nil {
		return err
	}

	return nil
}

func commitFailure(ctx context.Context, tx *sql.Tx, f InodeFailure) error {
	payload, err := json.Marshal(f.ErrorString)
	if err != nil {
		return fmt.Errorf("marshal error string: %w", err)
	}

	if f.TerminalClaim != "" {
		_, err = tx.ExecContext(ctx,
			`UPDATE inode SET copied = TRUE, claimed_by = $3, claimed_at = NULL,
			 errors = errors || $4::jsonb
			 WHERE medium_id = $1 AND inode_number = $2`,
			f.MediumID, f.InodeNumber, f.TerminalClaim, string(payload))
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE inode SET claimed_by = NULL, claimed_at = NULL,
			 errors = errors || $3::jsonb
			 WHERE medium_id = $1 AND inode_number = $2`,
			f.MediumID, f.InodeNumber, string(payload))
	}
	return err
}

// ExcludePath marks one path row excluded, per spec.md §7: a path that
// fails with ENOENT is marked exclude_reason = 'file_not_found'.
func (d *DB) ExcludePath(ctx context.Context, mediumID string, inodeNumber int64, pathBytes []byte, reason string) error {
	_, err := d.ExecContext(ctx,
		`UPDATE path SET exclude_reason = $4
		 WHERE medium_id = $1 AND inode_number = $2 AND path_bytes = $3`,
		mediumID, inodeNumber, pathBytes, reason)
	if err != nil {
		return fmt.Errorf("exclude path for inode %d: %w", inodeNumber, err)
	}
	return nil
}

// CountNonExcludedPaths reports how many path rows for one inode still lack
// an exclude_reason, used to decide whether "all_paths_excluded" applies
// (spec.md §7).
func (d *DB) CountNonExcludedPaths(ctx context.Context, mediumID string, inodeNumber int64) (int, error) {
	var n int
	err := d.QueryRowContext(ctx,
		`SELECT count(*) FROM path WHERE medium_id = $1 AND inode_number = $2 AND exclude_reason IS NULL`,
		mediumID, inodeNumber,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count non-excluded paths for inode %d: %w", inodeNumber, err)
	}
	return n, nil
}
