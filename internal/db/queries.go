package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/vm-wylbur/ntt-copier/internal/model"
)

// ErrNotFound is returned by single-row lookups that found nothing.
var ErrNotFound = errors.New("not found")

// GetMedium fetches one medium row.
func (d *DB) GetMedium(ctx context.Context, mediumID string) (model.Medium, error) {
	var m model.Medium
	var problems []byte
	err := d.QueryRowContext(ctx,
		`SELECT medium_id, image_path, problems FROM medium WHERE medium_id = $1`,
		mediumID,
	).Scan(&m.MediumID, &m.ImagePath, &problems)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Medium{}, ErrNotFound
	}
	if err != nil {
		return model.Medium{}, fmt.Errorf("get medium %s: %w", mediumID, err)
	}
	m.Problems = problems
	return m, nil
}

// AppendProblem appends one structured diagnostic event to medium.problems
// (spec.md §4.8 "Checkpoint diagnostic").
func (d *DB) AppendProblem(ctx context.Context, mediumID string, event map[string]any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal diagnostic event: %w", err)
	}
	_, err = d.ExecContext(ctx,
		`UPDATE medium SET problems = problems || $2::jsonb WHERE medium_id = $1`,
		mediumID, string(payload))
	if err != nil {
		return fmt.Errorf("append problem for medium %s: %w", mediumID, err)
	}
	return nil
}

// MaxInodeID returns the maximum inode.id for a medium, computed once at
// worker startup to seed the claim layer's random probes (spec.md §4.4).
func (d *DB) MaxInodeID(ctx context.Context, mediumID string) (int64, error) {
	var maxID sql.NullInt64
	err := d.QueryRowContext(ctx,
		`SELECT max(id) FROM inode WHERE medium_id = $1`, mediumID,
	).Scan(&maxID)
	if err != nil {
		return 0, fmt.Errorf("max inode id for medium %s: %w", mediumID, err)
	}
	return maxID.Int64, nil
}

const inodeColumns = `medium_id, inode_number, id, size, fs_type, mime_type, blob_id,
	copied, by_hash_created, processed_at, claimed_by, claimed_at, errors`

func scanInode(rows *sql.Rows) (model.Inode, error) {
	var in model.Inode
	var fsType, mimeType, blobID, claimedBy sql.NullString
	var processedAt, claimedAt sql.NullTime
	var errsJSON []byte

	if err := rows.Scan(&in.MediumID, &in.InodeNumber, &in.ID, &in.Size,
		&fsType, &mimeType, &blobID, &in.Copied, &in.ByHashCreated,
		&processedAt, &claimedBy, &claimedAt, &errsJSON); err != nil {
		return in, err
	}

	if fsType.Valid {
		t := model.FsType(fsType.String)
		in.FsType = &t
	}
	if mimeType.Valid {
		in.MimeType = &mimeType.String
	}
	if blobID.Valid {
		in.BlobID = &blobID.String
	}
	if processedAt.Valid {
		in.ProcessedAt = &processedAt.Time
	}
	if claimedBy.Valid {
		in.ClaimedBy = &claimedBy.String
	}
	if claimedAt.Valid {
		in.ClaimedAt = &claimedAt.Time
	}
	if len(errsJSON) > 0 {
		_ = json.Unmarshal(errsJSON, &in.Errors)
	}
	return in, nil
}

// ClaimProbe implements one random probe of spec.md §4.4's claim algorithm:
// the first batchSize rows with copied=false AND claimed_by IS NULL AND
// id >= startID, ordered by id, locked FOR UPDATE SKIP LOCKED so concurrent
// workers never block on each other. Matching by (medium_id, id) keeps the
// query within the medium's partition.
func (d *DB) ClaimProbe(ctx context.Context, mediumID string, startID int64, batchSize int, workerID string) ([]model.Inode, error) {
	return d.claim(ctx, mediumID, batchSize, workerID,
		`id >= $4`, []any{startID})
}

// ClaimFallback is the sequential-scan fallback used when all random probes
// miss (spec.md §4.4 step 3: "handles the long-tail drain").
func (d *DB) ClaimFallback(ctx context.Context, mediumID string, batchSize int, workerID string) ([]model.Inode, error) {
	return d.claim(ctx, mediumID, batchSize, workerID, "TRUE", nil)
}

func (d *DB) claim(ctx context.Context, mediumID string, batchSize int, workerID, extraPredicate string, extraArgs []any) ([]model.Inode, error) {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := fmt.Sprintf(`
		SELECT %s FROM inode
		WHERE medium_id = $1 AND copied = FALSE AND claimed_by IS NULL AND %s
		ORDER BY id
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, inodeColumns, extraPredicate)

	args := append([]any{mediumID, batchSize}, extraArgs...)
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("claim probe query: %w", err)
	}

	var ids []int64
	var claimed []model.Inode
	for rows.Next() {
		in, err := scanInode(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan claimed inode: %w", err)
		}
		claimed = append(claimed, in)
		ids = append(ids, in.InodeNumber)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim probe rows: %w", err)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	if len(claimed) == 0 {
		return nil, tx.Commit()
	}

	now := time.Now().UTC()
	for i := range claimed {
		_, err := tx.ExecContext(ctx,
			`UPDATE inode SET claimed_by = $3, claimed_at = $4
			 WHERE medium_id = $1 AND inode_number = $2`,
			mediumID, ids[i], workerID, now)
		if err != nil {
			return nil, fmt.Errorf("claim update inode %d: %w", ids[i], err)
		}
		claimed[i].ClaimedBy = &workerID
		claimed[i].ClaimedAt = &now
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return claimed, nil
}

// RandomStartID picks a uniform start_id in [0, maxID] for one claim probe
// (spec.md §4.4: "pick a random start_id").
func RandomStartID(maxID int64) int64 {
	if maxID <= 0 {
		return 0
	}
	return rand.Int63n(maxID + 1)
}

// SweepMaxRetries marks every inode for mediumID with at least maxErrors
// recorded errors as terminal (spec.md §4.4 "Startup sweep"). Returns the
// number of rows affected.
func (d *DB) SweepMaxRetries(ctx context.Context, mediumID string, maxErrors int) (int64, error) {
	res, err := d.ExecContext(ctx,
		`UPDATE inode SET copied = TRUE, claimed_by = $2, claimed_at = NULL
		 WHERE medium_id = $1 AND copied = FALSE
		   AND jsonb_array_length(errors) >= $3`,
		mediumID, model.ClaimSentinelMaxRetries, maxErrors)
	if err != nil {
		return 0, fmt.Errorf("sweep max retries for medium %s: %w", mediumID, err)
	}
	return res.RowsAffected()
}

// ListPaths returns every path row for one inode.
func (d *DB) ListPaths(ctx context.Context, mediumID string, inodeNumber int64) ([]model.Path, error) {
	rows, err := d.QueryContext(ctx,
		`SELECT medium_id, inode_number, path_bytes, blob_id, exclude_reason
		 FROM path WHERE medium_id = $1 AND inode_number = $2`,
		mediumID, inodeNumber)
	if err != nil {
		return nil, fmt.Errorf("list paths for inode %d: %w", inodeNumber, err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Path
	for rows.Next() {
		var p model.Path
		var blobID, excludeReason sql.NullString
		if err := rows.Scan(&p.MediumID, &p.InodeNumber, &p.PathBytes, &blobID, &excludeReason); err != nil {
			return nil, fmt.Errorf("scan path row: %w", err)
		}
		if blobID.Valid {
			p.BlobID = &blobID.String
		}
		if excludeReason.Valid {
			p.ExcludeReason = &excludeReason.String
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// LookupBlob returns the blob row for blobID, or ErrNotFound.
func (d *DB) LookupBlob(ctx context.Context, blobID string) (model.Blob, error) {
	var b model.Blob
	var lastChecked sql.NullTime
	err := d.QueryRowContext(ctx,
		`SELECT blob_id, n_hardlinks, last_checked FROM blobs WHERE blob_id = $1`,
		blobID,
	).Scan(&b.BlobID, &b.NHardlinks, &lastChecked)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Blob{}, ErrNotFound
	}
	if err != nil {
		return model.Blob{}, fmt.Errorf("lookup blob %s: %w", blobID, err)
	}
	if lastChecked.Valid {
		b.LastChecked = &lastChecked.Time
	}
	return b, nil
}
