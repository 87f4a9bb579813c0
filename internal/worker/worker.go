// Package worker wires the copy worker's pipeline together: claim a batch,
// analyze and execute each inode's filesystem effects, then commit the
// batch's database effects in one short transaction, repeating until the
// medium drains or --limit is reached (spec.md §4.9, §5).
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/vm-wylbur/ntt-copier/internal/analyzer"
	"github.com/vm-wylbur/ntt-copier/internal/claim"
	"github.com/vm-wylbur/ntt-copier/internal/classify"
	"github.com/vm-wylbur/ntt-copier/internal/db"
	"github.com/vm-wylbur/ntt-copier/internal/diagnostics"
	"github.com/vm-wylbur/ntt-copier/internal/executor"
	"github.com/vm-wylbur/ntt-copier/internal/mimecache"
	"github.com/vm-wylbur/ntt-copier/internal/model"
	"github.com/vm-wylbur/ntt-copier/internal/mount"
	"github.com/vm-wylbur/ntt-copier/internal/pathcodec"
	"github.com/vm-wylbur/ntt-copier/internal/progress"
)

// inodeStatus is a fmt.Stringer describing the inode last processed, fed to
// progress.Bar.Describe between claims.
type inodeStatus struct {
	inodeNumber int64
	action      string
}

func (s inodeStatus) String() string {
	return fmt.Sprintf("inode %d: %s", s.inodeNumber, s.action)
}

// MaxErrorsBeforeTerminal mirrors claim.MaxErrorsBeforeTerminal; duplicated
// as a named constant here so the worker's own promotion decisions don't
// import claim just for this one value.
const MaxErrorsBeforeTerminal = claim.MaxErrorsBeforeTerminal

// PathLister and BatchCommitter are the *db.DB methods the worker loop
// needs, narrowed to interfaces so tests can fake the database.
type PathLister interface {
	ListPaths(ctx context.Context, mediumID string, inodeNumber int64) ([]model.Path, error)
}

type BatchCommitter interface {
	CommitBatch(ctx context.Context, batch db.Batch) error
	ExcludePath(ctx context.Context, mediumID string, inodeNumber int64, pathBytes []byte, reason string) error
	CountNonExcludedPaths(ctx context.Context, mediumID string, inodeNumber int64) (int, error)
}

// Claimer is the subset of *claim.Claimer the worker loop needs.
type Claimer interface {
	ClaimBatch(ctx context.Context) ([]model.Inode, error)
}

// Mounter is the subset of *mount.Manager the worker loop needs.
type Mounter interface {
	EnsureMounted(ctx context.Context, mediumID string) (string, error)
}

var (
	_ PathLister     = (*db.DB)(nil)
	_ BatchCommitter = (*db.DB)(nil)
	_ Claimer        = (*claim.Claimer)(nil)
	_ Mounter        = (*mount.Manager)(nil)
)

// Worker runs the claim-analyze-execute-commit loop for one medium.
type Worker struct {
	claimer  Claimer
	paths    PathLister
	commits  BatchCommitter
	analyzer *analyzer.Analyzer
	executor *executor.Executor
	mounter  Mounter
	mimes    *mimecache.Cache
	diag     *diagnostics.Tracker
	logger   *slog.Logger
	progress *progress.Bar

	mediumID string
	dryRun   bool
}

// Config bundles the dependencies New needs, kept separate from the
// package-level Config in internal/config so this package stays free of a
// direct dependency on CLI/env parsing.
type Config struct {
	Claimer     Claimer
	Paths       PathLister
	Commits     BatchCommitter
	Analyzer    *analyzer.Analyzer
	Executor    *executor.Executor
	Mounter     Mounter
	Mimes       *mimecache.Cache
	Diagnostics *diagnostics.Tracker
	Logger      *slog.Logger
	// Progress reports dry-run analysis preview only; the live worker
	// loop relies on structured logging instead (spec.md §5, §6).
	Progress *progress.Bar
	MediumID string
	DryRun   bool
}

// New builds a Worker from Config.
func New(c Config) *Worker {
	return &Worker{
		claimer:  c.Claimer,
		paths:    c.Paths,
		commits:  c.Commits,
		analyzer: c.Analyzer,
		executor: c.Executor,
		mounter:  c.Mounter,
		mimes:    c.Mimes,
		diag:     c.Diagnostics,
		logger:   c.Logger,
		progress: c.Progress,
		mediumID: c.MediumID,
		dryRun:   c.DryRun,
	}
}

// Run drains the medium's queue, processing at most limit inodes (0 =
// unbounded), stopping early if shouldStop reports true between batches
// (spec.md §5: "a shutdown flag that is observed between batches").
func (w *Worker) Run(ctx context.Context, limit int, shouldStop func() bool) (processed int, err error) {
	if w.progress != nil {
		defer func() {
			w.progress.Finish(inodeStatus{inodeNumber: 0, action: fmt.Sprintf("%d inodes processed", processed)})
		}()
	}

	for {
		if shouldStop != nil && shouldStop() {
			w.logger.Info("shutdown requested, stopping between batches")
			return processed, nil
		}
		if limit > 0 && processed >= limit {
			return processed, nil
		}

		claimed, err := w.claimer.ClaimBatch(ctx)
		if err != nil {
			return processed, fmt.Errorf("claim batch: %w", err)
		}
		if len(claimed) == 0 {
			w.logger.Info("medium drained")
			return processed, nil
		}

		mountPath, err := w.mounter.EnsureMounted(ctx, w.mediumID)
		if err != nil {
			return processed, fmt.Errorf("ensure mounted: %w", err)
		}

		batchStart := time.Now()
		batch := db.Batch{}
		for _, in := range claimed {
			if limit > 0 && processed >= limit {
				break
			}
			w.processOne(ctx, in, mountPath, &batch)
			processed++
		}

		if !w.dryRun {
			if err := w.commits.CommitBatch(ctx, batch); err != nil {
				return processed, fmt.Errorf("commit batch: %w", err)
			}
		}
		w.logger.Info("batch finished",
			slog.Int("batch_size", len(claimed)),
			slog.Int64("elapsed_ms", time.Since(batchStart).Milliseconds()),
		)
	}
}

func (w *Worker) processOne(ctx context.Context, in model.Inode, mountPath string, batch *db.Batch) {
	start := time.Now()
	logger := w.logger.With(slog.Int64("inode_number", in.InodeNumber))

	rows, err := w.paths.ListPaths(ctx, w.mediumID, in.InodeNumber)
	if err != nil {
		w.recordFailure(ctx, logger, start, batch, in, classify.Wrap(classify.KindDBError, err), mountPath)
		return
	}

	var sourcePaths, archivePaths []string
	var pathBytesByArchive [][]byte
	for _, p := range rows {
		if p.ExcludeReason != nil {
			continue
		}
		decoded := pathcodec.Decode(p.PathBytes)
		sourcePaths = append(sourcePaths, filepath.Join(mountPath, pathcodec.StripLeadingSlash(decoded)))
		archivePaths = append(archivePaths, analyzer.ArchivePath(p.PathBytes))
		pathBytesByArchive = append(pathBytesByArchive, p.PathBytes)
	}

	if len(sourcePaths) == 0 {
		w.recordTerminalNoPaths(logger, start, batch, in)
		return
	}

	plan, err := w.analyzer.Analyze(ctx, in, sourcePaths, archivePaths)
	if err != nil {
		if excluded, allExcluded := w.excludeMissingPath(ctx, in, pathBytesByArchive, err); excluded {
			if allExcluded {
				logger.Info("all paths excluded, terminally excluding inode")
				w.recordTerminalNoPaths(logger, start, batch, in)
				return
			}
			logger.Info("excluded missing path, retrying inode next batch")
			w.recordFailure(ctx, logger, start, batch, in, err, mountPath)
			return
		}
		w.recordFailure(ctx, logger, start, batch, in, err, mountPath)
		return
	}

	if plan.Action == model.ActionSkip {
		logger.Info("skipped", slog.String("reason", plan.SkipReason))
		w.recordFailure(ctx, logger, start, batch, in, fmt.Errorf("skip: %s", plan.SkipReason), mountPath)
		return
	}

	if w.dryRun {
		logger.Info("dry-run plan", slog.String("action", plan.Action.String()))
		if plan.TempPath != "" {
			_ = os.Remove(plan.TempPath)
		}
		if w.progress != nil {
			w.progress.Add(1)
			w.progress.Describe(inodeStatus{inodeNumber: in.InodeNumber, action: plan.Action.String()})
		}
		return
	}

	result, err := w.executor.Execute(plan)
	if err != nil {
		w.recordFailure(ctx, logger, start, batch, in, err, mountPath)
		return
	}

	mimeType := plan.MimeType
	if mimeType == "" && w.mimes != nil && plan.BlobID != "" {
		if cached, cacheErr := w.mimes.Lookup(plan.BlobID); cacheErr == nil {
			mimeType = cached
		}
	}
	if mimeType != "" && w.mimes != nil && plan.BlobID != "" {
		_ = w.mimes.Store(plan.BlobID, mimeType)
	}

	switch plan.Action {
	case model.ActionCreateDirectory:
		mimeType = model.DirMimeType
	case model.ActionCreateSymlink:
		mimeType = model.SymlinkMimeType
	case model.ActionRecordSpecial:
		mimeType = model.SpecialMimeType(plan.SpecialType)
	}

	batch.Successes = append(batch.Successes, db.InodeSuccess{
		MediumID:        w.mediumID,
		InodeNumber:     in.InodeNumber,
		BlobID:          plan.BlobID,
		ByHashCreated:   result.ByHashCreated,
		MimeType:        mimeType,
		LinksCreated:    result.LinksCreated,
		PathBlobUpdates: pathBytesByArchive,
	})

	if w.diag != nil {
		w.diag.ClearInode(w.mediumID, in.InodeNumber)
	}
	logger.Info("inode processed",
		slog.String("action", plan.Action.String()),
		slog.Int64("elapsed_ms", time.Since(start).Milliseconds()),
	)
}

// excludeMissingPath implements spec.md §7: a path failing with ENOENT is
// marked exclude_reason='file_not_found'. Returns excluded=true if the
// exclusion was recorded, and allExcluded=true if that left zero
// non-excluded paths for the inode, in which case the caller promotes the
// inode to EXCLUDED: all_paths_excluded immediately rather than waiting for
// a later batch's ListPaths to notice the inode has no paths left. In
// dry-run mode nothing is recorded and both results are false.
func (w *Worker) excludeMissingPath(ctx context.Context, in model.Inode, pathBytes [][]byte, cause error) (excluded, allExcluded bool) {
	c := classify.Classify(cause)
	if w.dryRun || c.Kind != classify.KindPathError || len(pathBytes) == 0 {
		return false, false
	}
	if err := w.commits.ExcludePath(ctx, w.mediumID, in.InodeNumber, pathBytes[0], "file_not_found"); err != nil {
		return false, false
	}
	remaining, err := w.commits.CountNonExcludedPaths(ctx, w.mediumID, in.InodeNumber)
	if err != nil {
		return true, false
	}
	return true, remaining == 0
}

func (w *Worker) recordTerminalNoPaths(logger *slog.Logger, start time.Time, batch *db.Batch, in model.Inode) {
	logger.Error("inode failed",
		slog.String("error_class", string(classify.KindPathError)),
		slog.Int64("elapsed_ms", time.Since(start).Milliseconds()),
		slog.String("error", "path_error: all_paths_excluded"),
	)
	batch.Failures = append(batch.Failures, db.InodeFailure{
		MediumID:      w.mediumID,
		InodeNumber:   in.InodeNumber,
		ErrorString:   "path_error: all_paths_excluded",
		TerminalClaim: model.ExcludedClaim("all_paths_excluded"),
	})
}

func (w *Worker) recordFailure(ctx context.Context, logger *slog.Logger, start time.Time, batch *db.Batch, in model.Inode, cause error, mountPath string) {
	c := classify.Classify(cause)
	errString := c.Error()

	if w.diag != nil {
		w.diag.RecordFailure(ctx, w.mediumID, in.InodeNumber, mountPath)
	}

	// io_error is permanent in principle (spec.md §4.8), but this
	// implementation only excludes on the same promotion rules as any other
	// error (repeat-count or max-retries): a single io_error isn't
	// confirmed without the checkpoint diagnostic's kernel-log/mount check,
	// which only runs at retry #10 and logs rather than forces exclusion.
	errs := append(append([]string{}, in.Errors...), errString)
	terminal := diagnostics.PromoteTerminal(errs, MaxErrorsBeforeTerminal)

	logger.Error("inode failed",
		slog.String("error_class", string(c.Kind)),
		slog.Int64("elapsed_ms", time.Since(start).Milliseconds()),
		slog.String("error", errString),
	)

	batch.Failures = append(batch.Failures, db.InodeFailure{
		MediumID:      w.mediumID,
		InodeNumber:   in.InodeNumber,
		ErrorString:   errString,
		TerminalClaim: terminal,
	})
}
