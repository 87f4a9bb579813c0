package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/vm-wylbur/ntt-copier/internal/analyzer"
	"github.com/vm-wylbur/ntt-copier/internal/claim"
	"github.com/vm-wylbur/ntt-copier/internal/config"
	"github.com/vm-wylbur/ntt-copier/internal/db"
	"github.com/vm-wylbur/ntt-copier/internal/diagnostics"
	"github.com/vm-wylbur/ntt-copier/internal/executor"
	"github.com/vm-wylbur/ntt-copier/internal/logging"
	"github.com/vm-wylbur/ntt-copier/internal/mimecache"
	"github.com/vm-wylbur/ntt-copier/internal/mount"
	"github.com/vm-wylbur/ntt-copier/internal/progress"
	"github.com/vm-wylbur/ntt-copier/internal/worker"
)

// errNotPrivileged is the fixed error the run subcommand exits with when
// invoked by anyone other than the privileged user (spec.md §6).
var errNotPrivileged = fmt.Errorf("ntt-copier run: must be invoked as the privileged user (root)")

// newRunCmd builds the subcommand that drains one medium's claimed queue
// (spec.md §5: "the worker loop").
func newRunCmd() *cobra.Command {
	var noProgress bool
	var logLevel string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Claim and archive inodes for one medium until it drains",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorker(cmd.Context(), noProgress, logLevel)
		},
	}

	config.BindFlags(cmd)
	cmd.Flags().BoolVar(&noProgress, "no-progress", false, "disable progress output")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	return cmd
}

// runWorker wires together the claim-analyze-execute-commit pipeline for
// one medium and runs it to completion or until a shutdown signal arrives
// between batches (spec.md §5).
func runWorker(parentCtx context.Context, noProgress bool, logLevel string) error {
	if os.Geteuid() != 0 {
		return errNotPrivileged
	}

	cfg, err := config.Load(os.Getpid())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := config.CheckArchivePreflight(cfg); err != nil {
		return err
	}

	logging.SetLevel(logLevel)
	logger := logging.New(cfg.WorkerID, cfg.MediumID)

	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbi, err := db.Open(ctx, cfg.DBURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = dbi.Close() }()

	mountMgr := mount.New(cfg.MountRoot, cfg.MountHelper, func(ctx context.Context, mediumID string) (string, error) {
		medium, err := dbi.GetMedium(ctx, mediumID)
		if err != nil {
			return "", err
		}
		return medium.ImagePath, nil
	})

	claimer, err := claim.New(ctx, dbi, cfg.MediumID, cfg.WorkerID, cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("start claimer: %w", err)
	}

	mimes, err := mimecache.Open(cfg.MimeCacheDB)
	if err != nil {
		return fmt.Errorf("open mime cache: %w", err)
	}
	defer func() { _ = mimes.Close() }()

	diag := diagnostics.New(dbi, cfg.KernelLogPath)

	// Progress previews --dry-run analysis only; a live run logs
	// structured per-inode events instead (spec.md §5, §6).
	var bar *progress.Bar
	if !noProgress && cfg.DryRun {
		bar = progress.New(true, -1)
	}

	w := worker.New(worker.Config{
		Claimer:     claimer,
		Paths:       dbi,
		Commits:     dbi,
		Analyzer:    analyzer.New(dbi, cfg.RamdiskRoot, cfg.NVMETmp),
		Executor:    executor.New(cfg.ByHashRoot, cfg.ArchiveRoot),
		Mounter:     mountMgr,
		Mimes:       mimes,
		Diagnostics: diag,
		Logger:      logger,
		Progress:    bar,
		MediumID:    cfg.MediumID,
		DryRun:      cfg.DryRun,
	})

	shouldStop := func() bool { return ctx.Err() != nil }

	processed, err := w.Run(ctx, cfg.Limit, shouldStop)
	if err != nil {
		return fmt.Errorf("worker run: %w", err)
	}

	logger.Info("worker finished", "processed", humanize.Comma(int64(processed)))
	return nil
}
