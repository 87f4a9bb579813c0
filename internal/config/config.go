// Package config resolves the copy worker's configuration by layering CLI
// flags over the NTT_* environment variables spec.md §6 names, following
// the same viper/cobra binding shape as mfinelli/modctl's cmd/root.go
// (adapted from a TOML config file to env-var-only, since the worker is
// meant to run unattended under a process supervisor rather than from an
// interactive shell).
package config

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// defaultMinFree is the pre-flight free-space floor when NTT_MIN_FREE_BYTES
// is unset (spec.md §6 "Pre-flight": "> 5 TiB free").
const defaultMinFree = "5TiB"

// Config is the resolved set of worker parameters (spec.md §6 "External
// interfaces: CLI").
type Config struct {
	MediumID  string
	Limit     int
	DryRun    bool
	BatchSize int
	WorkerID  string

	DBURL         string
	RamdiskRoot   string
	NVMETmp       string
	ByHashRoot    string
	ArchiveRoot   string
	SearchPath    string
	MountRoot     string
	MountHelper   string
	MimeCacheDB   string
	KernelLogPath string

	// ArchivePool, if set, is the expected pool name the archive root must
	// live on; MinFreeBytes is the free-space floor checked against it
	// (spec.md §6 "Pre-flight", SPEC_FULL.md §C).
	ArchivePool  string
	MinFreeBytes uint64
}

// BindFlags registers the copy worker's flags on cmd and wires viper to
// read NTT_*-prefixed environment variables as the fallback for any flag
// left at its default.
func BindFlags(cmd *cobra.Command) {
	cmd.Flags().String("medium-id", "", "medium to process (required)")
	cmd.Flags().Int("limit", 0, "stop after N inodes (0 = unbounded)")
	cmd.Flags().Bool("dry-run", false, "analyze only, make no filesystem or database changes")
	cmd.Flags().Int("batch-size", 100, "number of inodes claimed per batch")
	cmd.Flags().String("worker-id", "", "worker identifier (defaults to w<pid>)")

	_ = viper.BindPFlag("medium_id", cmd.Flags().Lookup("medium-id"))
	_ = viper.BindPFlag("limit", cmd.Flags().Lookup("limit"))
	_ = viper.BindPFlag("dry_run", cmd.Flags().Lookup("dry-run"))
	_ = viper.BindPFlag("batch_size", cmd.Flags().Lookup("batch-size"))
	_ = viper.BindPFlag("worker_id", cmd.Flags().Lookup("worker-id"))

	viper.SetEnvPrefix("NTT")
	viper.AutomaticEnv()
	_ = viper.BindEnv("db_url", "NTT_DB_URL")
	_ = viper.BindEnv("ramdisk_root", "NTT_RAMDISK")
	_ = viper.BindEnv("nvme_tmp", "NTT_NVME_TMP")
	_ = viper.BindEnv("by_hash_root", "NTT_BY_HASH_ROOT")
	_ = viper.BindEnv("archive_root", "NTT_ARCHIVE_ROOT")
	_ = viper.BindEnv("search_path", "NTT_SEARCH_PATH")
	_ = viper.BindEnv("mount_root", "NTT_MOUNT_ROOT")
	_ = viper.BindEnv("mount_helper", "NTT_MOUNT_HELPER")
	_ = viper.BindEnv("mime_cache_db", "NTT_MIME_CACHE_DB")
	_ = viper.BindEnv("kernel_log_path", "NTT_KERNEL_LOG")
	_ = viper.BindEnv("archive_pool", "NTT_ARCHIVE_POOL")
	_ = viper.BindEnv("min_free_bytes", "NTT_MIN_FREE_BYTES")
}

// Load resolves a Config from viper's current state, defaulting worker_id
// if unset (spec.md §6: "defaults to w<pid>").
func Load(pid int) (Config, error) {
	c := Config{
		MediumID:      viper.GetString("medium_id"),
		Limit:         viper.GetInt("limit"),
		DryRun:        viper.GetBool("dry_run"),
		BatchSize:     viper.GetInt("batch_size"),
		WorkerID:      viper.GetString("worker_id"),
		DBURL:         viper.GetString("db_url"),
		RamdiskRoot:   viper.GetString("ramdisk_root"),
		NVMETmp:       viper.GetString("nvme_tmp"),
		ByHashRoot:    viper.GetString("by_hash_root"),
		ArchiveRoot:   viper.GetString("archive_root"),
		SearchPath:    viper.GetString("search_path"),
		MountRoot:     viper.GetString("mount_root"),
		MountHelper:   viper.GetString("mount_helper"),
		MimeCacheDB:   viper.GetString("mime_cache_db"),
		KernelLogPath: viper.GetString("kernel_log_path"),
		ArchivePool:   viper.GetString("archive_pool"),
	}

	if c.WorkerID == "" {
		c.WorkerID = fmt.Sprintf("w%d", pid)
	}

	if c.MediumID == "" {
		return Config{}, fmt.Errorf("--medium-id is required")
	}
	if c.DBURL == "" {
		return Config{}, fmt.Errorf("NTT_DB_URL is required")
	}
	if c.ByHashRoot == "" {
		return Config{}, fmt.Errorf("NTT_BY_HASH_ROOT is required")
	}
	if c.ArchiveRoot == "" {
		return Config{}, fmt.Errorf("NTT_ARCHIVE_ROOT is required")
	}
	if c.MountRoot == "" {
		c.MountRoot = "/mnt"
	}
	if c.MountHelper == "" {
		c.MountHelper = "/usr/local/sbin/ntt-mount-helper"
	}

	minFreeStr := viper.GetString("min_free_bytes")
	if minFreeStr == "" {
		minFreeStr = defaultMinFree
	}
	minFree, err := humanize.ParseBytes(minFreeStr)
	if err != nil {
		return Config{}, fmt.Errorf("NTT_MIN_FREE_BYTES: %w", err)
	}
	c.MinFreeBytes = minFree

	return c, nil
}
