package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckArchivePreflightPassesWithLowFloor(t *testing.T) {
	cfg := Config{ArchiveRoot: t.TempDir(), MinFreeBytes: 1}
	require.NoError(t, CheckArchivePreflight(cfg))
}

func TestCheckArchivePreflightFailsWhenFreeSpaceBelowFloor(t *testing.T) {
	cfg := Config{ArchiveRoot: t.TempDir(), MinFreeBytes: 1 << 62}
	err := CheckArchivePreflight(cfg)
	assert.ErrorContains(t, err, "bytes free")
}

func TestCheckArchivePreflightFailsOnPoolMismatch(t *testing.T) {
	cfg := Config{ArchiveRoot: t.TempDir(), MinFreeBytes: 1, ArchivePool: "nonexistent-pool-name-xyz"}
	err := CheckArchivePreflight(cfg)
	assert.ErrorContains(t, err, "not pool")
}
