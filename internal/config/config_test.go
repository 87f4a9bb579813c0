package config

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Setenv("NTT_DB_URL", "postgres://localhost/ntt")
	t.Setenv("NTT_BY_HASH_ROOT", "/archive/by-hash")
	t.Setenv("NTT_ARCHIVE_ROOT", "/archive/tree")
}

func TestLoadDefaultsWorkerID(t *testing.T) {
	resetViper(t)
	cmd := &cobra.Command{}
	BindFlags(cmd)
	require.NoError(t, cmd.Flags().Set("medium-id", "abc123"))

	cfg, err := Load(4321)
	require.NoError(t, err)
	assert.Equal(t, "w4321", cfg.WorkerID)
	assert.Equal(t, "abc123", cfg.MediumID)
	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, "/mnt", cfg.MountRoot)
	assert.Equal(t, uint64(5*1024*1024*1024*1024), cfg.MinFreeBytes)
	assert.Empty(t, cfg.ArchivePool)
}

func TestLoadParsesMinFreeBytes(t *testing.T) {
	resetViper(t)
	t.Setenv("NTT_MIN_FREE_BYTES", "1GiB")
	cmd := &cobra.Command{}
	BindFlags(cmd)
	require.NoError(t, cmd.Flags().Set("medium-id", "abc123"))

	cfg, err := Load(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1024*1024*1024), cfg.MinFreeBytes)
}

func TestLoadRequiresMediumID(t *testing.T) {
	resetViper(t)
	cmd := &cobra.Command{}
	BindFlags(cmd)

	_, err := Load(1)
	assert.Error(t, err)
}

func TestLoadRequiresDBURL(t *testing.T) {
	viper.Reset()
	t.Setenv("NTT_BY_HASH_ROOT", "/x")
	t.Setenv("NTT_ARCHIVE_ROOT", "/y")
	cmd := &cobra.Command{}
	BindFlags(cmd)
	require.NoError(t, cmd.Flags().Set("medium-id", "abc"))

	_, err := Load(1)
	assert.Error(t, err)
}

func TestExplicitWorkerIDOverridesDefault(t *testing.T) {
	resetViper(t)
	cmd := &cobra.Command{}
	BindFlags(cmd)
	require.NoError(t, cmd.Flags().Set("medium-id", "abc"))
	require.NoError(t, cmd.Flags().Set("worker-id", "custom-worker"))

	cfg, err := Load(999)
	require.NoError(t, err)
	assert.Equal(t, "custom-worker", cfg.WorkerID)
}
