package mimecache

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledCacheIsNoOp(t *testing.T) {
	c, err := Open("")
	require.NoError(t, err)

	mime, err := c.Lookup("blob1")
	require.NoError(t, err)
	assert.Empty(t, mime)

	require.NoError(t, c.Store("blob1", "text/plain"))
	require.NoError(t, c.Close())
}

func TestStoreThenReopenLookupHits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mime.db")

	c1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, c1.Store("blob-a", "image/png"))
	require.NoError(t, c1.Close())

	c2, err := Open(path)
	require.NoError(t, err)
	mime, err := c2.Lookup("blob-a")
	require.NoError(t, err)
	assert.Equal(t, "image/png", mime)
	require.NoError(t, c2.Close())
}

func TestLookupMissReturnsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mime.db")
	c, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	mime, err := c.Lookup("unknown-blob")
	require.NoError(t, err)
	assert.Empty(t, mime)
}

func TestSelfCleaningDropsUnusedEntriesAcrossRuns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mime.db")

	c1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, c1.Store("stale-blob", "application/pdf"))
	require.NoError(t, c1.Store("reused-blob", "video/mp4"))
	require.NoError(t, c1.Close())

	c2, err := Open(path)
	require.NoError(t, err)
	_, err = c2.Lookup("reused-blob") // only touch one entry
	require.NoError(t, err)
	require.NoError(t, c2.Close())

	c3, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = c3.Close() }()

	reused, err := c3.Lookup("reused-blob")
	require.NoError(t, err)
	assert.Equal(t, "video/mp4", reused)

	stale, err := c3.Lookup("stale-blob")
	require.NoError(t, err)
	assert.Empty(t, stale, "entries not looked up in the prior run should not survive the swap")
}
