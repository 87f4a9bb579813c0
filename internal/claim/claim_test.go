package claim

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vm-wylbur/ntt-copier/internal/model"
)

type fakeProber struct {
	maxID          int64
	probeResults   [][]model.Inode // consumed in order, one per ClaimProbe call
	probeCalls     int
	fallbackResult []model.Inode
	fallbackCalls  int
	sweptCount     int64
	sweepCalls     int
}

func (f *fakeProber) MaxInodeID(ctx context.Context, mediumID string) (int64, error) {
	return f.maxID, nil
}

func (f *fakeProber) ClaimProbe(ctx context.Context, mediumID string, startID int64, batchSize int, workerID string) ([]model.Inode, error) {
	defer func() { f.probeCalls++ }()
	if f.probeCalls < len(f.probeResults) {
		return f.probeResults[f.probeCalls], nil
	}
	return nil, nil
}

func (f *fakeProber) ClaimFallback(ctx context.Context, mediumID string, batchSize int, workerID string) ([]model.Inode, error) {
	f.fallbackCalls++
	return f.fallbackResult, nil
}

func (f *fakeProber) SweepMaxRetries(ctx context.Context, mediumID string, maxErrors int) (int64, error) {
	f.sweepCalls++
	return f.sweptCount, nil
}

func TestNewSweepsAndSnapshotsMaxID(t *testing.T) {
	f := &fakeProber{maxID: 42, sweptCount: 3}
	c, err := New(context.Background(), f, "medium-1", "worker-1", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, f.sweepCalls)
	assert.EqualValues(t, 42, c.maxID)
}

func TestClaimBatchReturnsFirstSuccessfulProbe(t *testing.T) {
	want := []model.Inode{{MediumID: "m", InodeNumber: 7}}
	f := &fakeProber{
		maxID: 100,
		probeResults: [][]model.Inode{
			nil,
			want,
		},
	}
	c, err := New(context.Background(), f, "m", "w", 5)
	require.NoError(t, err)

	got, err := c.ClaimBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, 2, f.probeCalls)
	assert.Equal(t, 0, f.fallbackCalls)
}

func TestClaimBatchFallsBackAfterMaxProbesMiss(t *testing.T) {
	f := &fakeProber{
		maxID:          100,
		probeResults:   [][]model.Inode{nil, nil, nil},
		fallbackResult: []model.Inode{{MediumID: "m", InodeNumber: 99}},
	}
	c, err := New(context.Background(), f, "m", "w", 5)
	require.NoError(t, err)

	got, err := c.ClaimBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, f.fallbackResult, got)
	assert.Equal(t, MaxProbes, f.probeCalls)
	assert.Equal(t, 1, f.fallbackCalls)
}

func TestClaimBatchDrainedMediumReturnsEmpty(t *testing.T) {
	f := &fakeProber{maxID: 0}
	c, err := New(context.Background(), f, "m", "w", 5)
	require.NoError(t, err)

	got, err := c.ClaimBatch(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
}
