package stats

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-cloaker/trafficguard/internal/database"
)

type fakeRepo struct {
	counts     database.ClickCounts
	blocked    int64
	pending    int64
	err        error
	since      time.Time
	fraudAbove int
}

func (f *fakeRepo) ClickCounts(ctx context.Context, since time.Time, fraudAbove int) (database.ClickCounts, error) {
	f.since = since
	f.fraudAbove = fraudAbove
	return f.counts, f.err
}

func (f *fakeRepo) CountLiveEntries(ctx context.Context, listType string, now time.Time) (int64, error) {
	return f.blocked, nil
}

func (f *fakeRepo) CountReportsByStatus(ctx context.Context, status string) (int64, error) {
	return f.pending, nil
}

func TestRate(t *testing.T) {
	assert.Equal(t, 0.0, Rate(0, 0))
	assert.Equal(t, 0.0, Rate(5, 0))
	assert.Equal(t, 33.33, Rate(1, 3))
	assert.Equal(t, 66.67, Rate(2, 3))
	assert.Equal(t, 100.0, Rate(7, 7))
}

func TestSnapshot(t *testing.T) {
	repo := &fakeRepo{
		counts:  database.ClickCounts{Total: 200, Bot: 30, Fraud: 45},
		blocked: 4,
		pending: 2,
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	agg := NewAggregator(repo)
	agg.now = func() time.Time { return now }

	snap, err := agg.Snapshot(context.Background(), 0)
	require.NoError(t, err)

	assert.Equal(t, now.Add(-24*time.Hour), repo.since)
	assert.Equal(t, 40, repo.fraudAbove)
	assert.Equal(t, 15.0, snap.BotRate)
	assert.Equal(t, 22.5, snap.FraudRate)
	assert.Equal(t, int64(4), snap.BlockedIPs)
	assert.Equal(t, int64(2), snap.PendingReports)
}

func TestSnapshot_EmptyWindow(t *testing.T) {
	agg := NewAggregator(&fakeRepo{})

	snap, err := agg.Snapshot(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0.0, snap.BotRate)
	assert.Equal(t, 0.0, snap.FraudRate)
}

func TestSnapshot_StorageError(t *testing.T) {
	agg := NewAggregator(&fakeRepo{err: errors.New("disk I/O error")})

	_, err := agg.Snapshot(context.Background(), time.Hour)
	assert.Error(t, err)
}
