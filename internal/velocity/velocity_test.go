package velocity

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-cloaker/trafficguard/internal/config"
	"github.com/nexus-cloaker/trafficguard/internal/database"
)

func TestFrequencyRisk(t *testing.T) {
	tests := []struct {
		clicks    int64
		threshold int
		want      int
	}{
		{0, 100, 0},
		{49, 100, 0},
		{50, 100, FrequencyElevatedScore},
		{99, 100, FrequencyElevatedScore},
		{100, 100, FrequencyHighScore},
		{5000, 100, FrequencyHighScore},
		{1000, 0, 0},
		{1, 1, FrequencyHighScore},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FrequencyRisk(tt.clicks, tt.threshold), "clicks=%d threshold=%d", tt.clicks, tt.threshold)
	}
}

func TestPatternRisk(t *testing.T) {
	assert.Equal(t, 0, PatternRisk(9, 9, 50), "too few clicks")
	assert.Equal(t, 0, PatternRisk(10, 5, 50), "rate equal to threshold")
	assert.Equal(t, ConversionAnomalyScore, PatternRisk(10, 6, 50))
	assert.Equal(t, 0, PatternRisk(100, 100, 0), "disabled")
}

type fakeCounter struct {
	count int64
	err   error
}

func (f *fakeCounter) Record(ctx context.Context, ip string, at time.Time) error { return nil }

func (f *fakeCounter) Count(ctx context.Context, ip string, since time.Time) (int64, error) {
	return f.count, f.err
}

type fakeConversions struct {
	clicks, conversions int64
	err                 error
}

func (f *fakeConversions) ConversionStats(ctx context.Context, since time.Time) (int64, int64, error) {
	return f.clicks, f.conversions, f.err
}

func TestAssess(t *testing.T) {
	h := NewHeuristics(&fakeCounter{count: 120}, &fakeConversions{clicks: 40, conversions: 30})

	a, err := h.Assess(context.Background(), "203.0.113.5", Thresholds{IPClickThreshold: 100, ConversionRateThreshold: 50})
	require.NoError(t, err)
	assert.Equal(t, int64(120), a.ClicksLastHour)
	assert.Equal(t, FrequencyHighScore, a.FrequencyScore)
	assert.Equal(t, 75.0, a.ConversionRate)
	assert.Equal(t, ConversionAnomalyScore, a.PatternScore)
}

func TestAssess_PartialFailure(t *testing.T) {
	h := NewHeuristics(&fakeCounter{err: errors.New("redis down")}, &fakeConversions{clicks: 40, conversions: 30})

	a, err := h.Assess(context.Background(), "203.0.113.5", Thresholds{IPClickThreshold: 100, ConversionRateThreshold: 50})
	assert.Error(t, err)
	assert.Equal(t, 0, a.FrequencyScore)
	assert.Equal(t, ConversionAnomalyScore, a.PatternScore)
}

func TestSQLCounter(t *testing.T) {
	db, err := database.New(config.DatabaseConfig{Driver: "sqlite3", DSN: filepath.Join(t.TempDir(), "velocity.db")})
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()
	require.NoError(t, db.Migrate(ctx))

	now := time.Now().UTC()
	for _, at := range []time.Time{now.Add(-2 * time.Hour), now.Add(-30 * time.Minute), now.Add(-time.Minute)} {
		require.NoError(t, db.CreateClick(ctx, &database.Click{IP: "198.51.100.3", CreatedAt: at}))
	}
	require.NoError(t, db.CreateClick(ctx, &database.Click{IP: "198.51.100.4", CreatedAt: now}))

	counter := NewSQLCounter(db)
	n, err := counter.Count(ctx, "198.51.100.3", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// No remote backend to lose.
	assert.NoError(t, NewHeuristics(counter, db).Ping(ctx))
}

func TestRedisCounter(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	ctx := context.Background()
	counter, err := NewRedisCounter(ctx, config.RedisConfig{Addr: addr}, time.Hour)
	require.NoError(t, err)
	defer counter.Close()
	counter.prefix = "trafficguard:test:" + uuid.New().String() + ":"

	ip := "203.0.113.77"
	now := time.Now().UTC()
	require.NoError(t, counter.Record(ctx, ip, now.Add(-2*time.Hour)))
	require.NoError(t, counter.Record(ctx, ip, now.Add(-10*time.Minute)))
	require.NoError(t, counter.Record(ctx, ip, now))

	n, err := counter.Count(ctx, ip, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	assert.NoError(t, NewHeuristics(counter, &fakeConversions{}).Ping(ctx))
}
