package reports

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nexus-cloaker/trafficguard/internal/config"
	"github.com/nexus-cloaker/trafficguard/internal/database"
)

func newTestMutator(t *testing.T) *Mutator {
	t.Helper()

	db, err := database.New(config.DatabaseConfig{
		Driver: "sqlite3",
		DSN:    filepath.Join(t.TempDir(), "reports.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background()))

	return NewMutator(db, zap.NewNop())
}

func createReport(t *testing.T, m *Mutator) *database.FraudReport {
	t.Helper()
	r := &database.FraudReport{
		Type:       "bot_traffic",
		IP:         "203.0.113.5",
		RiskScore:  85,
		Severity:   SeverityHigh,
		ReportedBy: database.CreatedBySystem,
		Details:    database.ReportDetails{Reasons: []string{"bot user agent detected: python"}, IsBot: true},
	}
	require.NoError(t, m.Create(context.Background(), r))
	return r
}

func strPtr(s string) *string { return &s }

func TestUpdate_StaleVersionConflicts(t *testing.T) {
	m := newTestMutator(t)
	ctx := context.Background()
	r := createReport(t, m)

	// Walk the report to version 3.
	_, err := m.Update(ctx, r.ID, database.ReportPatch{Description: strPtr("triage")}, 1)
	require.NoError(t, err)
	_, err = m.Update(ctx, r.ID, database.ReportPatch{Severity: strPtr(SeverityCritical)}, 2)
	require.NoError(t, err)

	updated, err := m.Update(ctx, r.ID, database.ReportPatch{Status: strPtr(database.ReportConfirmed)}, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(4), updated.Version)
	assert.Equal(t, database.ReportConfirmed, updated.Status)

	_, err = m.Update(ctx, r.ID, database.ReportPatch{Status: strPtr(database.ReportFalsePositive)}, 3)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConflict))

	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, int64(4), conflict.CurrentVersion)
	assert.Equal(t, int64(3), conflict.AttemptedVersion)

	stored, err := m.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, database.ReportConfirmed, stored.Status)
	assert.Equal(t, int64(4), stored.Version)
	assert.True(t, stored.Details.IsBot)
}

func TestUpdate_NotFound(t *testing.T) {
	m := newTestMutator(t)

	_, err := m.Update(context.Background(), "missing", database.ReportPatch{Status: strPtr(database.ReportConfirmed)}, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdate_InvalidStatus(t *testing.T) {
	m := newTestMutator(t)
	r := createReport(t, m)

	_, err := m.Update(context.Background(), r.ID, database.ReportPatch{Status: strPtr("closed")}, 1)
	assert.ErrorIs(t, err, ErrInvalidPatch)
}

func TestUpdate_ConcurrentWritersOneWins(t *testing.T) {
	m := newTestMutator(t)
	ctx := context.Background()
	r := createReport(t, m)

	const writers = 6
	var wg sync.WaitGroup
	results := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Update(ctx, r.ID, database.ReportPatch{Status: strPtr(database.ReportConfirmed)}, 1)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var ok, conflicts int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, writers-1, conflicts)

	stored, err := m.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.Version)
}

func TestListAndCountPending(t *testing.T) {
	m := newTestMutator(t)
	ctx := context.Background()
	createReport(t, m)
	r := createReport(t, m)

	_, err := m.Update(ctx, r.ID, database.ReportPatch{Status: strPtr(database.ReportFalsePositive)}, 1)
	require.NoError(t, err)

	pending, err := m.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)

	all, err := m.List(ctx, database.ReportFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	fp, err := m.List(ctx, database.ReportFilter{Status: database.ReportFalsePositive})
	require.NoError(t, err)
	require.Len(t, fp, 1)
	assert.Equal(t, r.ID, fp[0].ID)
}
