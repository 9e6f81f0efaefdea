package reports

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/nexus-cloaker/trafficguard/internal/database"
)

var (
	// ErrNotFound is returned when the report does not exist.
	ErrNotFound = errors.New("fraud report not found")
	// ErrConflict matches any *ConflictError through errors.Is.
	ErrConflict = errors.New("fraud report version conflict")
	// ErrInvalidPatch is returned for a patch with an unknown status or severity.
	ErrInvalidPatch = errors.New("invalid report patch")
)

// Severities
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// ConflictError reports that the stored version moved before the write.
type ConflictError struct {
	ReportID         string `json:"report_id"`
	CurrentVersion   int64  `json:"current_version"`
	AttemptedVersion int64  `json:"attempted_version"`
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("report %s was modified: current version %d, attempted %d",
		e.ReportID, e.CurrentVersion, e.AttemptedVersion)
}

// Is lets errors.Is(err, ErrConflict) match.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// Repository is the storage the mutator needs.
type Repository interface {
	CreateReport(ctx context.Context, r *database.FraudReport) error
	GetReport(ctx context.Context, id string) (*database.FraudReport, error)
	UpdateReportVersioned(ctx context.Context, id string, p database.ReportPatch, expected int64) (*database.FraudReport, error)
	ListReports(ctx context.Context, f database.ReportFilter) ([]database.FraudReport, error)
	CountReportsByStatus(ctx context.Context, status string) (int64, error)
}

// Mutator is the only write path for fraud reports after creation. Every
// update is conditioned on the caller's last-seen version.
type Mutator struct {
	repo   Repository
	logger *zap.Logger
}

func NewMutator(repo Repository, logger *zap.Logger) *Mutator {
	return &Mutator{repo: repo, logger: logger.Named("reports")}
}

// Create stores a new report at version 1.
func (m *Mutator) Create(ctx context.Context, r *database.FraudReport) error {
	r.Version = 1
	if r.Status == "" {
		r.Status = database.ReportPending
	}
	if err := validate(database.ReportPatch{Status: &r.Status, Severity: &r.Severity}); err != nil {
		return err
	}
	if err := m.repo.CreateReport(ctx, r); err != nil {
		return fmt.Errorf("failed to create fraud report: %w", err)
	}
	m.logger.Info("fraud report created",
		zap.String("id", r.ID),
		zap.String("ip", r.IP),
		zap.String("type", r.Type),
		zap.Int("risk_score", r.RiskScore),
	)
	return nil
}

// Get returns one report.
func (m *Mutator) Get(ctx context.Context, id string) (*database.FraudReport, error) {
	r, err := m.repo.GetReport(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrNotFound
	}
	return r, err
}

// List returns reports matching f, newest first.
func (m *Mutator) List(ctx context.Context, f database.ReportFilter) ([]database.FraudReport, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Limit > 500 {
		f.Limit = 500
	}
	reports, err := m.repo.ListReports(ctx, f)
	if err != nil {
		return nil, err
	}
	if reports == nil {
		reports = []database.FraudReport{}
	}
	return reports, nil
}

// CountPending returns the number of reports awaiting review.
func (m *Mutator) CountPending(ctx context.Context) (int64, error) {
	return m.repo.CountReportsByStatus(ctx, database.ReportPending)
}

// Update applies patch when the stored version equals expectedVersion and
// returns the record at expectedVersion+1. A moved version yields a
// *ConflictError; the mutator never merges or retries.
func (m *Mutator) Update(ctx context.Context, id string, patch database.ReportPatch, expectedVersion int64) (*database.FraudReport, error) {
	if err := validate(patch); err != nil {
		return nil, err
	}

	r, err := m.repo.UpdateReportVersioned(ctx, id, patch, expectedVersion)
	switch {
	case err == nil:
		return r, nil
	case errors.Is(err, database.ErrNotFound):
		return nil, ErrNotFound
	case errors.Is(err, database.ErrVersionMismatch):
		current, getErr := m.repo.GetReport(ctx, id)
		if getErr != nil {
			if errors.Is(getErr, database.ErrNotFound) {
				return nil, ErrNotFound
			}
			return nil, getErr
		}
		m.logger.Info("fraud report update conflict",
			zap.String("id", id),
			zap.Int64("current_version", current.Version),
			zap.Int64("attempted_version", expectedVersion),
		)
		return nil, &ConflictError{
			ReportID:         id,
			CurrentVersion:   current.Version,
			AttemptedVersion: expectedVersion,
		}
	default:
		return nil, fmt.Errorf("failed to update fraud report: %w", err)
	}
}

func validate(p database.ReportPatch) error {
	if p.Status != nil {
		switch *p.Status {
		case database.ReportPending, database.ReportConfirmed, database.ReportFalsePositive:
		default:
			return fmt.Errorf("%w: unknown status %q", ErrInvalidPatch, *p.Status)
		}
	}
	if p.Severity != nil {
		switch *p.Severity {
		case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		default:
			return fmt.Errorf("%w: unknown severity %q", ErrInvalidPatch, *p.Severity)
		}
	}
	return nil
}
