package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

const listEntryColumns = `id, type, ip, cidr, reason, risk_score, is_active, created_by, expires_at, created_at, updated_at`

// =====================
// List Entry Operations
// =====================

func (db *DB) CreateListEntry(ctx context.Context, e *ListEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO list_entries (`+listEntryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Type, e.IP, e.CIDR, e.Reason, e.RiskScore, e.IsActive, e.CreatedBy,
		nullTime(e.ExpiresAt), e.CreatedAt, e.UpdatedAt,
	)
	return err
}

func (db *DB) GetListEntry(ctx context.Context, id string) (*ListEntry, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+listEntryColumns+` FROM list_entries WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	entries, err := scanListEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNotFound
	}
	return &entries[0], nil
}

// ActiveEntriesForIP returns rows flagged active whose ip column equals ip.
// Expiry is not evaluated here; callers decide what to do with stale rows.
func (db *DB) ActiveEntriesForIP(ctx context.Context, listType, ip string) ([]ListEntry, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+listEntryColumns+` FROM list_entries WHERE type = ? AND ip = ? AND is_active = 1`,
		listType, ip,
	)
	if err != nil {
		return nil, err
	}
	return scanListEntries(rows)
}

// ActiveCIDREntries returns rows flagged active that describe a network.
func (db *DB) ActiveCIDREntries(ctx context.Context, listType string) ([]ListEntry, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+listEntryColumns+` FROM list_entries WHERE type = ? AND cidr != '' AND is_active = 1`,
		listType,
	)
	if err != nil {
		return nil, err
	}
	return scanListEntries(rows)
}

// DeactivateListEntry flips one entry to inactive. Only active -> inactive
// transitions are written, so racing callers converge on the same state.
func (db *DB) DeactivateListEntry(ctx context.Context, id string) error {
	_, err := db.conn.ExecContext(ctx,
		"UPDATE list_entries SET is_active = 0, updated_at = ? WHERE id = ? AND is_active = 1",
		time.Now().UTC(), id,
	)
	return err
}

// DeactivateIP deactivates every active entry of listType whose ip or cidr
// equals value and returns the number of rows changed.
func (db *DB) DeactivateIP(ctx context.Context, listType, value string) (int64, error) {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE list_entries SET is_active = 0, updated_at = ?
		WHERE type = ? AND (ip = ? OR cidr = ?) AND is_active = 1`,
		time.Now().UTC(), listType, value, value,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UpdateListEntry applies p to the entry with id and listType.
func (db *DB) UpdateListEntry(ctx context.Context, listType, id string, p ListEntryPatch) (*ListEntry, error) {
	sets := []string{"updated_at = ?"}
	args := []interface{}{time.Now().UTC()}

	if p.Reason != nil {
		sets = append(sets, "reason = ?")
		args = append(args, *p.Reason)
	}
	if p.RiskScore != nil {
		sets = append(sets, "risk_score = ?")
		args = append(args, *p.RiskScore)
	}
	if p.IsActive != nil {
		sets = append(sets, "is_active = ?")
		args = append(args, *p.IsActive)
	}
	if p.ClearExpiry {
		sets = append(sets, "expires_at = NULL")
	} else if p.ExpiresAt != nil {
		sets = append(sets, "expires_at = ?")
		args = append(args, p.ExpiresAt.UTC())
	}

	args = append(args, id, listType)
	res, err := db.conn.ExecContext(ctx,
		"UPDATE list_entries SET "+strings.Join(sets, ", ")+" WHERE id = ? AND type = ?", args...,
	)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return db.GetListEntry(ctx, id)
}

// ListEntries returns one page of entries and the total number matching f.
func (db *DB) ListEntries(ctx context.Context, f ListFilter) ([]ListEntry, int64, error) {
	where := []string{"type = ?"}
	args := []interface{}{f.Type}

	if f.Active != nil {
		where = append(where, "is_active = ?")
		args = append(args, *f.Active)
	}
	if f.IP != "" {
		where = append(where, "(ip LIKE ? OR cidr LIKE ?)")
		args = append(args, "%"+f.IP+"%", "%"+f.IP+"%")
	}
	if f.CreatedBy != "" {
		where = append(where, "created_by = ?")
		args = append(args, f.CreatedBy)
	}
	clause := " WHERE " + strings.Join(where, " AND ")

	var total int64
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM list_entries"+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+listEntryColumns+` FROM list_entries`+clause+` ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		append(args, f.Limit, f.Offset)...,
	)
	if err != nil {
		return nil, 0, err
	}
	entries, err := scanListEntries(rows)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// CountLiveEntries counts active, unexpired entries of listType at now.
func (db *DB) CountLiveEntries(ctx context.Context, listType string, now time.Time) (int64, error) {
	var n int64
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM list_entries WHERE type = ? AND is_active = 1
		AND (expires_at IS NULL OR expires_at > ?)`, listType, now.UTC(),
	).Scan(&n)
	return n, err
}

func scanListEntries(rows *sql.Rows) ([]ListEntry, error) {
	defer rows.Close()

	var entries []ListEntry
	for rows.Next() {
		var e ListEntry
		var reason sql.NullString
		var expires sql.NullTime
		err := rows.Scan(
			&e.ID, &e.Type, &e.IP, &e.CIDR, &reason, &e.RiskScore, &e.IsActive, &e.CreatedBy,
			&expires, &e.CreatedAt, &e.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		e.Reason = reason.String
		if expires.Valid {
			t := expires.Time
			e.ExpiresAt = &t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =====================
// Fraud Report Operations
// =====================

const reportColumns = `id, type, ip, click_id, description, risk_score, status, severity, reported_by,
	reviewed_by, details, version, created_at, updated_at`

func (db *DB) CreateReport(ctx context.Context, r *FraudReport) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	if r.Version == 0 {
		r.Version = 1
	}
	if r.Status == "" {
		r.Status = ReportPending
	}

	details, _ := json.Marshal(r.Details)

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO fraud_reports (`+reportColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Type, r.IP, r.ClickID, r.Description, r.RiskScore, r.Status, r.Severity, r.ReportedBy,
		r.ReviewedBy, string(details), r.Version, r.CreatedAt, r.UpdatedAt,
	)
	return err
}

func (db *DB) GetReport(ctx context.Context, id string) (*FraudReport, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+reportColumns+` FROM fraud_reports WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	reports, err := scanReports(rows)
	if err != nil {
		return nil, err
	}
	if len(reports) == 0 {
		return nil, ErrNotFound
	}
	return &reports[0], nil
}

// UpdateReportVersioned applies p in a single statement that only matches
// when the stored version equals expected. The new version is expected+1.
// It returns ErrVersionMismatch when the row exists but the version moved,
// and ErrNotFound when there is no such row.
func (db *DB) UpdateReportVersioned(ctx context.Context, id string, p ReportPatch, expected int64) (*FraudReport, error) {
	sets := []string{"version = ?", "updated_at = ?"}
	args := []interface{}{expected + 1, time.Now().UTC()}

	if p.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *p.Status)
	}
	if p.Severity != nil {
		sets = append(sets, "severity = ?")
		args = append(args, *p.Severity)
	}
	if p.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *p.Description)
	}
	if p.ReviewedBy != nil {
		sets = append(sets, "reviewed_by = ?")
		args = append(args, *p.ReviewedBy)
	}

	args = append(args, id, expected)
	res, err := db.conn.ExecContext(ctx,
		"UPDATE fraud_reports SET "+strings.Join(sets, ", ")+" WHERE id = ? AND version = ?", args...,
	)
	if err != nil {
		return nil, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		if _, err := db.GetReport(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrVersionMismatch
	}
	return db.GetReport(ctx, id)
}

func (db *DB) ListReports(ctx context.Context, f ReportFilter) ([]FraudReport, error) {
	query := `SELECT ` + reportColumns + ` FROM fraud_reports`
	var where []string
	var args []interface{}

	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.IP != "" {
		where = append(where, "ip = ?")
		args = append(args, f.IP)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanReports(rows)
}

func (db *DB) CountReportsByStatus(ctx context.Context, status string) (int64, error) {
	var n int64
	err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM fraud_reports WHERE status = ?", status).Scan(&n)
	return n, err
}

func scanReports(rows *sql.Rows) ([]FraudReport, error) {
	defer rows.Close()

	var reports []FraudReport
	for rows.Next() {
		var r FraudReport
		var clickID, description, details sql.NullString
		err := rows.Scan(
			&r.ID, &r.Type, &r.IP, &clickID, &description, &r.RiskScore, &r.Status, &r.Severity,
			&r.ReportedBy, &r.ReviewedBy, &details, &r.Version, &r.CreatedAt, &r.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		r.ClickID = clickID.String
		r.Description = description.String
		if details.Valid {
			json.Unmarshal([]byte(details.String), &r.Details)
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// =====================
// Webhook Operations
// =====================

func (db *DB) CreateWebhook(ctx context.Context, w *Webhook) error {
	w.ID = uuid.New().String()
	now := time.Now().UTC()
	w.CreatedAt = now
	w.UpdatedAt = now
	if w.Method == "" {
		w.Method = "POST"
	}

	headers, _ := json.Marshal(w.Headers)
	events, _ := json.Marshal(w.Events)

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO webhooks (id, name, url, method, headers, events, is_active, timeout_seconds, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Name, w.URL, w.Method, string(headers), string(events), w.IsActive, w.TimeoutSeconds,
		w.CreatedAt, w.UpdatedAt,
	)
	return err
}

// ListWebhooks returns all webhooks, or only active ones when activeOnly is set.
func (db *DB) ListWebhooks(ctx context.Context, activeOnly bool) ([]Webhook, error) {
	query := `SELECT id, name, url, method, headers, events, is_active, timeout_seconds, created_at, updated_at FROM webhooks`
	if activeOnly {
		query += " WHERE is_active = 1"
	}
	query += " ORDER BY created_at DESC"

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var webhooks []Webhook
	for rows.Next() {
		var w Webhook
		var headers, events sql.NullString
		err := rows.Scan(&w.ID, &w.Name, &w.URL, &w.Method, &headers, &events, &w.IsActive,
			&w.TimeoutSeconds, &w.CreatedAt, &w.UpdatedAt)
		if err != nil {
			return nil, err
		}
		if headers.Valid {
			json.Unmarshal([]byte(headers.String), &w.Headers)
		}
		if events.Valid {
			json.Unmarshal([]byte(events.String), &w.Events)
		}
		webhooks = append(webhooks, w)
	}
	return webhooks, rows.Err()
}

// DeactivateWebhook disables a webhook. Rows are kept for the failure log.
func (db *DB) DeactivateWebhook(ctx context.Context, id string) error {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE webhooks SET is_active = 0, updated_at = ? WHERE id = ?", time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) CreateWebhookFailure(ctx context.Context, f *WebhookFailure) error {
	f.ID = uuid.New().String()
	f.CreatedAt = time.Now().UTC()
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO webhook_failures (id, webhook_id, event, payload, error, status_code, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.WebhookID, f.Event, f.Payload, f.Error, f.StatusCode, f.Attempts, f.CreatedAt,
	)
	return err
}

func (db *DB) ListWebhookFailures(ctx context.Context, limit int) ([]WebhookFailure, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, webhook_id, event, payload, error, status_code, attempts, created_at
		FROM webhook_failures ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var failures []WebhookFailure
	for rows.Next() {
		var f WebhookFailure
		var payload, msg sql.NullString
		if err := rows.Scan(&f.ID, &f.WebhookID, &f.Event, &payload, &msg, &f.StatusCode, &f.Attempts, &f.CreatedAt); err != nil {
			return nil, err
		}
		f.Payload = payload.String
		f.Error = msg.String
		failures = append(failures, f)
	}
	return failures, rows.Err()
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// IsNotFound reports whether err is ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
