package database

import (
	"time"
)

// List types share one table and are told apart by the type column.
const (
	ListWhitelist = "whitelist"
	ListBlocklist = "blocklist"
)

// Report statuses
const (
	ReportPending       = "pending"
	ReportConfirmed     = "confirmed"
	ReportFalsePositive = "false_positive"
)

// CreatedBySystem marks rows written by automated mitigation.
const CreatedBySystem = "system_auto"

// Click is a scored click event as persisted for history and statistics.
type Click struct {
	ID          string    `json:"id" db:"id"`
	IP          string    `json:"ip" db:"ip"`
	UserAgent   string    `json:"user_agent" db:"user_agent"`
	Country     string    `json:"country" db:"country"`
	Device      string    `json:"device" db:"device"`
	OS          string    `json:"os" db:"os"`
	Browser     string    `json:"browser" db:"browser"`
	Referer     string    `json:"referer" db:"referer"`
	OfferID     string    `json:"offer_id" db:"offer_id"`
	FraudScore  int       `json:"fraud_score" db:"fraud_score"`
	IsBot       bool      `json:"is_bot" db:"is_bot"`
	VPNDetected bool      `json:"vpn_detected" db:"vpn_detected"`
	RiskLevel   string    `json:"risk_level" db:"risk_level"`
	Reasons     []string  `json:"reasons" db:"reasons"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Conversion is a postback reported against a click.
type Conversion struct {
	ID        string    `json:"id" db:"id"`
	ClickID   string    `json:"click_id" db:"click_id"`
	IP        string    `json:"ip" db:"ip"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ListEntry is one whitelist or blocklist row. An entry matches either a
// single IP or, when CIDR is set, a whole network.
type ListEntry struct {
	ID        string     `json:"id" db:"id"`
	Type      string     `json:"type" db:"type"`
	IP        string     `json:"ip" db:"ip"`
	CIDR      string     `json:"cidr,omitempty" db:"cidr"`
	Reason    string     `json:"reason" db:"reason"`
	RiskScore int        `json:"risk_score" db:"risk_score"`
	IsActive  bool       `json:"is_active" db:"is_active"`
	CreatedBy string     `json:"created_by" db:"created_by"`
	ExpiresAt *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
}

// Expired reports whether the entry's expiry has passed at now.
func (e *ListEntry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !e.ExpiresAt.After(now)
}

// Live reports whether the entry currently counts toward membership.
func (e *ListEntry) Live(now time.Time) bool {
	return e.IsActive && !e.Expired(now)
}

// ListFilter narrows ListEntries. Zero values mean "any".
type ListFilter struct {
	Type      string
	Active    *bool
	IP        string
	CreatedBy string
	Limit     int
	Offset    int
}

// ListEntryPatch holds the mutable fields of a list entry. Nil fields are left alone.
type ListEntryPatch struct {
	Reason      *string    `json:"reason,omitempty"`
	RiskScore   *int       `json:"risk_score,omitempty"`
	IsActive    *bool      `json:"is_active,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	ClearExpiry bool       `json:"clear_expiry,omitempty"`
}

// ReportDetails is the explicit metadata attached to an automated report.
type ReportDetails struct {
	Reasons        []string `json:"reasons"`
	IsBot          bool     `json:"is_bot"`
	VPNDetected    bool     `json:"vpn_detected"`
	BaseScore      int      `json:"base_score"`
	FrequencyScore int      `json:"frequency_score"`
	PatternScore   int      `json:"pattern_score"`
	ClicksLastHour int64    `json:"clicks_last_hour"`
	ConversionRate float64  `json:"conversion_rate"`
}

// FraudReport is an investigation record. Version increases by one on every
// successful update.
type FraudReport struct {
	ID          string        `json:"id" db:"id"`
	Type        string        `json:"type" db:"type"`
	IP          string        `json:"ip" db:"ip"`
	ClickID     string        `json:"click_id" db:"click_id"`
	Description string        `json:"description" db:"description"`
	RiskScore   int           `json:"risk_score" db:"risk_score"`
	Status      string        `json:"status" db:"status"`
	Severity    string        `json:"severity" db:"severity"`
	ReportedBy  string        `json:"reported_by" db:"reported_by"`
	ReviewedBy  string        `json:"reviewed_by,omitempty" db:"reviewed_by"`
	Details     ReportDetails `json:"details" db:"details"`
	Version     int64         `json:"version" db:"version"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at" db:"updated_at"`
}

// ReportPatch holds the fields an operator may change on a report.
type ReportPatch struct {
	Status      *string `json:"status,omitempty"`
	Severity    *string `json:"severity,omitempty"`
	Description *string `json:"description,omitempty"`
	ReviewedBy  *string `json:"reviewed_by,omitempty"`
}

// ReportFilter narrows ListReports.
type ReportFilter struct {
	Status string
	IP     string
	Limit  int
	Offset int
}

// Webhook is an externally registered notification endpoint.
type Webhook struct {
	ID             string            `json:"id" db:"id"`
	Name           string            `json:"name" db:"name"`
	URL            string            `json:"url" db:"url"`
	Method         string            `json:"method" db:"method"`
	Headers        map[string]string `json:"headers,omitempty" db:"headers"`
	Events         []string          `json:"events" db:"events"`
	IsActive       bool              `json:"is_active" db:"is_active"`
	TimeoutSeconds int               `json:"timeout_seconds" db:"timeout_seconds"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at" db:"updated_at"`
}

// Subscribed reports whether the webhook wants the given event type.
func (w *Webhook) Subscribed(event string) bool {
	for _, e := range w.Events {
		if e == event {
			return true
		}
	}
	return false
}

// WebhookFailure records a delivery that exhausted its attempts.
type WebhookFailure struct {
	ID         string    `json:"id" db:"id"`
	WebhookID  string    `json:"webhook_id" db:"webhook_id"`
	Event      string    `json:"event" db:"event"`
	Payload    string    `json:"payload" db:"payload"`
	Error      string    `json:"error" db:"error"`
	StatusCode int       `json:"status_code" db:"status_code"`
	Attempts   int       `json:"attempts" db:"attempts"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// ProductionConfig is the single row of admin switches that gate automation.
type ProductionConfig struct {
	Enabled                     bool      `json:"enabled" db:"enabled"`
	AutoTriggersEnabled         bool      `json:"auto_triggers_enabled" db:"auto_triggers_enabled"`
	AutoBlockingEnabled         bool      `json:"auto_blocking_enabled" db:"auto_blocking_enabled"`
	RealTimeAnalysis            bool      `json:"real_time_analysis" db:"real_time_analysis"`
	IPClickThreshold            int       `json:"ip_click_threshold" db:"ip_click_threshold"`
	BotScoreThreshold           int       `json:"bot_score_threshold" db:"bot_score_threshold"`
	ConversionRateThreshold     float64   `json:"conversion_rate_threshold" db:"conversion_rate_threshold"`
	WebhookNotificationsEnabled bool      `json:"webhook_notifications_enabled" db:"webhook_notifications_enabled"`
	UpdatedBy                   string    `json:"updated_by" db:"updated_by"`
	UpdatedAt                   time.Time `json:"updated_at" db:"updated_at"`
}

// ClickCounts are the raw counters behind the statistics snapshot.
type ClickCounts struct {
	Total int64
	Bot   int64
	Fraud int64
}

// RoleAdmin is the only role allowed through the admin API.
const RoleAdmin = "admin"

// User represents an admin user
type User struct {
	ID           string     `json:"id" db:"id"`
	Username     string     `json:"username" db:"username"`
	PasswordHash string     `json:"-" db:"password_hash"`
	Role         string     `json:"role" db:"role"`
	APIKey       string     `json:"api_key,omitempty" db:"api_key"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty" db:"last_login_at"`
}
