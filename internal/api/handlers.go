package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/nexus-cloaker/trafficguard/internal/database"
	"github.com/nexus-cloaker/trafficguard/internal/detection"
	"github.com/nexus-cloaker/trafficguard/internal/lists"
)

const maxBodyBytes = 1 << 20

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		return fmt.Errorf("request body must be valid JSON: %w", err)
	}
	return nil
}

// intQuery reads an optional integer query parameter.
func intQuery(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}

func pagination(r *http.Request) (limit, offset int, err error) {
	if limit, err = intQuery(r, "limit"); err != nil {
		return 0, 0, err
	}
	if offset, err = intQuery(r, "offset"); err != nil {
		return 0, 0, err
	}
	return limit, offset, nil
}

// Auth

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decode(w, r, &req); err != nil {
		badRequest(w, "INVALID_JSON", err.Error())
		return
	}

	user, err := s.deps.Users.GetUserByUsername(r.Context(), req.Username)
	if err != nil {
		if !errors.Is(err, database.ErrNotFound) {
			s.logger.Error("login lookup failed", zap.String("username", req.Username), zap.Error(err))
		}
		unauthorized(w, "invalid credentials")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		unauthorized(w, "invalid credentials")
		return
	}
	if user.Role != database.RoleAdmin {
		forbidden(w, "admin role required")
		return
	}

	token, expiresAt, err := s.issueToken(user)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Users.UpdateUserLastLogin(r.Context(), user.ID); err != nil {
		s.logger.Warn("failed to record last login", zap.String("user_id", user.ID), zap.Error(err))
	}

	ok(w, map[string]any{
		"token":      token,
		"expires_at": expiresAt.UTC(),
		"user":       user,
	})
}

// Health and stats

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.deps.Engine.HealthCheck(r.Context())
	status := http.StatusOK
	if !health.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, envelope{Data: health})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Engine.GetProductionStats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ok(w, st)
}

// Lists

type entryRequest struct {
	IP        string     `json:"ip"`
	CIDR      string     `json:"cidr"`
	Reason    string     `json:"reason"`
	RiskScore int        `json:"risk_score"`
	ExpiresAt *time.Time `json:"expires_at"`
}

func (e entryRequest) entry(createdBy string) database.ListEntry {
	return database.ListEntry{
		IP:        e.IP,
		CIDR:      e.CIDR,
		Reason:    e.Reason,
		RiskScore: e.RiskScore,
		ExpiresAt: e.ExpiresAt,
		CreatedBy: createdBy,
	}
}

func (s *Server) handleListEntries(l *lists.List) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, offset, err := pagination(r)
		if err != nil {
			badRequest(w, "INVALID_PARAM", err.Error())
			return
		}
		f := database.ListFilter{
			IP:        r.URL.Query().Get("ip"),
			CreatedBy: r.URL.Query().Get("created_by"),
			Limit:     limit,
			Offset:    offset,
		}
		if raw := r.URL.Query().Get("active"); raw != "" {
			active, err := strconv.ParseBool(raw)
			if err != nil {
				badRequest(w, "INVALID_PARAM", "active must be true or false")
				return
			}
			f.Active = &active
		}

		page, err := l.List(r.Context(), f)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		ok(w, page)
	}
}

func (s *Server) handleAddEntry(l *lists.List) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req entryRequest
		if err := decode(w, r, &req); err != nil {
			badRequest(w, "INVALID_JSON", err.Error())
			return
		}
		e, err := l.Add(r.Context(), req.entry(adminID(r)))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		created(w, e)
	}
}

func (s *Server) handleBulkAdd(l *lists.List) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Entries []entryRequest `json:"entries"`
		}
		if err := decode(w, r, &req); err != nil {
			badRequest(w, "INVALID_JSON", err.Error())
			return
		}
		if len(req.Entries) == 0 {
			badRequest(w, "VALIDATION_ERROR", "entries must not be empty")
			return
		}

		entries := make([]database.ListEntry, 0, len(req.Entries))
		for _, e := range req.Entries {
			entries = append(entries, e.entry(adminID(r)))
		}
		added := l.BulkAdd(r.Context(), entries)
		created(w, map[string]any{
			"added":     added,
			"requested": len(entries),
			"skipped":   len(entries) - len(added),
		})
	}
}

func (s *Server) handleUpdateEntry(l *lists.List) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var patch database.ListEntryPatch
		if err := decode(w, r, &patch); err != nil {
			badRequest(w, "INVALID_JSON", err.Error())
			return
		}
		e, err := l.Update(r.Context(), chi.URLParam(r, "id"), patch)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		ok(w, e)
	}
}

// handleRemoveEntry takes the ip as a query parameter so cidr values need
// no path escaping.
func (s *Server) handleRemoveEntry(l *lists.List) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := strings.TrimSpace(r.URL.Query().Get("ip"))
		if ip == "" {
			badRequest(w, "INVALID_PARAM", "ip is required")
			return
		}
		n, err := l.Remove(r.Context(), ip)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		ok(w, map[string]int64{"removed": n})
	}
}

// Reports

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r)
	if err != nil {
		badRequest(w, "INVALID_PARAM", err.Error())
		return
	}
	reports, err := s.deps.Reports.List(r.Context(), database.ReportFilter{
		Status: r.URL.Query().Get("status"),
		IP:     r.URL.Query().Get("ip"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ok(w, reports)
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Reports.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ok(w, report)
}

func (s *Server) handleUpdateReport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ExpectedVersion *int64 `json:"expected_version"`
		database.ReportPatch
	}
	if err := decode(w, r, &req); err != nil {
		badRequest(w, "INVALID_JSON", err.Error())
		return
	}
	if req.ExpectedVersion == nil {
		badRequest(w, "VALIDATION_ERROR", "expected_version is required")
		return
	}
	if req.ReviewedBy == nil {
		reviewer := adminID(r)
		req.ReviewedBy = &reviewer
	}

	report, err := s.deps.Reports.Update(r.Context(), chi.URLParam(r, "id"), req.ReportPatch, *req.ExpectedVersion)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ok(w, report)
}

// Settings

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	ok(w, s.deps.Engine.ProductionConfig(r.Context()))
}

func (s *Server) handleSetAutoTriggers(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := decode(w, r, &req); err != nil {
		badRequest(w, "INVALID_JSON", err.Error())
		return
	}
	if req.Enabled == nil {
		badRequest(w, "VALIDATION_ERROR", "enabled is required")
		return
	}

	cfg, err := s.deps.Engine.SetAutoTriggers(r.Context(), adminID(r), *req.Enabled)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ok(w, cfg)
}

func (s *Server) handleConfigureAutoBlocking(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled   *bool `json:"enabled"`
		Threshold *int  `json:"threshold"`
	}
	if err := decode(w, r, &req); err != nil {
		badRequest(w, "INVALID_JSON", err.Error())
		return
	}
	if req.Enabled == nil {
		badRequest(w, "VALIDATION_ERROR", "enabled is required")
		return
	}
	threshold := s.deps.Engine.ProductionConfig(r.Context()).BotScoreThreshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}

	cfg, err := s.deps.Engine.ConfigureAutoBlocking(r.Context(), adminID(r), *req.Enabled, threshold)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ok(w, cfg)
}

// Webhooks

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	webhooks, err := s.deps.Webhooks.Webhooks(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if webhooks == nil {
		webhooks = []database.Webhook{}
	}
	ok(w, webhooks)
}

func (s *Server) handleRegisterWebhook(w http.ResponseWriter, r *http.Request) {
	var wh database.Webhook
	if err := decode(w, r, &wh); err != nil {
		badRequest(w, "INVALID_JSON", err.Error())
		return
	}
	wh.ID = ""
	if err := s.deps.Webhooks.Register(r.Context(), &wh); err != nil {
		s.writeError(w, r, err)
		return
	}
	created(w, wh)
}

func (s *Server) handleDeactivateWebhook(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Webhooks.Deactivate(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTestWebhook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := decode(w, r, &req); err != nil {
		badRequest(w, "INVALID_JSON", err.Error())
		return
	}

	var sample any
	if len(req.Data) > 0 && string(req.Data) != "null" {
		sample = req.Data
	}
	results, err := s.deps.Engine.TestWebhook(r.Context(), req.Event, sample)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ok(w, results)
}

func (s *Server) handleWebhookFailures(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit")
	if err != nil {
		badRequest(w, "INVALID_PARAM", err.Error())
		return
	}
	failures, err := s.deps.Webhooks.Failures(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if failures == nil {
		failures = []database.WebhookFailure{}
	}
	ok(w, failures)
}

// Evaluation

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var ev detection.ClickEvent
	if err := decode(w, r, &ev); err != nil {
		badRequest(w, "INVALID_JSON", err.Error())
		return
	}
	ok(w, s.deps.Engine.AnalyzeClick(r.Context(), ev))
}

func (s *Server) handleMitigate(w http.ResponseWriter, r *http.Request) {
	var ev detection.ClickEvent
	if err := decode(w, r, &ev); err != nil {
		badRequest(w, "INVALID_JSON", err.Error())
		return
	}
	ok(w, s.deps.Engine.TriggerMitigation(r.Context(), ev))
}
