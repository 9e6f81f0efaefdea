package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/nexus-cloaker/trafficguard/internal/config"
	"github.com/nexus-cloaker/trafficguard/internal/database"
	"github.com/nexus-cloaker/trafficguard/internal/detection"
	"github.com/nexus-cloaker/trafficguard/internal/integrations"
	"github.com/nexus-cloaker/trafficguard/internal/lists"
	"github.com/nexus-cloaker/trafficguard/internal/mitigation"
	"github.com/nexus-cloaker/trafficguard/internal/reports"
	"github.com/nexus-cloaker/trafficguard/internal/settings"
	"github.com/nexus-cloaker/trafficguard/internal/stats"
)

const testPassword = "correct horse battery staple"

type testAPI struct {
	handler http.Handler
	srv     *Server
	db      *database.DB
	reports *reports.Mutator
	token   string
}

type response struct {
	Data  json.RawMessage `json:"data"`
	Error *apiError       `json:"error"`
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	ctx := context.Background()
	cfg := config.Default()
	logger := zap.NewNop()

	db, err := database.New(config.DatabaseConfig{Driver: "sqlite3", DSN: filepath.Join(t.TempDir(), "api.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(ctx))
	_, err = db.Seed(ctx, database.SeedOptions{
		AdminUsername: "admin",
		AdminPassword: testPassword,
		Production:    settings.SafeDefaults(cfg.Detection),
	})
	require.NoError(t, err)

	store := lists.NewStore(db, logger)
	mutator := reports.NewMutator(db, logger)
	dispatcher := integrations.NewDispatcher(db, cfg.Webhooks, logger)
	engine := mitigation.New(mitigation.Deps{
		Analyzer: detection.NewAnalyzer(nil, logger),
		Lists:    store,
		Reports:  mutator,
		Settings: settings.NewService(db, cfg.Detection, logger),
		Stats:    stats.NewAggregator(db),
		Clicks:   db,
		Notifier: dispatcher,
	}, cfg.Detection, logger)

	srv := New(cfg, Deps{
		Users:    db,
		Engine:   engine,
		Lists:    store,
		Reports:  mutator,
		Webhooks: dispatcher,
		Metrics:  http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("# metrics"))
		}),
	}, logger)

	a := &testAPI{handler: srv.Handler(), srv: srv, db: db, reports: mutator}
	a.token = a.login(t, "admin", testPassword)
	return a
}

func (a *testAPI) do(t *testing.T, method, path string, body any, auth bool) (int, response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if auth {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)

	var resp response
	if rec.Body.Len() > 0 && rec.Header().Get("Content-Type") != "" {
		_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	}
	return rec.Code, resp
}

func (a *testAPI) login(t *testing.T, username, password string) string {
	t.Helper()
	code, resp := a.do(t, http.MethodPost, "/api/v1/login", map[string]string{
		"username": username,
		"password": password,
	}, false)
	if code != http.StatusOK {
		return ""
	}
	var out struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &out))
	return out.Token
}

func TestLogin(t *testing.T) {
	a := newTestAPI(t)
	require.NotEmpty(t, a.token)

	code, resp := a.do(t, http.MethodPost, "/api/v1/login", map[string]string{
		"username": "admin",
		"password": "wrong",
	}, false)
	assert.Equal(t, http.StatusUnauthorized, code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "UNAUTHORIZED", resp.Error.Code)

	code, _ = a.do(t, http.MethodPost, "/api/v1/login", map[string]string{
		"username": "nobody",
		"password": testPassword,
	}, false)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestAuthRequired(t *testing.T) {
	a := newTestAPI(t)

	code, _ := a.do(t, http.MethodGet, "/api/v1/settings", nil, false)
	assert.Equal(t, http.StatusUnauthorized, code)

	a.token = "not-a-jwt"
	code, _ = a.do(t, http.MethodGet, "/api/v1/settings", nil, true)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestAPIKeyAuth(t *testing.T) {
	a := newTestAPI(t)
	user, err := a.db.GetUserByUsername(context.Background(), "admin")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/settings", nil)
	req.Header.Set("X-API-Key", user.APIKey)
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

// viewerUsers adds a non-admin account in front of the real store.
type viewerUsers struct {
	UserStore
	viewer *database.User
}

func (v viewerUsers) GetUserByUsername(ctx context.Context, username string) (*database.User, error) {
	if username == v.viewer.Username {
		return v.viewer, nil
	}
	return v.UserStore.GetUserByUsername(ctx, username)
}

func (v viewerUsers) GetUserByAPIKey(ctx context.Context, apiKey string) (*database.User, error) {
	if apiKey == v.viewer.APIKey {
		return v.viewer, nil
	}
	return v.UserStore.GetUserByAPIKey(ctx, apiKey)
}

func TestNonAdminRejected(t *testing.T) {
	a := newTestAPI(t)
	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(t, err)
	viewer := &database.User{
		ID:           "viewer-1",
		Username:     "viewer",
		PasswordHash: string(hash),
		Role:         "viewer",
		APIKey:       "viewer-key",
	}
	a.srv.deps.Users = viewerUsers{UserStore: a.db, viewer: viewer}

	code, resp := a.do(t, http.MethodPost, "/api/v1/login", map[string]string{
		"username": "viewer",
		"password": testPassword,
	}, false)
	assert.Equal(t, http.StatusForbidden, code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "FORBIDDEN", resp.Error.Code)

	token, _, err := a.srv.issueToken(viewer)
	require.NoError(t, err)
	a.token = token
	code, _ = a.do(t, http.MethodGet, "/api/v1/settings", nil, true)
	assert.Equal(t, http.StatusForbidden, code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/settings", nil)
	req.Header.Set("X-API-Key", viewer.APIKey)
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// The seeded admin still gets through.
	a.token = a.login(t, "admin", testPassword)
	code, _ = a.do(t, http.MethodGet, "/api/v1/settings", nil, true)
	assert.Equal(t, http.StatusOK, code)
}

func TestWhitelistCRUD(t *testing.T) {
	a := newTestAPI(t)

	code, resp := a.do(t, http.MethodPost, "/api/v1/whitelist", map[string]any{
		"ip":     "192.168.1.0/24",
		"reason": "office network",
	}, true)
	require.Equal(t, http.StatusCreated, code)
	var entry database.ListEntry
	require.NoError(t, json.Unmarshal(resp.Data, &entry))
	assert.Equal(t, "192.168.1.0/24", entry.CIDR)
	assert.Equal(t, database.ListWhitelist, entry.Type)
	assert.NotEmpty(t, entry.CreatedBy)

	code, resp = a.do(t, http.MethodGet, "/api/v1/whitelist?active=true", nil, true)
	require.Equal(t, http.StatusOK, code)
	var page lists.Page
	require.NoError(t, json.Unmarshal(resp.Data, &page))
	assert.EqualValues(t, 1, page.Total)
	assert.Equal(t, lists.DefaultLimit, page.Limit)

	code, resp = a.do(t, http.MethodPatch, "/api/v1/whitelist/"+entry.ID, map[string]any{"reason": "hq"}, true)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(resp.Data, &entry))
	assert.Equal(t, "hq", entry.Reason)

	code, _ = a.do(t, http.MethodPatch, "/api/v1/blocklist/"+entry.ID, map[string]any{"reason": "x"}, true)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = a.do(t, http.MethodDelete, "/api/v1/whitelist?ip=192.168.1.0/24", nil, true)
	assert.Equal(t, http.StatusOK, code)

	code, resp = a.do(t, http.MethodDelete, "/api/v1/whitelist?ip=192.168.1.0/24", nil, true)
	assert.Equal(t, http.StatusNotFound, code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "NOT_FOUND", resp.Error.Code)
}

func TestListValidation(t *testing.T) {
	a := newTestAPI(t)

	code, resp := a.do(t, http.MethodPost, "/api/v1/blocklist", map[string]any{"ip": "not-an-ip"}, true)
	assert.Equal(t, http.StatusBadRequest, code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "VALIDATION_ERROR", resp.Error.Code)

	code, _ = a.do(t, http.MethodPost, "/api/v1/blocklist", map[string]any{"ip": "203.0.113.1", "risk_score": 101}, true)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = a.do(t, http.MethodGet, "/api/v1/blocklist?limit=-1", nil, true)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = a.do(t, http.MethodGet, "/api/v1/blocklist?active=maybe", nil, true)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestBlocklistBulk(t *testing.T) {
	a := newTestAPI(t)

	code, resp := a.do(t, http.MethodPost, "/api/v1/blocklist/bulk", map[string]any{
		"entries": []map[string]any{
			{"ip": "203.0.113.1"},
			{"ip": "bogus"},
			{"ip": "2001:db8::/32"},
		},
	}, true)
	require.Equal(t, http.StatusCreated, code)
	var out struct {
		Added     []database.ListEntry `json:"added"`
		Requested int                  `json:"requested"`
		Skipped   int                  `json:"skipped"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &out))
	assert.Len(t, out.Added, 2)
	assert.Equal(t, 3, out.Requested)
	assert.Equal(t, 1, out.Skipped)
}

func TestReportOptimisticUpdate(t *testing.T) {
	a := newTestAPI(t)
	report := &database.FraudReport{
		Type:      "bot_traffic",
		IP:        "203.0.113.7",
		RiskScore: 75,
		Severity:  reports.SeverityHigh,
	}
	require.NoError(t, a.reports.Create(context.Background(), report))
	path := "/api/v1/reports/" + report.ID

	code, resp := a.do(t, http.MethodPatch, path, map[string]any{
		"expected_version": 1,
		"status":           database.ReportConfirmed,
	}, true)
	require.Equal(t, http.StatusOK, code)
	var updated database.FraudReport
	require.NoError(t, json.Unmarshal(resp.Data, &updated))
	assert.EqualValues(t, 2, updated.Version)
	assert.Equal(t, database.ReportConfirmed, updated.Status)
	assert.NotEmpty(t, updated.ReviewedBy)

	code, resp = a.do(t, http.MethodPatch, path, map[string]any{
		"expected_version": 1,
		"status":           database.ReportFalsePositive,
	}, true)
	require.Equal(t, http.StatusConflict, code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "VERSION_CONFLICT", resp.Error.Code)
	details, err := json.Marshal(resp.Error.Details)
	require.NoError(t, err)
	var conflict reports.ConflictError
	require.NoError(t, json.Unmarshal(details, &conflict))
	assert.EqualValues(t, 2, conflict.CurrentVersion)
	assert.EqualValues(t, 1, conflict.AttemptedVersion)

	code, _ = a.do(t, http.MethodPatch, path, map[string]any{"status": database.ReportPending}, true)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = a.do(t, http.MethodPatch, path, map[string]any{"expected_version": 2, "status": "closed"}, true)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = a.do(t, http.MethodPatch, "/api/v1/reports/missing", map[string]any{"expected_version": 1}, true)
	assert.Equal(t, http.StatusNotFound, code)

	code, resp = a.do(t, http.MethodGet, "/api/v1/reports?status=confirmed", nil, true)
	require.Equal(t, http.StatusOK, code)
	var listed []database.FraudReport
	require.NoError(t, json.Unmarshal(resp.Data, &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, report.ID, listed[0].ID)
}

func TestSettingsEndpoints(t *testing.T) {
	a := newTestAPI(t)

	code, resp := a.do(t, http.MethodPut, "/api/v1/settings/auto-triggers", map[string]any{"enabled": true}, true)
	require.Equal(t, http.StatusOK, code)
	var cfg database.ProductionConfig
	require.NoError(t, json.Unmarshal(resp.Data, &cfg))
	assert.True(t, cfg.AutoTriggersEnabled)
	assert.NotEqual(t, "defaults", cfg.UpdatedBy)

	code, resp = a.do(t, http.MethodPut, "/api/v1/settings/auto-blocking", map[string]any{"enabled": true, "threshold": 60}, true)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(resp.Data, &cfg))
	assert.True(t, cfg.AutoBlockingEnabled)
	assert.Equal(t, 60, cfg.BotScoreThreshold)

	code, _ = a.do(t, http.MethodPut, "/api/v1/settings/auto-blocking", map[string]any{"enabled": true, "threshold": 150}, true)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = a.do(t, http.MethodPut, "/api/v1/settings/auto-triggers", map[string]any{}, true)
	assert.Equal(t, http.StatusBadRequest, code)

	code, resp = a.do(t, http.MethodGet, "/api/v1/settings", nil, true)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(resp.Data, &cfg))
	assert.Equal(t, 60, cfg.BotScoreThreshold)
}

func TestWebhookEndpoints(t *testing.T) {
	a := newTestAPI(t)
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	code, _ := a.do(t, http.MethodPost, "/api/v1/webhooks", map[string]any{
		"name":   "ops",
		"url":    "ftp://example.com",
		"events": []string{integrations.EventIPBlocked},
	}, true)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = a.do(t, http.MethodPost, "/api/v1/webhooks/test", map[string]any{"event": integrations.EventTest}, true)
	assert.Equal(t, http.StatusNotFound, code)

	code, resp := a.do(t, http.MethodPost, "/api/v1/webhooks", map[string]any{
		"name":   "ops",
		"url":    target.URL,
		"events": []string{integrations.EventIPBlocked, integrations.EventTest},
	}, true)
	require.Equal(t, http.StatusCreated, code)
	var wh database.Webhook
	require.NoError(t, json.Unmarshal(resp.Data, &wh))
	assert.NotEmpty(t, wh.ID)
	assert.Equal(t, http.MethodPost, wh.Method)

	code, resp = a.do(t, http.MethodPost, "/api/v1/webhooks/test", map[string]any{
		"event": integrations.EventTest,
		"data":  map[string]string{"hello": "world"},
	}, true)
	require.Equal(t, http.StatusOK, code)
	var results []integrations.DeliveryResult
	require.NoError(t, json.Unmarshal(resp.Data, &results))
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, http.StatusOK, results[0].StatusCode)

	code, resp = a.do(t, http.MethodGet, "/api/v1/webhooks/failures", nil, true)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `[]`, string(resp.Data))

	code, _ = a.do(t, http.MethodDelete, "/api/v1/webhooks/"+wh.ID, nil, true)
	assert.Equal(t, http.StatusNoContent, code)

	code, _ = a.do(t, http.MethodDelete, "/api/v1/webhooks/missing", nil, true)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestHealthStatsAndMetrics(t *testing.T) {
	a := newTestAPI(t)

	code, resp := a.do(t, http.MethodGet, "/health", nil, false)
	require.Equal(t, http.StatusOK, code)
	var health mitigation.Health
	require.NoError(t, json.Unmarshal(resp.Data, &health))
	assert.True(t, health.Healthy)

	code, resp = a.do(t, http.MethodGet, "/api/v1/stats", nil, true)
	require.Equal(t, http.StatusOK, code)
	var st mitigation.ProductionStats
	require.NoError(t, json.Unmarshal(resp.Data, &st))
	assert.True(t, st.EstimatedBlockedValue.Illustrative)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "# metrics")
}

func TestAnalyzeAndMitigate(t *testing.T) {
	a := newTestAPI(t)
	click := map[string]any{
		"ip":         "203.0.113.5",
		"user_agent": "python-requests/2.25.1",
		"country":    "US",
		"device":     "Desktop",
		"browser":    "Chrome",
		"referer":    "https://publisher.example.com/",
	}

	code, resp := a.do(t, http.MethodPost, "/api/v1/analyze", click, true)
	require.Equal(t, http.StatusOK, code)
	var result detection.Result
	require.NoError(t, json.Unmarshal(resp.Data, &result))
	assert.True(t, result.IsBot)
	assert.Equal(t, detection.BotContribution, result.FraudScore)

	code, resp = a.do(t, http.MethodPost, "/api/v1/mitigate", click, true)
	require.Equal(t, http.StatusOK, code)
	var outcome mitigation.Outcome
	require.NoError(t, json.Unmarshal(resp.Data, &outcome))
	assert.NotEmpty(t, outcome.ClickID)
	assert.Equal(t, mitigation.StateNoAction, outcome.State)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/analyze", bytes.NewBufferString("{"))
	req.Header.Set("Authorization", "Bearer "+a.token)
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
