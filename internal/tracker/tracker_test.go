package tracker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nexus-cloaker/trafficguard/internal/config"
	"github.com/nexus-cloaker/trafficguard/internal/database"
	"github.com/nexus-cloaker/trafficguard/internal/detection"
	"github.com/nexus-cloaker/trafficguard/internal/mitigation"
)

type captureMitigator struct {
	mu     sync.Mutex
	events []detection.ClickEvent
}

func (c *captureMitigator) TriggerMitigation(ctx context.Context, ev detection.ClickEvent) mitigation.Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return mitigation.Outcome{ClickID: ev.ClickID, State: mitigation.StateNoAction}
}

func (c *captureMitigator) captured() []detection.ClickEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]detection.ClickEvent(nil), c.events...)
}

type staticMembership struct {
	blocked map[string]bool
}

func (m staticMembership) IsMember(ctx context.Context, ip string) (bool, error) {
	return m.blocked[ip], nil
}

type memConversions struct {
	mu      sync.Mutex
	clickID []string
	err     error
}

func (m *memConversions) CreateConversion(ctx context.Context, c *database.Conversion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.clickID = append(m.clickID, c.ClickID)
	return nil
}

func newTestServer(cfg config.TrackerConfig, blocked ...string) (*Server, *captureMitigator, *memConversions) {
	m := &captureMitigator{}
	conv := &memConversions{}
	set := map[string]bool{}
	for _, ip := range blocked {
		set[ip] = true
	}
	return New(cfg, m, staticMembership{blocked: set}, conv, zap.NewNop()), m, conv
}

func drain(t *testing.T, s *Server) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
}

// httptest requests arrive from 192.0.2.1.
var behindProxy = config.TrackerConfig{TrustedProxies: []string{"192.0.2.0/24", "10.0.0.0/8"}}

func TestClick_RedirectsAndEvaluates(t *testing.T) {
	s, m, _ := newTestServer(behindProxy)

	req := httptest.NewRequest(http.MethodGet, "/click?url=https%3A%2F%2Flanding.example.com%2Foffer%3Fa%3D1&offer=o-42", nil)
	req.Header.Set("User-Agent", "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 Mobile/15E148 Safari/604.1")
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.2")
	req.Header.Set("CF-IPCountry", "BR")
	req.Header.Set("Referer", "https://publisher.example.com/")
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)
	drain(t, s)

	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "landing.example.com", loc.Host)
	assert.Equal(t, "1", loc.Query().Get("a"))

	events := m.captured()
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, loc.Query().Get("click_id"), ev.ClickID)
	assert.Equal(t, "203.0.113.9", ev.IP)
	assert.Equal(t, "BR", ev.Country)
	assert.Equal(t, "Mobile", ev.Device)
	assert.Equal(t, "iOS", ev.OS)
	assert.Equal(t, "Safari", ev.Browser)
	assert.Equal(t, "o-42", ev.OfferID)
	assert.Equal(t, "https://publisher.example.com/", ev.Referer)
}

func TestClick_NoLandingURL(t *testing.T) {
	s, m, _ := newTestServer(config.TrackerConfig{})

	req := httptest.NewRequest(http.MethodGet, "/click", nil)
	req.RemoteAddr = "198.51.100.7:51234"
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	drain(t, s)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.Len(t, m.captured(), 1)
	assert.Equal(t, "198.51.100.7", m.captured()[0].IP)
}

func TestClick_InvalidLandingURL(t *testing.T) {
	s, m, _ := newTestServer(config.TrackerConfig{})

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/click?url=javascript:alert(1)", nil))
	drain(t, s)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, m.captured())
}

func TestClick_UntrustedPeerForwardingIgnored(t *testing.T) {
	s, m, _ := newTestServer(behindProxy)

	req := httptest.NewRequest(http.MethodGet, "/click", nil)
	req.RemoteAddr = "198.51.100.7:51234"
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	req.Header.Set("X-Real-IP", "203.0.113.10")
	req.Header.Set("CF-Connecting-IP", "203.0.113.11")
	s.ServeHTTP(httptest.NewRecorder(), req)
	drain(t, s)

	require.Len(t, m.captured(), 1)
	assert.Equal(t, "198.51.100.7", m.captured()[0].IP)
}

func TestClick_RejectBlocked(t *testing.T) {
	s, m, _ := newTestServer(config.TrackerConfig{RejectBlocked: true}, "203.0.113.66")

	req := httptest.NewRequest(http.MethodGet, "/click?url=https://landing.example.com/", nil)
	req.RemoteAddr = "203.0.113.66:40000"
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	drain(t, s)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Len(t, m.captured(), 1, "blocked clicks are still scored")
}

func TestClick_CountryHeaderFallback(t *testing.T) {
	s, m, _ := newTestServer(config.TrackerConfig{CountryHeader: "X-Geo"})

	req := httptest.NewRequest(http.MethodGet, "/click", nil)
	req.Header.Set("X-Country", "DE")
	s.ServeHTTP(httptest.NewRecorder(), req)
	drain(t, s)

	require.Len(t, m.captured(), 1)
	assert.Equal(t, "DE", m.captured()[0].Country)
}

func TestPostback(t *testing.T) {
	s, _, conv := newTestServer(config.TrackerConfig{})

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/postback?click_id=abc", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"abc"}, conv.clickID)

	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/postback", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	conv.err = errors.New("database is locked")
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/postback?click_id=def", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestClientIP(t *testing.T) {
	s, _, _ := newTestServer(config.TrackerConfig{TrustedProxies: []string{"192.0.2.0/24", "2001:db8::1", "not-a-cidr"}})
	require.Len(t, s.trusted, 2)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	assert.Equal(t, "192.0.2.1", s.clientIP(req))

	req.Header.Set("CF-Connecting-IP", "198.51.100.3")
	assert.Equal(t, "198.51.100.3", s.clientIP(req))

	req.Header.Set("X-Real-IP", "198.51.100.2")
	assert.Equal(t, "198.51.100.2", s.clientIP(req))

	// The rightmost untrusted hop wins over anything the client prepended.
	req.Header.Set("X-Forwarded-For", "203.0.113.1, 198.51.100.9, 192.0.2.10")
	assert.Equal(t, "198.51.100.9", s.clientIP(req))

	req.Header.Set("X-Forwarded-For", "192.0.2.20, 192.0.2.10")
	assert.Equal(t, "192.0.2.20", s.clientIP(req))

	req.RemoteAddr = "[2001:db8::1]:443"
	req.Header.Set("X-Forwarded-For", "198.51.100.44")
	assert.Equal(t, "198.51.100.44", s.clientIP(req))

	req.RemoteAddr = "[::ffff:192.0.2.5]:443"
	assert.Equal(t, "198.51.100.44", s.clientIP(req))

	req.RemoteAddr = "198.51.100.200:443"
	assert.Equal(t, "198.51.100.200", s.clientIP(req))
}
