package tracker

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nexus-cloaker/trafficguard/internal/config"
	"github.com/nexus-cloaker/trafficguard/internal/database"
	"github.com/nexus-cloaker/trafficguard/internal/detection"
	"github.com/nexus-cloaker/trafficguard/internal/mitigation"
)

// evaluationTimeout bounds one background mitigation run.
const evaluationTimeout = 30 * time.Second

// Mitigator runs the mitigation pipeline for one click.
type Mitigator interface {
	TriggerMitigation(ctx context.Context, ev detection.ClickEvent) mitigation.Outcome
}

// Membership answers blocklist lookups.
type Membership interface {
	IsMember(ctx context.Context, ip string) (bool, error)
}

// ConversionRecorder stores postbacks.
type ConversionRecorder interface {
	CreateConversion(ctx context.Context, c *database.Conversion) error
}

// Server is the click intake server
type Server struct {
	config      config.TrackerConfig
	mitigator   Mitigator
	blocklist   Membership
	conversions ConversionRecorder
	logger      *zap.Logger
	server      *http.Server
	mux         *http.ServeMux
	trusted     []netip.Prefix

	// In-flight background evaluations
	inflight sync.WaitGroup
}

// New creates a new intake server
func New(cfg config.TrackerConfig, mitigator Mitigator, blocklist Membership, conversions ConversionRecorder, logger *zap.Logger) *Server {
	if cfg.CountryHeader == "" {
		cfg.CountryHeader = "CF-IPCountry"
	}
	s := &Server{
		config:      cfg,
		mitigator:   mitigator,
		blocklist:   blocklist,
		conversions: conversions,
		logger:      logger.Named("tracker"),
		mux:         http.NewServeMux(),
	}
	s.trusted = parseTrustedProxies(cfg.TrustedProxies, s.logger)
	s.mux.HandleFunc("/click", s.handleClick)
	s.mux.HandleFunc("/postback", s.handlePostback)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return s
}

// Start starts the intake server
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and waits for in-flight evaluations.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// ServeHTTP handles incoming requests
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleClick(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	var landing *url.URL
	if raw := r.URL.Query().Get("url"); raw != "" {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}
		landing = u
	}

	ev := s.clickEvent(r)

	if s.config.RejectBlocked && s.blocklist != nil {
		blocked, err := s.blocklist.IsMember(r.Context(), ev.IP)
		if err != nil {
			s.logger.Warn("blocklist lookup failed", zap.String("ip", ev.IP), zap.Error(err))
		}
		if blocked {
			s.evaluate(ev)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	s.evaluate(ev)

	if landing == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	q := landing.Query()
	q.Set("click_id", ev.ClickID)
	landing.RawQuery = q.Encode()
	http.Redirect(w, r, landing.String(), http.StatusFound)
}

func (s *Server) handlePostback(w http.ResponseWriter, r *http.Request) {
	clickID := strings.TrimSpace(r.URL.Query().Get("click_id"))
	if clickID == "" {
		http.Error(w, "click_id is required", http.StatusBadRequest)
		return
	}

	if err := s.conversions.CreateConversion(r.Context(), &database.Conversion{ClickID: clickID}); err != nil {
		s.logger.Error("failed to record conversion", zap.String("click_id", clickID), zap.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// evaluate runs the mitigation pipeline off the request path.
func (s *Server) evaluate(ev detection.ClickEvent) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("mitigation panicked", zap.String("click_id", ev.ClickID), zap.Any("panic", rec))
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), evaluationTimeout)
		defer cancel()
		s.mitigator.TriggerMitigation(ctx, ev)
	}()
}

func (s *Server) clickEvent(r *http.Request) detection.ClickEvent {
	ua := r.UserAgent()
	device, os, browser := detection.ParseUserAgent(ua)

	country := r.Header.Get(s.config.CountryHeader)
	if country == "" {
		country = r.Header.Get("X-Country")
	}

	return detection.ClickEvent{
		ClickID:   uuid.New().String(),
		IP:        s.clientIP(r),
		UserAgent: ua,
		Country:   strings.TrimSpace(country),
		Device:    device,
		OS:        os,
		Browser:   browser,
		Referer:   r.Referer(),
		OfferID:   r.URL.Query().Get("offer"),
		Timestamp: time.Now().UTC(),
	}
}

func parseTrustedProxies(entries []string, logger *zap.Logger) []netip.Prefix {
	var prefixes []netip.Prefix
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if prefix, err := netip.ParsePrefix(entry); err == nil {
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		if addr, err := netip.ParseAddr(entry); err == nil {
			addr = addr.Unmap()
			prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		logger.Warn("ignoring invalid trusted proxy", zap.String("entry", entry))
	}
	return prefixes
}

func (s *Server) isTrusted(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range s.trusted {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// clientIP resolves the visitor address. Forwarding headers only count when
// the peer is a trusted proxy. The rightmost X-Forwarded-For hop outside the
// trusted set is the client.
func (s *Server) clientIP(r *http.Request) string {
	peer, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		peer = r.RemoteAddr
	}
	if !s.isTrusted(peer) {
		return peer
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop == "" {
				continue
			}
			if i == 0 || !s.isTrusted(hop) {
				return hop
			}
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	// Cloudflare
	if cfIP := r.Header.Get("CF-Connecting-IP"); cfIP != "" {
		return strings.TrimSpace(cfIP)
	}

	return peer
}
