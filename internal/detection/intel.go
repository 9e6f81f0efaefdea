package detection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/allegro/bigcache/v3"

	"github.com/nexus-cloaker/trafficguard/internal/config"
)

// IntelVerdict is what an IP-intelligence provider knows about an address.
type IntelVerdict struct {
	Proxy    bool   `json:"proxy"`
	VPN      bool   `json:"vpn"`
	Hosting  bool   `json:"hosting"`
	Provider string `json:"provider,omitempty"`
}

// Anonymized reports whether the address hides the real client.
func (v IntelVerdict) Anonymized() bool {
	return v.Proxy || v.VPN || v.Hosting
}

// IPIntel looks up reputation data for an address.
type IPIntel interface {
	Lookup(ctx context.Context, ip string) (IntelVerdict, error)
}

// HTTPIntel queries a JSON IP-intelligence API at <base_url>/<ip> and caches
// verdicts in memory.
type HTTPIntel struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	client  *http.Client
	cache   *bigcache.BigCache
}

// NewHTTPIntel creates a provider client from the intel config section.
func NewHTTPIntel(cfg config.IntelConfig) (*HTTPIntel, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("intel base_url is required")
	}

	cacheConfig := bigcache.DefaultConfig(cfg.CacheTTL)
	cacheConfig.Shards = 64
	cacheConfig.MaxEntrySize = 256
	cacheConfig.HardMaxCacheSize = 16
	cacheConfig.Verbose = false
	cache, err := bigcache.New(context.Background(), cacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create intel cache: %w", err)
	}

	return &HTTPIntel{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		timeout: cfg.Timeout,
		client:  &http.Client{Timeout: cfg.Timeout},
		cache:   cache,
	}, nil
}

// Lookup returns the cached verdict for ip or asks the provider, bounded by
// the configured timeout.
func (h *HTTPIntel) Lookup(ctx context.Context, ip string) (IntelVerdict, error) {
	var verdict IntelVerdict

	if data, err := h.cache.Get(ip); err == nil {
		if err := json.Unmarshal(data, &verdict); err == nil {
			return verdict, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/"+url.PathEscape(ip), nil)
	if err != nil {
		return verdict, err
	}
	req.Header.Set("Accept", "application/json")
	if h.apiKey != "" {
		req.Header.Set("X-API-Key", h.apiKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return verdict, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return verdict, fmt.Errorf("intel provider returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		return verdict, fmt.Errorf("failed to decode intel response: %w", err)
	}

	if data, err := json.Marshal(verdict); err == nil {
		h.cache.Set(ip, data)
	}
	return verdict, nil
}

// Close releases the verdict cache.
func (h *HTTPIntel) Close() error {
	return h.cache.Close()
}
