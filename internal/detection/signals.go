package detection

import (
	"net/netip"
	"regexp"
	"strings"
	"time"
)

// Signal contributions
const (
	BotContribution     = 50
	VPNContribution     = 30
	PatternContribution = 25
	GeoContribution     = 20
	DeviceContribution  = 15
)

// Signal names
const (
	SignalBot     = "bot_user_agent"
	SignalVPN     = "vpn_proxy"
	SignalPattern = "pattern_anomaly"
	SignalGeo     = "geo_inconsistency"
	SignalDevice  = "device_mismatch"
)

// ClickEvent is one inbound click as handed over by the tracking pipeline.
// It is never mutated by the detectors.
type ClickEvent struct {
	ClickID   string    `json:"click_id"`
	IP        string    `json:"ip"`
	UserAgent string    `json:"user_agent"`
	Country   string    `json:"country"`
	Device    string    `json:"device"`
	OS        string    `json:"os,omitempty"`
	Browser   string    `json:"browser"`
	Referer   string    `json:"referer,omitempty"`
	OfferID   string    `json:"offer_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Signal is the contribution of one triggered detector.
type Signal struct {
	Name   string `json:"name"`
	Score  int    `json:"score"`
	Reason string `json:"reason"`
}

// Extractor inspects an event and reports a signal when it triggers.
// Extractors never fail: malformed or missing input counts as suspicious.
type Extractor func(ev *ClickEvent) (Signal, bool)

// Extractors is the fixed, ordered set of in-memory detectors. The order
// determines the order of reasons in a result.
var Extractors = pipeline(DetectPrivateNetwork)

// pipeline returns the detector order with network as the VPN/proxy stage.
func pipeline(network Extractor) []Extractor {
	return []Extractor{
		DetectBot,
		network,
		DetectPatternAnomaly,
		DetectGeoInconsistency,
		DetectDeviceMismatch,
	}
}

var botKeywords = []string{
	"crawler", "spider", "scraper", "scrapy", "curl", "wget", "python",
	"java/", "go-http", "httpie", "postman", "insomnia", "axios",
	"node-fetch", "php/", "guzzlehttp", "ruby", "perl", "libwww", "apache-httpclient",
	"okhttp", "headless", "phantom", "selenium", "puppeteer", "playwright",
	"facebookexternalhit", "telegrambot", "slurp", "ia_archiver", "mediapartners",
}

// botToken matches "bot" as a product token ("Googlebot/2.1", "AdsBot-Google",
// "(Twitterbot)") or a standalone word. Device names such as "CUBOT_X30" or
// "CUBOT P40" do not match.
var botToken = regexp.MustCompile(`bot(?:[/;)\-]|$)|\bbot\b`)

// DetectBot flags known crawler and scripted-client user agents. An empty
// user agent is bot-like on its own.
func DetectBot(ev *ClickEvent) (Signal, bool) {
	ua := strings.TrimSpace(ev.UserAgent)
	if ua == "" {
		return Signal{Name: SignalBot, Score: BotContribution, Reason: "missing user agent"}, true
	}

	uaLower := strings.ToLower(ua)
	if botToken.MatchString(uaLower) {
		return Signal{Name: SignalBot, Score: BotContribution, Reason: "bot user agent detected: bot"}, true
	}
	for _, keyword := range botKeywords {
		if strings.Contains(uaLower, keyword) {
			return Signal{
				Name:   SignalBot,
				Score:  BotContribution,
				Reason: "bot user agent detected: " + keyword,
			}, true
		}
	}
	return Signal{}, false
}

// DetectPrivateNetwork flags private, loopback, link-local and unspecified
// addresses as proxy-like. Unparseable addresses are flagged as well.
func DetectPrivateNetwork(ev *ClickEvent) (Signal, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ev.IP))
	if err != nil {
		return Signal{Name: SignalVPN, Score: VPNContribution, Reason: "invalid source ip"}, true
	}
	if isReserved(addr) {
		return Signal{Name: SignalVPN, Score: VPNContribution, Reason: "private or reserved ip range"}, true
	}
	return Signal{}, false
}

func isReserved(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() || addr.IsUnspecified()
}

var anomalousBrowsers = map[string]bool{
	"unknown":           true,
	"ie":                true,
	"msie":              true,
	"internet explorer": true,
	"netscape":          true,
	"trident":           true,
}

// DetectPatternAnomaly flags a missing referer and legacy or unidentifiable
// browsers.
func DetectPatternAnomaly(ev *ClickEvent) (Signal, bool) {
	var reasons []string

	if strings.TrimSpace(ev.Referer) == "" {
		reasons = append(reasons, "missing referer")
	}

	browser := strings.TrimSpace(ev.Browser)
	if browser == "" {
		_, _, browser = ParseUserAgent(ev.UserAgent)
	}
	if anomalousBrowsers[strings.ToLower(browser)] {
		reasons = append(reasons, "anomalous browser: "+browser)
	}

	if len(reasons) == 0 {
		return Signal{}, false
	}
	return Signal{Name: SignalPattern, Score: PatternContribution, Reason: strings.Join(reasons, ", ")}, true
}

var invalidCountries = map[string]bool{
	"XX": true,
	"ZZ": true,
	"A1": true,
	"A2": true,
	"O1": true,
	"T1": true,
	"--": true,
}

// DetectGeoInconsistency flags sentinel country codes and anything that is
// not a two-letter code.
func DetectGeoInconsistency(ev *ClickEvent) (Signal, bool) {
	country := strings.ToUpper(strings.TrimSpace(ev.Country))
	if country == "" {
		return Signal{Name: SignalGeo, Score: GeoContribution, Reason: "missing country"}, true
	}
	if len(country) != 2 || invalidCountries[country] {
		return Signal{Name: SignalGeo, Score: GeoContribution, Reason: "invalid country code: " + country}, true
	}
	return Signal{}, false
}

// DetectDeviceMismatch flags device, OS and user agent combinations that a
// real browser would not produce.
func DetectDeviceMismatch(ev *ClickEvent) (Signal, bool) {
	uaDevice, uaOS, _ := ParseUserAgent(ev.UserAgent)
	uaLower := strings.ToLower(ev.UserAgent)

	device := strings.ToLower(strings.TrimSpace(ev.Device))
	if device == "" {
		device = strings.ToLower(uaDevice)
	}
	osName := strings.ToLower(strings.TrimSpace(ev.OS))
	if osName == "" {
		osName = strings.ToLower(uaOS)
	}

	desktopOS := osName == "windows" || osName == "macos" || osName == "linux"
	mobileOS := osName == "ios" || osName == "android"
	appleUA := strings.Contains(uaLower, "iphone") || strings.Contains(uaLower, "ipad")
	androidUA := strings.Contains(uaLower, "android")

	var reason string
	switch {
	case (device == "mobile" || device == "tablet") && desktopOS:
		reason = device + " device with desktop os " + osName
	case device == "desktop" && mobileOS:
		reason = "desktop device with mobile os " + osName
	case appleUA && androidUA:
		reason = "user agent claims both ios and android"
	case osName == "ios" && androidUA:
		reason = "ios device with android user agent"
	case osName == "android" && appleUA:
		reason = "android device with ios user agent"
	default:
		return Signal{}, false
	}
	return Signal{Name: SignalDevice, Score: DeviceContribution, Reason: reason}, true
}
