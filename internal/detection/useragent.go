package detection

import "strings"

// ParseUserAgent derives device class, OS and browser from a user agent
// string. Unrecognised parts come back as "Unknown".
func ParseUserAgent(ua string) (device, os, browser string) {
	uaLower := strings.ToLower(ua)

	switch {
	case strings.Contains(uaLower, "ipad") || strings.Contains(uaLower, "tablet"):
		device = "Tablet"
	case strings.Contains(uaLower, "mobile") || strings.Contains(uaLower, "android") ||
		strings.Contains(uaLower, "iphone"):
		device = "Mobile"
	default:
		device = "Desktop"
	}

	// Android UAs carry "Linux" and iOS UAs carry "Mac OS X", so the mobile
	// platforms must be matched first.
	switch {
	case strings.Contains(uaLower, "android"):
		os = "Android"
	case strings.Contains(uaLower, "iphone") || strings.Contains(uaLower, "ipad") || strings.Contains(uaLower, "ipod"):
		os = "iOS"
	case strings.Contains(uaLower, "windows"):
		os = "Windows"
	case strings.Contains(uaLower, "mac os") || strings.Contains(uaLower, "macos"):
		os = "macOS"
	case strings.Contains(uaLower, "linux"):
		os = "Linux"
	default:
		os = "Unknown"
	}

	switch {
	case strings.Contains(uaLower, "msie") || strings.Contains(uaLower, "trident"):
		browser = "Internet Explorer"
	case strings.Contains(uaLower, "edg"):
		browser = "Edge"
	case strings.Contains(uaLower, "opr/") || strings.Contains(uaLower, "opera"):
		browser = "Opera"
	case strings.Contains(uaLower, "firefox"):
		browser = "Firefox"
	case strings.Contains(uaLower, "chrome") || strings.Contains(uaLower, "crios"):
		browser = "Chrome"
	case strings.Contains(uaLower, "safari"):
		browser = "Safari"
	default:
		browser = "Unknown"
	}

	return
}
