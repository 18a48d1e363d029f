// Package actionurl sanitizes the action links embedded in notifications.
package actionurl

import (
	"regexp"
	"strings"
)

var (
	repeatedSlashes = regexp.MustCompile(`/{2,}`)
	schemePrefix    = regexp.MustCompile(`^https?://`)

	knownRoutes = []*regexp.Regexp{
		regexp.MustCompile(`^/admin(/[\w\-./]*)?(\?.*)?$`),
		regexp.MustCompile(`^/employee(/[\w\-./]*)?(\?.*)?$`),
		regexp.MustCompile(`^/dashboard(/.*)?$`),
		regexp.MustCompile(`^/profile(/.*)?$`),
		regexp.MustCompile(`^/settings(/.*)?$`),
		regexp.MustCompile(`^/documents(/.*)?$`),
		regexp.MustCompile(`^/attendance(/.*)?$`),
		regexp.MustCompile(`^/sales(/.*)?$`),
		regexp.MustCompile(`^/reports(/.*)?$`),
		regexp.MustCompile(`^/salaries(/.*)?$`),
		regexp.MustCompile(`^/products(/.*)?$`),
		regexp.MustCompile(`^/location(/.*)?$`),
	}
)

// Validate normalizes an action URL. An empty result means no URL.
//
// Relative paths without a leading slash are rooted, doubled slashes outside
// the scheme separator are collapsed and angle brackets are removed.
func Validate(raw string) string {
	url := strings.TrimSpace(raw)
	if url == "" {
		return ""
	}

	if !strings.HasPrefix(url, "/") && !strings.HasPrefix(url, "http") {
		url = "/" + url
	}

	scheme := schemePrefix.FindString(url)
	url = scheme + repeatedSlashes.ReplaceAllString(url[len(scheme):], "/")

	url = strings.NewReplacer("<", "", ">", "").Replace(url)
	return url
}

// IsLikelyValidRoute reports whether url points at a known in-app route.
// It is advisory only.
func IsLikelyValidRoute(url string) bool {
	for _, pattern := range knownRoutes {
		if pattern.MatchString(url) {
			return true
		}
	}
	return false
}
