package normalize

import (
	"net/url"
	"strings"
	"unicode"
)

// LinkedIn returns the canonical https://www.linkedin.com/in/<slug> form of a
// profile URL, or "" when s is not a personal profile URL.
func LinkedIn(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	lower := strings.ToLower(s)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		s = "https://" + s
	}

	u, err := url.Parse(s)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	if host != "linkedin.com" && !strings.HasSuffix(host, ".linkedin.com") {
		return ""
	}

	path := strings.TrimSuffix(u.Path, "/")
	slug, ok := strings.CutPrefix(path, "/in/")
	if !ok || slug == "" || strings.Contains(slug, "/") {
		return ""
	}
	if strings.IndexFunc(slug, unicode.IsSpace) >= 0 {
		return ""
	}
	return "https://www.linkedin.com/in/" + strings.ToLower(slug)
}
