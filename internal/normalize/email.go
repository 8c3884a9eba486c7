package normalize

import (
	"strings"
	"unicode"
)

// freeMailDomains are consumer mailbox providers. Their domains say nothing
// about the owner's employer.
var freeMailDomains = map[string]bool{
	"gmail.com":      true,
	"googlemail.com": true,
	"yahoo.com":      true,
	"hotmail.com":    true,
	"outlook.com":    true,
	"live.com":       true,
	"msn.com":        true,
	"aol.com":        true,
	"icloud.com":     true,
	"me.com":         true,
	"mac.com":        true,
	"proton.me":      true,
	"protonmail.com": true,
	"gmx.com":        true,
	"yandex.com":     true,
	"zoho.com":       true,
	"mail.com":       true,
}

// Email lower-cases and trims s and returns "" unless it has exactly one @,
// a non-empty local part and a dotted domain.
func Email(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "mailto:")
	s = strings.TrimSuffix(strings.TrimPrefix(s, "<"), ">")
	if s == "" || strings.IndexFunc(s, unicode.IsSpace) >= 0 {
		return ""
	}
	if strings.Count(s, "@") != 1 {
		return ""
	}
	local, domain, _ := strings.Cut(s, "@")
	if local == "" || !strings.Contains(domain, ".") {
		return ""
	}
	if strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") || strings.Contains(domain, "..") {
		return ""
	}
	return s
}

// EmailDomain returns the domain part of a normalized email.
func EmailDomain(email string) string {
	_, domain, ok := strings.Cut(email, "@")
	if !ok {
		return ""
	}
	return domain
}

// IsFreeMail reports whether domain belongs to a consumer mailbox provider.
func IsFreeMail(domain string) bool {
	return freeMailDomains[strings.ToLower(domain)]
}
