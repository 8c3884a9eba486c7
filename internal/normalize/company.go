package normalize

import (
	"regexp"
	"strings"
)

// legalSuffixes are stripped from company names before comparison.
var legalSuffixes = []string{
	" LLC", " L.L.C.", " L.L.C",
	" INC", " INC.", " INCORPORATED",
	" CORP", " CORP.", " CORPORATION",
	" LTD", " LTD.", " LIMITED",
	" LP", " L.P.", " L.P",
	" LLP", " L.L.P.", " L.L.P",
	" PLC", " P.L.C.",
	" GMBH", " AG", " SA", " S.A.", " BV", " B.V.",
	" CO", " CO.", " COMPANY",
	" PLLC",
}

var multiSpaceRe = regexp.MustCompile(`\s{2,}`)

// Company folds accents and collapses whitespace in a display company name.
func Company(s string) string {
	return collapse(Fold(s))
}

// CompanyKey reduces a company name to a comparison key: upper-cased, legal
// suffix removed, punctuation stripped. "Acme Corp." and "ACME" share a key.
func CompanyKey(s string) string {
	s = strings.ToUpper(Company(s))
	if s == "" {
		return ""
	}
	s = strings.TrimSuffix(s, ",")
	for _, suffix := range legalSuffixes {
		if strings.HasSuffix(s, suffix) {
			s = strings.TrimSuffix(s, suffix)
			break
		}
	}
	s = strings.NewReplacer(
		",", "",
		".", "",
		"'", "",
		"\"", "",
		"&", "AND",
		"-", " ",
	).Replace(s)
	s = multiSpaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// HasLegalSuffix reports whether s ends in a company legal form such as
// "Inc." or "GmbH".
func HasLegalSuffix(s string) bool {
	s = strings.TrimSuffix(strings.ToUpper(Company(s)), ",")
	for _, suffix := range legalSuffixes {
		if strings.HasSuffix(s, suffix) {
			return true
		}
	}
	return false
}

// Domain strips scheme, leading www., path and port from a website or domain
// and lower-cases it. Values without a dot are rejected.
func Domain(s string) string {
	d := strings.ToLower(strings.TrimSpace(s))
	d = strings.TrimPrefix(d, "https://")
	d = strings.TrimPrefix(d, "http://")
	d = strings.TrimPrefix(d, "www.")
	if i := strings.IndexAny(d, "/?#"); i >= 0 {
		d = d[:i]
	}
	if i := strings.Index(d, ":"); i >= 0 {
		d = d[:i]
	}
	d = strings.TrimSuffix(d, ".")
	if !strings.Contains(d, ".") || strings.ContainsAny(d, " @") {
		return ""
	}
	return d
}
