package extract

import (
	"context"
	"regexp"
	"strings"

	"github.com/sells-group/entity-resolver/internal/normalize"
)

var (
	emailRe    = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	linkedInRe = regexp.MustCompile(`(?i)(?:https?://)?(?:[a-z]{2,3}\.)?linkedin\.com/in/[A-Za-z0-9_\-%]+/?`)
	urlRe      = regexp.MustCompile(`(?i)\b(?:https?://|www\.)[^\s,;|<>]+`)
	phoneRe    = regexp.MustCompile(`\+?\(?\d[\d\s().\-]{6,}\d`)
	mobileRe   = regexp.MustCompile(`(?i)\b(?:m|mob|mobile|cell|c)\s*[:.]`)
	nameRe     = regexp.MustCompile(`^[\p{Lu}][\p{L}'’.\-]*(?:\s+[\p{Lu}][\p{L}'’.\-]*){1,3}$`)
	signOffRe  = regexp.MustCompile(`(?i)^(?:best|regards|thanks|thank you|cheers|sincerely|kind regards|best regards|warm regards|all the best)[,.!]?$`)
	labelRe    = regexp.MustCompile(`(?i)^(?:t|tel|p|phone|o|office|e|email|w|web|m|mob|mobile|cell|c)\s*[:.]\s*`)
	titleSepRe = regexp.MustCompile(`\s+(?:at|@)\s+|\s*[|,]\s*`)
)

// roleWords mark a line as a job title.
var roleWords = []string{
	"ceo", "cfo", "cto", "coo", "cmo", "cio", "vp", "svp", "evp",
	"president", "founder", "co-founder", "owner", "partner", "principal",
	"director", "head", "manager", "lead", "chief", "officer",
	"engineer", "developer", "analyst", "consultant", "associate",
	"specialist", "coordinator", "executive", "representative", "advisor",
	"sales", "marketing", "recruiter", "architect", "administrator",
}

// Heuristic extracts contact attributes with regular expressions and
// signature layout conventions: a name line, then title, then company.
type Heuristic struct{}

// NewHeuristic returns the rule-based extractor.
func NewHeuristic() *Heuristic { return &Heuristic{} }

// Name implements Extractor.
func (*Heuristic) Name() string { return "heuristic" }

// Extract implements Extractor. It never fails.
func (*Heuristic) Extract(_ context.Context, text string) (map[string]string, error) {
	out := make(map[string]string)
	set := func(k, v string) {
		if v = strings.TrimSpace(v); v != "" && out[k] == "" {
			out[k] = v
		}
	}

	var rest []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if m := linkedInRe.FindString(line); m != "" {
			set("linkedin", m)
			line = strings.Replace(line, m, " ", 1)
		}
		if m := emailRe.FindString(line); m != "" {
			set("email", m)
			line = emailRe.ReplaceAllString(line, " ")
		}
		for _, m := range urlRe.FindAllString(line, -1) {
			set("website", m)
			line = strings.Replace(line, m, " ", 1)
		}
		if m := phoneRe.FindString(line); m != "" && digitCount(m) >= 7 {
			if mobileRe.MatchString(line) {
				set("mobile", m)
			} else {
				set("phone", m)
			}
			line = strings.Replace(line, m, " ", 1)
		}
		line = strings.Trim(labelRe.ReplaceAllString(strings.TrimSpace(line), ""), " \t|·•,;-")
		if line == "" || signOffRe.MatchString(line) || strings.HasPrefix(line, "--") {
			continue
		}
		rest = append(rest, line)
	}

	for _, line := range rest {
		switch {
		case out["company"] == "" && normalize.HasLegalSuffix(line) && !isTitle(line):
			set("company", line)
		case out["title"] == "" && isTitle(line):
			title, company := splitTitle(line)
			set("title", title)
			set("company", company)
		case out["name"] == "" && out["title"] == "" && nameRe.MatchString(line):
			set("name", line)
		case out["title"] != "" && out["company"] == "":
			// The line after a title is the employer when nothing else
			// claimed it.
			set("company", line)
		}
	}
	return out, nil
}

func isTitle(line string) bool {
	lower := strings.ToLower(line)
	for _, w := range strings.FieldsFunc(lower, func(r rune) bool {
		return r == ' ' || r == ',' || r == '/' || r == '&' || r == '|' || r == '.'
	}) {
		for _, role := range roleWords {
			if w == role {
				return true
			}
		}
	}
	return false
}

// splitTitle separates "VP Sales at Acme" or "VP Sales | Acme" into title
// and company.
func splitTitle(line string) (title, company string) {
	parts := titleSepRe.Split(line, 2)
	if len(parts) == 2 && !isTitle(parts[1]) {
		return parts[0], parts[1]
	}
	return line, ""
}

func digitCount(s string) int {
	n := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}
