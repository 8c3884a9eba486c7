package normalize

import "strings"

// callingCodes maps ISO-3166 alpha-2 codes to international calling codes.
var callingCodes = map[string]string{
	"US": "1", "CA": "1", "PR": "1",
	"GB": "44", "UK": "44", "IE": "353",
	"DE": "49", "FR": "33", "ES": "34", "IT": "39", "NL": "31",
	"BE": "32", "CH": "41", "AT": "43", "SE": "46", "NO": "47",
	"DK": "45", "FI": "358", "PL": "48", "PT": "351",
	"AU": "61", "NZ": "64", "IN": "91", "SG": "65", "JP": "81",
	"MX": "52", "BR": "55", "ZA": "27", "IL": "972", "AE": "971",
}

// CallingCode returns the calling code for country, defaulting to "1".
func CallingCode(country string) string {
	if cc, ok := callingCodes[strings.ToUpper(strings.TrimSpace(country))]; ok {
		return cc
	}
	return "1"
}

// Phone reduces s to a digit string carrying a country calling code. A
// 10-digit national number is prefixed with the calling code of country.
// Numbers written with a leading + or 00 already carry a calling code.
// Anything else is kept as a best-effort digit string and reported as low
// confidence.
func Phone(s, country string) (digits string, lowConfidence bool) {
	s = strings.TrimSpace(s)
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits = b.String()
	if digits == "" {
		return "", false
	}

	if strings.HasPrefix(s, "+") || strings.HasPrefix(s, "00") {
		if strings.HasPrefix(s, "00") {
			digits = strings.TrimPrefix(digits, "00")
		}
		return digits, len(digits) < 8 || len(digits) > 15
	}

	cc := CallingCode(country)
	switch {
	case len(digits) == 10:
		return cc + digits, false
	case cc == "1" && len(digits) == 11 && digits[0] == '1':
		return digits, false
	case cc != "1" && len(digits) == 11 && digits[0] == '0':
		// national trunk prefix, e.g. UK 020 ...
		return cc + digits[1:], false
	default:
		return digits, true
	}
}
