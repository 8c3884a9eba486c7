// Package normalize canonicalizes raw observation attributes before any
// comparison. Every function here is pure and total: malformed input yields
// an empty value, never an error.
package normalize

import (
	"sort"
	"strings"

	"github.com/sells-group/entity-resolver/internal/model"
)

// rawAliases maps raw attribute names seen in CRM exports and provider
// payloads to field keys. Names are matched after lower-casing and turning
// spaces and dashes into underscores.
var rawAliases = map[string]model.FieldKey{
	"email":            model.FieldPrimaryEmail,
	"email_address":    model.FieldPrimaryEmail,
	"primary_email":    model.FieldPrimaryEmail,
	"work_email":       model.FieldWorkEmail,
	"business_email":   model.FieldWorkEmail,
	"personal_email":   model.FieldPersonalEmail,
	"phone":            model.FieldPhone,
	"phone_number":     model.FieldPhone,
	"work_phone":       model.FieldPhone,
	"mobile":           model.FieldMobilePhone,
	"mobile_phone":     model.FieldMobilePhone,
	"cell":             model.FieldMobilePhone,
	"linkedin":         model.FieldLinkedInURL,
	"linkedin_url":     model.FieldLinkedInURL,
	"linkedin_profile": model.FieldLinkedInURL,
	"name":             model.FieldFullName,
	"full_name":        model.FieldFullName,
	"first_name":       model.FieldFirstName,
	"firstname":        model.FieldFirstName,
	"last_name":        model.FieldLastName,
	"lastname":         model.FieldLastName,
	"company":          model.FieldCompanyRef,
	"company_name":     model.FieldCompanyRef,
	"company_ref":      model.FieldCompanyRef,
	"organization":     model.FieldCompanyRef,
	"account":          model.FieldCompanyRef,
	"website":          model.FieldCompanyDomain,
	"domain":           model.FieldCompanyDomain,
	"company_domain":   model.FieldCompanyDomain,
	"title":            model.FieldTitle,
	"job_title":        model.FieldTitle,
}

// Normalizer turns Observations into Normalized attribute sets.
type Normalizer struct {
	defaultCountry string
}

// New creates a Normalizer. defaultCountry is the ISO-3166 alpha-2 code used
// to complete national phone numbers when an observation carries no country.
func New(defaultCountry string) *Normalizer {
	if defaultCountry == "" {
		defaultCountry = "US"
	}
	return &Normalizer{defaultCountry: strings.ToUpper(defaultCountry)}
}

// Normalize canonicalizes obs. It never fails; unusable attributes are left
// out of the result.
func (n *Normalizer) Normalize(obs model.Observation) model.Normalized {
	out := model.Normalized{
		ObservationID: obs.ID,
		TenantID:      obs.TenantID,
		Source:        obs.Source,
		Tier:          obs.Tier,
		Fields:        make(map[model.FieldKey]string),
	}

	raw := canonicalKeys(obs.Raw)

	country := strings.ToUpper(strings.TrimSpace(raw["country"]))
	if country == "" {
		country = n.defaultCountry
	}
	out.Country = country

	set := func(k model.FieldKey, v string) {
		if v != "" {
			out.Fields[k] = v
		}
	}

	for _, k := range model.EmailFields {
		set(k, Email(raw[string(k)]))
	}

	for _, k := range []model.FieldKey{model.FieldPhone, model.FieldMobilePhone} {
		digits, low := Phone(raw[string(k)], country)
		set(k, digits)
		if low {
			out.LowConfidencePhone = true
		}
	}

	set(model.FieldLinkedInURL, LinkedIn(raw[string(model.FieldLinkedInURL)]))

	full := Name(raw[string(model.FieldFullName)])
	first := Name(raw[string(model.FieldFirstName)])
	last := Name(raw[string(model.FieldLastName)])
	if full == "" {
		full = strings.TrimSpace(first + " " + last)
	}
	if full != "" && first == "" && last == "" {
		first, last = SplitName(full)
	}
	set(model.FieldFullName, full)
	set(model.FieldFirstName, first)
	set(model.FieldLastName, last)

	set(model.FieldCompanyRef, Company(raw[string(model.FieldCompanyRef)]))
	set(model.FieldCompanyDomain, Domain(raw[string(model.FieldCompanyDomain)]))
	set(model.FieldTitle, collapse(raw[string(model.FieldTitle)]))

	out.Tags = Tags(raw["tags"])
	return out
}

// canonicalKeys rewrites raw attribute names onto field keys. When several
// raw names alias the same field the first non-empty value in sorted name
// order wins, keeping the result deterministic.
func canonicalKeys(raw map[string]string) map[string]string {
	names := make([]string, 0, len(raw))
	for k := range raw {
		names = append(names, k)
	}
	sort.Strings(names)

	out := make(map[string]string, len(raw))
	for _, name := range names {
		v := strings.TrimSpace(raw[name])
		if v == "" {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(name))
		key = strings.NewReplacer(" ", "_", "-", "_").Replace(key)
		if alias, ok := rawAliases[key]; ok {
			key = string(alias)
		}
		if _, exists := out[key]; !exists {
			out[key] = v
		}
	}
	return out
}

// Tags splits a comma-separated tag list, lower-cases and de-duplicates it.
func Tags(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	seen := map[string]bool{}
	for _, part := range strings.Split(s, ",") {
		t := strings.ToLower(collapse(part))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
