// Package match finds existing entities that an observation may describe.
package match

import (
	"slices"

	"go.uber.org/zap"

	"github.com/sells-group/entity-resolver/internal/model"
	"github.com/sells-group/entity-resolver/internal/normalize"
)

// Tier strengths.
const (
	StrengthVerifiedEmail   = 1.0
	StrengthLinkedIn        = 1.0
	StrengthEmail           = 0.85
	StrengthNameCompany     = 0.6
	StrengthNameEmailDomain = 0.55
)

type tier struct {
	level    int
	basis    model.MatchBasis
	strength float64
	match    func(obs *model.Normalized, e *model.Entity) bool
}

// tiers are checked in order; the first one producing a candidate wins.
var tiers = []tier{
	{1, model.BasisVerifiedEmail, StrengthVerifiedEmail, matchVerifiedEmail},
	{2, model.BasisLinkedIn, StrengthLinkedIn, matchLinkedIn},
	{3, model.BasisEmail, StrengthEmail, matchEmail},
	{4, model.BasisNameCompany, StrengthNameCompany, matchNameCompany},
	{5, model.BasisNameEmailDomain, StrengthNameEmailDomain, matchNameEmailDomain},
}

// FindCandidates compares obs with every entity in pool and returns the
// candidates of the highest tier that matched anything. Entities of other
// tenants and tombstoned entities are ignored. The result follows pool order
// and holds at most one candidate per entity.
func FindCandidates(obs *model.Normalized, pool []*model.Entity) []model.MatchCandidate {
	live := make([]*model.Entity, 0, len(pool))
	seen := make(map[string]bool, len(pool))
	for _, e := range pool {
		if e == nil || e.TenantID != obs.TenantID || e.Tombstoned() || seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		live = append(live, e)
	}

	for _, t := range tiers {
		var out []model.MatchCandidate
		for _, e := range live {
			if !t.match(obs, e) {
				continue
			}
			out = append(out, model.MatchCandidate{
				ObservationID: obs.ObservationID,
				EntityID:      e.ID,
				Basis:         t.basis,
				Tier:          t.level,
				Strength:      t.strength,
				Ambiguous:     obs.Ambiguous(),
			})
		}
		if len(out) > 0 {
			zap.L().Debug("match: tier matched",
				zap.String("observation_id", obs.ObservationID),
				zap.Int("tier", t.level),
				zap.String("basis", string(t.basis)),
				zap.Int("candidates", len(out)),
			)
			return out
		}
	}
	return nil
}

// Top returns the candidates sharing the highest strength, one per entity.
// More than one result means the match is ambiguous.
func Top(cands []model.MatchCandidate) []model.MatchCandidate {
	if len(cands) == 0 {
		return nil
	}
	best := cands[0].Strength
	for _, c := range cands[1:] {
		if c.Strength > best {
			best = c.Strength
		}
	}
	var out []model.MatchCandidate
	for _, c := range cands {
		if c.Strength != best {
			continue
		}
		if slices.ContainsFunc(out, func(o model.MatchCandidate) bool { return o.EntityID == c.EntityID }) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Lookups returns the field filters a store must be queried with to collect
// every entity FindCandidates could match for obs.
func Lookups(obs *model.Normalized) []model.FieldFilter {
	var out []model.FieldFilter
	for _, email := range obs.Emails() {
		for _, k := range model.EmailFields {
			out = append(out, model.FieldFilter{Field: k, Value: email})
		}
	}
	if li := obs.Get(model.FieldLinkedInURL); li != "" {
		out = append(out, model.FieldFilter{Field: model.FieldLinkedInURL, Value: li})
	}
	if last := lastName(obs.Get(model.FieldFullName), obs.Get(model.FieldLastName)); last != "" {
		out = append(out, model.FieldFilter{Field: model.FieldLastName, Value: last})
	}
	return out
}

func matchVerifiedEmail(obs *model.Normalized, e *model.Entity) bool {
	return sharesAny(obs.Emails(), e.EmailValues(true))
}

func matchLinkedIn(obs *model.Normalized, e *model.Entity) bool {
	li := obs.Get(model.FieldLinkedInURL)
	return li != "" && li == e.Value(model.FieldLinkedInURL)
}

func matchEmail(obs *model.Normalized, e *model.Entity) bool {
	return sharesAny(obs.Emails(), e.EmailValues(false))
}

func matchNameCompany(obs *model.Normalized, e *model.Entity) bool {
	if linkedInConflict(obs, e) || !NamesEquivalent(fullName(obs), entityName(e)) {
		return false
	}
	// Two named companies decide on their own; the domain only fills in
	// when one side has no company name.
	key := normalize.CompanyKey(obs.Get(model.FieldCompanyRef))
	stored := normalize.CompanyKey(e.Value(model.FieldCompanyRef))
	if key != "" && stored != "" {
		return key == stored
	}
	d := obs.Get(model.FieldCompanyDomain)
	return d != "" && d == e.Value(model.FieldCompanyDomain)
}

func matchNameEmailDomain(obs *model.Normalized, e *model.Entity) bool {
	domain := e.Value(model.FieldCompanyDomain)
	if domain == "" || linkedInConflict(obs, e) || !NamesEquivalent(fullName(obs), entityName(e)) {
		return false
	}
	for _, email := range obs.Emails() {
		d := normalize.EmailDomain(email)
		if d == domain && !normalize.IsFreeMail(d) {
			return true
		}
	}
	return false
}

// linkedInConflict reports two different LinkedIn profiles. A conflict on a
// strong identifier vetoes any name-based match.
func linkedInConflict(obs *model.Normalized, e *model.Entity) bool {
	a := obs.Get(model.FieldLinkedInURL)
	b := e.Value(model.FieldLinkedInURL)
	return a != "" && b != "" && a != b
}

func sharesAny(a, b []string) bool {
	for _, v := range a {
		if slices.Contains(b, v) {
			return true
		}
	}
	return false
}
