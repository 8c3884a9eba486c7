package match

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/entity-resolver/internal/model"
)

func entity(id string, fields map[model.FieldKey]model.Field) *model.Entity {
	return &model.Entity{ID: id, TenantID: "t1", Kind: model.KindPerson, Fields: fields}
}

func obs(fields map[model.FieldKey]string) *model.Normalized {
	return &model.Normalized{ObservationID: "obs-1", TenantID: "t1", Fields: fields}
}

func TestFindCandidates_Tiers(t *testing.T) {
	t.Parallel()

	pool := []*model.Entity{
		entity("verified", map[model.FieldKey]model.Field{
			model.FieldPrimaryEmail: {Value: "jane@acme.com", Verified: true},
		}),
		entity("linkedin", map[model.FieldKey]model.Field{
			model.FieldLinkedInURL: {Value: "https://www.linkedin.com/in/jane"},
		}),
		entity("unverified", map[model.FieldKey]model.Field{
			model.FieldWorkEmail: {Value: "jd@acme.com"},
		}),
		entity("namecompany", map[model.FieldKey]model.Field{
			model.FieldFullName:   {Value: "Jane Doe"},
			model.FieldCompanyRef: {Value: "Acme Corp"},
		}),
		entity("namedomain", map[model.FieldKey]model.Field{
			model.FieldFullName:      {Value: "Jane Doe"},
			model.FieldCompanyDomain: {Value: "initech.com"},
		}),
	}

	tests := []struct {
		name   string
		fields map[model.FieldKey]string
		want   string
		tier   int
		str    float64
	}{
		{"verified email", map[model.FieldKey]string{model.FieldPrimaryEmail: "jane@acme.com"}, "verified", 1, 1.0},
		{"linkedin", map[model.FieldKey]string{model.FieldLinkedInURL: "https://www.linkedin.com/in/jane"}, "linkedin", 2, 1.0},
		{"unverified email in other field", map[model.FieldKey]string{model.FieldPersonalEmail: "jd@acme.com"}, "unverified", 3, 0.85},
		{"name and company", map[model.FieldKey]string{model.FieldFullName: "jane doe", model.FieldCompanyRef: "ACME"}, "namecompany", 4, 0.6},
		{"name and email domain", map[model.FieldKey]string{model.FieldFullName: "Jane Doe", model.FieldPrimaryEmail: "jane.doe@initech.com"}, "namedomain", 5, 0.55},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FindCandidates(obs(tt.fields), pool)
			require.Len(t, got, 1)
			assert.Equal(t, tt.want, got[0].EntityID)
			assert.Equal(t, tt.tier, got[0].Tier)
			assert.Equal(t, tt.str, got[0].Strength)
			assert.Equal(t, "obs-1", got[0].ObservationID)
		})
	}
}

func TestFindCandidates_CompanyConflictBlocksDomainFallback(t *testing.T) {
	t.Parallel()

	pool := []*model.Entity{
		entity("acme-john", map[model.FieldKey]model.Field{
			model.FieldFullName:      {Value: "John Smith"},
			model.FieldCompanyRef:    {Value: "Acme"},
			model.FieldCompanyDomain: {Value: "acme.com"},
		}),
	}

	conflicting := FindCandidates(obs(map[model.FieldKey]string{
		model.FieldFullName:      "John Smith",
		model.FieldCompanyRef:    "Globex",
		model.FieldCompanyDomain: "acme.com",
	}), pool)
	assert.Empty(t, conflicting)

	// Without a company name on the observation the domain still decides.
	byDomain := FindCandidates(obs(map[model.FieldKey]string{
		model.FieldFullName:      "John Smith",
		model.FieldCompanyDomain: "acme.com",
	}), pool)
	require.Len(t, byDomain, 1)
	assert.Equal(t, 4, byDomain[0].Tier)

	// Same company under a different legal suffix still matches.
	sameCompany := FindCandidates(obs(map[model.FieldKey]string{
		model.FieldFullName:   "John Smith",
		model.FieldCompanyRef: "Acme, Inc.",
	}), pool)
	require.Len(t, sameCompany, 1)
	assert.Equal(t, "acme-john", sameCompany[0].EntityID)
}

func TestFindCandidates_HigherTierShortCircuits(t *testing.T) {
	t.Parallel()

	pool := []*model.Entity{
		entity("by-name", map[model.FieldKey]model.Field{
			model.FieldFullName:      {Value: "Jane Doe"},
			model.FieldCompanyDomain: {Value: "acme.com"},
		}),
		entity("by-email", map[model.FieldKey]model.Field{
			model.FieldPrimaryEmail: {Value: "jane@acme.com", Verified: true},
		}),
	}
	got := FindCandidates(obs(map[model.FieldKey]string{
		model.FieldPrimaryEmail:  "jane@acme.com",
		model.FieldFullName:      "Jane Doe",
		model.FieldCompanyDomain: "acme.com",
	}), pool)

	require.Len(t, got, 1)
	assert.Equal(t, "by-email", got[0].EntityID)
	assert.Equal(t, 1, got[0].Tier)
}

func TestFindCandidates_Filters(t *testing.T) {
	t.Parallel()

	now := time.Now()
	other := entity("other-tenant", map[model.FieldKey]model.Field{model.FieldPrimaryEmail: {Value: "a@b.com"}})
	other.TenantID = "t2"
	dead := entity("tombstoned", map[model.FieldKey]model.Field{model.FieldPrimaryEmail: {Value: "a@b.com"}})
	dead.DeletedAt = &now

	got := FindCandidates(obs(map[model.FieldKey]string{model.FieldPrimaryEmail: "a@b.com"}), []*model.Entity{other, dead, nil})
	assert.Empty(t, got)
}

func TestFindCandidates_LinkedInConflictVetoesNameTiers(t *testing.T) {
	t.Parallel()

	pool := []*model.Entity{entity("e1", map[model.FieldKey]model.Field{
		model.FieldFullName:    {Value: "John Smith"},
		model.FieldCompanyRef:  {Value: "Acme"},
		model.FieldLinkedInURL: {Value: "https://www.linkedin.com/in/john-smith-1"},
	})}
	got := FindCandidates(obs(map[model.FieldKey]string{
		model.FieldFullName:    "John Smith",
		model.FieldCompanyRef:  "Acme",
		model.FieldLinkedInURL: "https://www.linkedin.com/in/john-smith-2",
	}), pool)
	assert.Empty(t, got)
}

func TestFindCandidates_FreeMailNeverMatchesDomain(t *testing.T) {
	t.Parallel()

	pool := []*model.Entity{entity("e1", map[model.FieldKey]model.Field{
		model.FieldFullName:      {Value: "Jane Doe"},
		model.FieldCompanyDomain: {Value: "gmail.com"},
	})}
	got := FindCandidates(obs(map[model.FieldKey]string{
		model.FieldFullName:     "Jane Doe",
		model.FieldPrimaryEmail: "jane.doe@gmail.com",
	}), pool)
	assert.Empty(t, got)
}

func TestFindCandidates_SharedDomainAloneIsNoMatch(t *testing.T) {
	t.Parallel()

	pool := []*model.Entity{entity("e1", map[model.FieldKey]model.Field{
		model.FieldFullName:      {Value: "Bob Jones"},
		model.FieldCompanyDomain: {Value: "acme.com"},
	})}
	got := FindCandidates(obs(map[model.FieldKey]string{
		model.FieldFullName:      "Jane Doe",
		model.FieldPrimaryEmail:  "jane@acme.com",
		model.FieldCompanyDomain: "acme.com",
	}), pool)
	assert.Empty(t, got)
}

func TestFindCandidates_AmbiguousAcrossEntities(t *testing.T) {
	t.Parallel()

	pool := []*model.Entity{
		entity("j-smith", map[model.FieldKey]model.Field{
			model.FieldFullName:      {Value: "J. Smith"},
			model.FieldCompanyRef:    {Value: "Acme"},
			model.FieldCompanyDomain: {Value: "acme.com"},
		}),
		entity("john-smith", map[model.FieldKey]model.Field{
			model.FieldFullName:      {Value: "John Smith"},
			model.FieldCompanyRef:    {Value: "Acme Corp"},
			model.FieldCompanyDomain: {Value: "acme.com"},
		}),
	}
	o := obs(map[model.FieldKey]string{
		model.FieldFullName:     "John Smith",
		model.FieldPrimaryEmail: "john@acme.com",
	})
	o.LowConfidencePhone = true

	got := FindCandidates(o, pool)
	require.Len(t, got, 2)
	assert.Equal(t, 5, got[0].Tier)
	assert.True(t, got[0].Ambiguous)
	assert.Len(t, Top(got), 2)
}

func TestFindCandidates_Deterministic(t *testing.T) {
	t.Parallel()

	pool := []*model.Entity{
		entity("a", map[model.FieldKey]model.Field{model.FieldWorkEmail: {Value: "x@y.com"}}),
		entity("b", map[model.FieldKey]model.Field{model.FieldPrimaryEmail: {Value: "x@y.com"}}),
		entity("a", map[model.FieldKey]model.Field{model.FieldWorkEmail: {Value: "x@y.com"}}),
	}
	o := obs(map[model.FieldKey]string{model.FieldPrimaryEmail: "x@y.com"})
	first := FindCandidates(o, pool)
	second := FindCandidates(o, pool)
	assert.Equal(t, first, second)
	require.Len(t, first, 2)
	assert.Equal(t, "a", first[0].EntityID)
	assert.Equal(t, "b", first[1].EntityID)
}

func TestNamesEquivalent(t *testing.T) {
	t.Parallel()

	assert.True(t, NamesEquivalent("John Smith", "john smith"))
	assert.True(t, NamesEquivalent("J. Smith", "John Smith"))
	assert.True(t, NamesEquivalent("John Smith", "J Smith"))
	assert.True(t, NamesEquivalent("Anne-Marie Doe", "Anne Marie Doe"))
	assert.False(t, NamesEquivalent("Jane Smith", "John Smith"))
	assert.False(t, NamesEquivalent("J. Smith", "J. Smithers"))
	assert.False(t, NamesEquivalent("", "John Smith"))
	assert.False(t, NamesEquivalent("J", "John"))
}

func TestTop(t *testing.T) {
	t.Parallel()

	assert.Nil(t, Top(nil))
	got := Top([]model.MatchCandidate{
		{EntityID: "a", Strength: 0.6},
		{EntityID: "b", Strength: 0.85},
		{EntityID: "b", Strength: 0.85},
	})
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].EntityID)
}

func TestLookups(t *testing.T) {
	t.Parallel()

	got := Lookups(obs(map[model.FieldKey]string{
		model.FieldPrimaryEmail: "a@b.com",
		model.FieldLinkedInURL:  "https://www.linkedin.com/in/a",
		model.FieldFullName:     "Ann Bee",
	}))
	assert.Contains(t, got, model.FieldFilter{Field: model.FieldWorkEmail, Value: "a@b.com"})
	assert.Contains(t, got, model.FieldFilter{Field: model.FieldLinkedInURL, Value: "https://www.linkedin.com/in/a"})
	assert.Contains(t, got, model.FieldFilter{Field: model.FieldLastName, Value: "Bee"})
	assert.Len(t, got, 5)
}
