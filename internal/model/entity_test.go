package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntity_ConfidenceSum(t *testing.T) {
	t.Parallel()

	e := &Entity{Fields: map[FieldKey]Field{
		FieldPrimaryEmail: {Value: "a@b.com", Confidence: 90},
		FieldFullName:     {Value: "Ann Bee", Confidence: 40},
		FieldTitle:        {Value: "", Confidence: 99},
	}}
	assert.Equal(t, 130, e.ConfidenceSum())
}

func TestEntity_EmailValues(t *testing.T) {
	t.Parallel()

	e := &Entity{Fields: map[FieldKey]Field{
		FieldPrimaryEmail:  {Value: "a@b.com", Verified: true},
		FieldWorkEmail:     {Value: "a@b.com"},
		FieldPersonalEmail: {Value: "ann@gmail.com"},
	}}
	assert.Equal(t, []string{"a@b.com", "ann@gmail.com"}, e.EmailValues(false))
	assert.Equal(t, []string{"a@b.com"}, e.EmailValues(true))
}

func TestEntity_CloneDoesNotAlias(t *testing.T) {
	t.Parallel()

	now := time.Now()
	e := &Entity{
		ID:        "e1",
		Fields:    map[FieldKey]Field{FieldTitle: {Value: "CEO"}},
		Tags:      []string{"lead"},
		DeletedAt: &now,
	}
	c := e.Clone()
	c.Fields[FieldTitle] = Field{Value: "CTO"}
	c.Tags[0] = "customer"

	assert.Equal(t, "CEO", e.Value(FieldTitle))
	assert.Equal(t, "lead", e.Tags[0])
	require.NotNil(t, c.DeletedAt)
	assert.NotSame(t, e.DeletedAt, c.DeletedAt)
}

func TestApplyPatch(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	e := &Entity{ID: "e1", Fields: map[FieldKey]Field{
		FieldTitle: {Value: "VP Sales", Confidence: 50},
	}}

	audit := ApplyPatch(e, Patch{
		ObservationID: "obs-1",
		Decisions: []MergeDecision{
			{Field: FieldPrimaryEmail, Action: ActionFill, NewValue: "jane@acme.com", Source: "apollo", Confidence: 90, Verified: true},
			{Field: FieldTitle, Action: ActionReject, NewValue: "Intern", Confidence: 10},
			{Field: FieldTags, Action: ActionUnion, Tags: []string{"lead", "vip"}},
		},
	}, now)

	require.Len(t, audit, 2)
	assert.Equal(t, "obs-1", audit[0].ObservationID)
	assert.Equal(t, "jane@acme.com", e.Value(FieldPrimaryEmail))
	assert.True(t, e.Get(FieldPrimaryEmail).Verified)
	assert.Equal(t, "apollo", e.Get(FieldPrimaryEmail).Source)
	assert.Equal(t, "VP Sales", e.Value(FieldTitle))
	assert.Equal(t, []string{"lead", "vip"}, e.Tags)
	assert.Equal(t, []string{"obs-1"}, e.ObservationIDs)
	assert.Equal(t, 1, e.Version)
	assert.Equal(t, now, e.UpdatedAt)
}

func TestApplyPatch_AllRejectedIsNoop(t *testing.T) {
	t.Parallel()

	e := &Entity{ID: "e1", ObservationIDs: []string{"obs-1"}, Version: 3}
	audit := ApplyPatch(e, Patch{
		ObservationID: "obs-1",
		Decisions:     []MergeDecision{{Field: FieldTitle, Action: ActionReject}},
	}, time.Now())

	assert.Empty(t, audit)
	assert.Equal(t, 3, e.Version)
	assert.Equal(t, []string{"obs-1"}, e.ObservationIDs)
}

func TestTrustTier(t *testing.T) {
	t.Parallel()

	tests := []struct {
		tier     TrustTier
		bonus    int
		verified bool
	}{
		{TierFirstPartyVerified, 30, true},
		{TierProviderVerified, 20, true},
		{TierProviderUnverified, 10, false},
		{TierInferred, 0, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.tier), func(t *testing.T) {
			assert.True(t, tt.tier.Valid())
			assert.Equal(t, tt.bonus, tt.tier.Bonus())
			assert.Equal(t, tt.verified, tt.tier.Verified())
		})
	}
	assert.False(t, TrustTier("gossip").Valid())
}

func TestNormalized_Empty(t *testing.T) {
	t.Parallel()

	assert.True(t, (&Normalized{}).Empty())
	assert.True(t, (&Normalized{Fields: map[FieldKey]string{FieldPhone: "15551234567"}}).Empty())
	assert.False(t, (&Normalized{Fields: map[FieldKey]string{FieldWorkEmail: "a@b.com"}}).Empty())
	assert.False(t, (&Normalized{Fields: map[FieldKey]string{FieldLastName: "Doe"}}).Empty())
}
