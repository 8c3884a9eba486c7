package dedupe

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/entity-resolver/internal/model"
	"github.com/sells-group/entity-resolver/internal/store"
)

var t0 = time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

type fields map[model.FieldKey]string

func entity(id string, created time.Duration, conf int, verified bool, fs fields) *model.Entity {
	e := &model.Entity{
		ID:        id,
		TenantID:  "t1",
		Kind:      model.KindPerson,
		Fields:    map[model.FieldKey]model.Field{},
		Version:   1,
		CreatedAt: t0.Add(created),
		UpdatedAt: t0.Add(created),
	}
	for k, v := range fs {
		e.Fields[k] = model.Field{Value: v, Source: "crm", Confidence: conf, Verified: verified, UpdatedAt: t0}
	}
	return e
}

func TestFindDuplicates_SharedLinkedIn(t *testing.T) {
	a := entity("a", 0, 70, false, fields{
		model.FieldLinkedInURL:  "https://www.linkedin.com/in/janedoe",
		model.FieldPrimaryEmail: "jane@acme.com",
		model.FieldFullName:     "Jane Doe",
	})
	b := entity("b", time.Hour, 70, false, fields{
		model.FieldLinkedInURL:  "https://www.linkedin.com/in/janedoe",
		model.FieldPrimaryEmail: "jdoe@gmail.com",
		model.FieldFullName:     "Jane Doe",
		model.FieldTitle:        "CTO",
	})

	res := FindDuplicates([]*model.Entity{b, a}, 0)
	require.Len(t, res.Groups, 1)
	g := res.Groups[0]
	// b has the larger confidence sum.
	assert.Equal(t, "b", g.Survivor.ID)
	require.Len(t, g.Subordinates, 1)
	assert.Equal(t, "a", g.Subordinates[0].ID)
	assert.Equal(t, 100, g.Scores["a"])
	require.Len(t, g.Edges, 1)
	assert.Equal(t, model.BasisLinkedIn, g.Edges[0].Candidate.Basis)
	assert.Empty(t, res.Review)
}

func TestFindDuplicates_SurvivorTieBrokenByCreation(t *testing.T) {
	a := entity("z-late", time.Hour, 80, false, fields{model.FieldPrimaryEmail: "jane@acme.com"})
	b := entity("a-early", 0, 80, false, fields{model.FieldPrimaryEmail: "jane@acme.com"})

	res := FindDuplicates([]*model.Entity{a, b}, 80)
	require.Len(t, res.Groups, 1)
	assert.Equal(t, "a-early", res.Groups[0].Survivor.ID)
	// Unverified email is tier 3: round(0.85*70) + 30.
	assert.Equal(t, 90, res.Groups[0].Scores["z-late"])
}

func TestFindDuplicates_Transitive(t *testing.T) {
	a := entity("a", 0, 80, false, fields{model.FieldPrimaryEmail: "jane@acme.com"})
	b := entity("b", time.Minute, 80, false, fields{
		model.FieldPrimaryEmail: "jane@acme.com",
		model.FieldLinkedInURL:  "https://www.linkedin.com/in/jane",
	})
	c := entity("c", 2*time.Minute, 80, false, fields{model.FieldLinkedInURL: "https://www.linkedin.com/in/jane"})

	res := FindDuplicates([]*model.Entity{c, b, a}, 80)
	require.Len(t, res.Groups, 1)
	assert.Equal(t, "b", res.Groups[0].Survivor.ID)
	assert.Len(t, res.Groups[0].Subordinates, 2)
}

func TestFindDuplicates_ThresholdBlocksWeakExactMatch(t *testing.T) {
	a := entity("a", 0, 80, false, fields{model.FieldPrimaryEmail: "jane@acme.com"})
	b := entity("b", time.Minute, 80, false, fields{model.FieldPrimaryEmail: "jane@acme.com"})

	res := FindDuplicates([]*model.Entity{a, b}, 95)
	assert.Empty(t, res.Groups)
	assert.Empty(t, res.Review)
}

func TestFindDuplicates_SharedDomainIsNotADuplicate(t *testing.T) {
	a := entity("a", 0, 80, false, fields{
		model.FieldPrimaryEmail:  "jane@acme.com",
		model.FieldFullName:      "Jane Doe",
		model.FieldCompanyDomain: "acme.com",
		model.FieldCompanyRef:    "Acme Inc",
	})
	b := entity("b", time.Minute, 80, false, fields{
		model.FieldPrimaryEmail:  "bob@acme.com",
		model.FieldFullName:      "Bob Stone",
		model.FieldCompanyDomain: "acme.com",
		model.FieldCompanyRef:    "Acme Inc",
	})

	res := FindDuplicates([]*model.Entity{a, b}, 0)
	assert.Empty(t, res.Groups)
	assert.Empty(t, res.Review)
}

func TestFindDuplicates_NameCompanyGoesToReview(t *testing.T) {
	a := entity("a", 0, 60, false, fields{
		model.FieldFullName:   "J. Smith",
		model.FieldLastName:   "Smith",
		model.FieldCompanyRef: "Acme",
	})
	b := entity("b", time.Minute, 60, false, fields{
		model.FieldFullName:   "John Smith",
		model.FieldLastName:   "Smith",
		model.FieldCompanyRef: "Acme Corp",
	})

	res := FindDuplicates([]*model.Entity{a, b}, 0)
	assert.Empty(t, res.Groups)
	require.Len(t, res.Review, 1)
	assert.Equal(t, 4, res.Review[0].Candidate.Tier)
	assert.Equal(t, "a", res.Review[0].A)
	assert.Equal(t, "b", res.Review[0].B)
}

func TestFindDuplicates_IgnoresTombstoned(t *testing.T) {
	a := entity("a", 0, 80, false, fields{model.FieldPrimaryEmail: "jane@acme.com"})
	b := entity("b", time.Minute, 80, false, fields{model.FieldPrimaryEmail: "jane@acme.com"})
	dead := t0
	b.DeletedAt = &dead

	res := FindDuplicates([]*model.Entity{a, b}, 0)
	assert.Empty(t, res.Groups)
	assert.Equal(t, 1, res.Scanned)
}

func TestSnapshot_CarriesProvenance(t *testing.T) {
	e := entity("a", 0, 65, true, fields{model.FieldPrimaryEmail: "jane@acme.com"})
	e.Tags = []string{"customer"}

	snap := Snapshot(e)
	assert.Equal(t, "entity:a", snap.ObservationID)
	assert.Equal(t, model.TierFirstPartyVerified, snap.Tier)
	assert.Equal(t, "jane@acme.com", snap.Get(model.FieldPrimaryEmail))
	assert.Equal(t, model.FieldProvenance{Confidence: 65, Verified: true}, snap.Provenance[model.FieldPrimaryEmail])
	assert.Equal(t, []string{"customer"}, snap.Tags)
}

func seed(t *testing.T, st store.Store, es ...*model.Entity) {
	t.Helper()
	for _, e := range es {
		require.NoError(t, st.CreateEntity(context.Background(), e))
	}
}

func TestResolver_RunMergesAndTombstones(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	a := entity("a", 0, 70, false, fields{
		model.FieldLinkedInURL:  "https://www.linkedin.com/in/janedoe",
		model.FieldPrimaryEmail: "jane@acme.com",
		model.FieldFullName:     "Jane Doe",
		model.FieldPhone:        "15551234567",
	})
	b := entity("b", time.Hour, 70, false, fields{
		model.FieldLinkedInURL:  "https://www.linkedin.com/in/janedoe",
		model.FieldPrimaryEmail: "jdoe@gmail.com",
		model.FieldFullName:     "Jane Doe",
		model.FieldTitle:        "CTO",
		model.FieldCompanyRef:   "Acme",
	})
	seed(t, st, a, b)

	r := New(st, nil, 0)
	sum, _, err := r.Run(ctx, "t1", false)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Groups)
	assert.Equal(t, []string{"a"}, sum.Tombstoned)

	live, err := st.ListEntities(ctx, "t1", false)
	require.NoError(t, err)
	require.Len(t, live, 1)
	survivor := live[0]
	assert.Equal(t, "b", survivor.ID)
	// Filled from the subordinate.
	assert.Equal(t, "15551234567", survivor.Value(model.FieldPhone))
	// Same confidence, different value: the snapshot's equal confidence
	// overwrites an unverified value.
	assert.Equal(t, "jane@acme.com", survivor.Value(model.FieldPrimaryEmail))
	assert.Equal(t, "CTO", survivor.Value(model.FieldTitle))
	assert.Contains(t, survivor.ObservationIDs, "entity:a")

	dead, err := st.GetEntity(ctx, "a")
	require.NoError(t, err)
	assert.True(t, dead.Tombstoned())
	assert.Equal(t, "b", dead.SurvivorID)

	// A second run finds nothing left to do.
	sum, _, err = r.Run(ctx, "t1", false)
	require.NoError(t, err)
	assert.Zero(t, sum.Groups)
}

func TestResolver_VerifiedSurvivorFieldsProtected(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	a := entity("a", 0, 90, true, fields{
		model.FieldPrimaryEmail: "jane@acme.com",
		model.FieldTitle:        "CEO",
	})
	b := entity("b", time.Minute, 60, false, fields{
		model.FieldPrimaryEmail: "jane@acme.com",
		model.FieldTitle:        "Intern",
	})
	seed(t, st, a, b)

	_, _, err := New(st, nil, 0).Run(ctx, "t1", false)
	require.NoError(t, err)

	got, err := st.GetEntity(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "CEO", got.Value(model.FieldTitle))
	assert.True(t, got.Get(model.FieldTitle).Verified)
}

func TestResolver_DryRunChangesNothing(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seed(t, st,
		entity("a", 0, 80, false, fields{model.FieldPrimaryEmail: "jane@acme.com"}),
		entity("b", time.Minute, 80, false, fields{model.FieldPrimaryEmail: "jane@acme.com"}),
	)

	sum, res, err := New(st, nil, 0).Run(ctx, "t1", true)
	require.NoError(t, err)
	assert.True(t, sum.DryRun)
	assert.Equal(t, []string{"b"}, sum.Tombstoned)
	assert.Len(t, res.Groups, 1)

	live, err := st.ListEntities(ctx, "t1", false)
	require.NoError(t, err)
	assert.Len(t, live, 2)
}

func TestResolver_ReviewPairsFiledOnce(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seed(t, st,
		entity("a", 0, 60, false, fields{model.FieldFullName: "J. Smith", model.FieldLastName: "Smith", model.FieldCompanyRef: "Acme"}),
		entity("b", time.Minute, 60, false, fields{model.FieldFullName: "John Smith", model.FieldLastName: "Smith", model.FieldCompanyRef: "Acme Corp"}),
	)
	r := New(st, nil, 0)

	sum, _, err := r.Run(ctx, "t1", false)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Reviews)
	assert.Empty(t, sum.Tombstoned)

	sum, _, err = r.Run(ctx, "t1", false)
	require.NoError(t, err)
	assert.Zero(t, sum.Reviews)

	items, err := st.ListReviews(ctx, store.ReviewFilter{TenantID: "t1"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, model.ReviewDuplicatePair, items[0].Kind)
	assert.ElementsMatch(t, []string{"a", "b"}, items[0].EntityIDs)
}

func TestResolver_MergeInto(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seed(t, st,
		entity("a", 0, 60, false, fields{model.FieldFullName: "J. Smith"}),
		entity("b", time.Minute, 60, false, fields{model.FieldFullName: "John Smith", model.FieldTitle: "VP"}),
	)
	r := New(st, nil, 0)

	require.NoError(t, r.MergeInto(ctx, "a", "b"))
	got, err := st.GetEntity(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "VP", got.Value(model.FieldTitle))

	assert.ErrorIs(t, r.MergeInto(ctx, "a", "b"), store.ErrTombstoned)
}
