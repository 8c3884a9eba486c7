package resolver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/entity-resolver/internal/enrich"
	"github.com/sells-group/entity-resolver/internal/events"
	"github.com/sells-group/entity-resolver/internal/model"
	"github.com/sells-group/entity-resolver/internal/resilience"
	"github.com/sells-group/entity-resolver/internal/store"
)

var t0 = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() Config {
	return Config{
		DefaultCountry: "US",
		Workers:        4,
		Retry:          resilience.RetryConfig{MaxAttempts: 1, InitialBackoff: time.Second, JitterFraction: 0},
	}
}

func newTestResolver(t *testing.T, opts ...Option) (*Resolver, *store.MemoryStore, *clock) {
	t.Helper()
	st := store.NewMemory()
	c := &clock{now: t0}
	opts = append([]Option{WithClock(c.Now)}, opts...)
	return New(st, testConfig(), opts...), st, c
}

func observation(id string, tier model.TrustTier, raw map[string]string) model.Observation {
	return model.Observation{
		ID:          id,
		TenantID:    "t1",
		Source:      "test-" + string(tier),
		Tier:        tier,
		Raw:         raw,
		RetrievedAt: t0,
	}
}

func seed(t *testing.T, st store.Store, id string, fs map[model.FieldKey]model.Field) {
	t.Helper()
	require.NoError(t, st.CreateEntity(context.Background(), &model.Entity{
		ID:       id,
		TenantID: "t1",
		Fields:   fs,
	}))
}

func TestResolve_VerifiedProviderFillsEmptyEmail(t *testing.T) {
	r, st, _ := newTestResolver(t)
	ctx := context.Background()
	seed(t, st, "jane", map[model.FieldKey]model.Field{
		model.FieldFullName:    {Value: "Jane Doe", Confidence: 60},
		model.FieldLastName:    {Value: "Doe", Confidence: 60},
		model.FieldLinkedInURL: {Value: "https://www.linkedin.com/in/janedoe", Confidence: 60},
	})

	out := r.Resolve(ctx, observation("o1", model.TierProviderVerified, map[string]string{
		"linkedin": "linkedin.com/in/JaneDoe/",
		"email":    "Jane.Doe@Example.com",
	}))
	require.NoError(t, out.Err)
	assert.Equal(t, StateApplied, out.State)
	assert.Equal(t, ActionUpdate, out.Action)
	assert.Equal(t, "jane", out.EntityID)

	e, err := st.GetEntity(ctx, "jane")
	require.NoError(t, err)
	f := e.Get(model.FieldPrimaryEmail)
	assert.Equal(t, "jane.doe@example.com", f.Value)
	assert.True(t, f.Verified)
	assert.GreaterOrEqual(t, f.Confidence, 80)
	assert.Contains(t, e.ObservationIDs, "o1")
}

func TestResolve_VerifiedEmailProtectedFromUnverifiedSource(t *testing.T) {
	r, st, _ := newTestResolver(t)
	ctx := context.Background()
	seed(t, st, "e1", map[model.FieldKey]model.Field{
		model.FieldPrimaryEmail: {Value: "a@b.com", Confidence: 90, Verified: true},
		model.FieldLinkedInURL:  {Value: "https://www.linkedin.com/in/ab", Confidence: 70},
	})

	out := r.Resolve(ctx, observation("o1", model.TierProviderUnverified, map[string]string{
		"linkedin": "https://www.linkedin.com/in/ab",
		"email":    "c@d.com",
	}))
	require.Equal(t, StateApplied, out.State)

	var emailDecision *model.MergeDecision
	for i := range out.Decisions {
		if out.Decisions[i].Field == model.FieldPrimaryEmail {
			emailDecision = &out.Decisions[i]
		}
	}
	require.NotNil(t, emailDecision)
	assert.Equal(t, model.ActionReject, emailDecision.Action)

	e, err := st.GetEntity(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "a@b.com", e.Value(model.FieldPrimaryEmail))
	assert.Equal(t, 90, e.Get(model.FieldPrimaryEmail).Confidence)
}

func seedSmiths(t *testing.T, st store.Store) {
	seed(t, st, "j-smith", map[model.FieldKey]model.Field{
		model.FieldFullName:      {Value: "J. Smith", Confidence: 60},
		model.FieldLastName:      {Value: "Smith", Confidence: 60},
		model.FieldCompanyRef:    {Value: "Acme", Confidence: 60},
		model.FieldCompanyDomain: {Value: "acme.com", Confidence: 60},
	})
	seed(t, st, "john-smith", map[model.FieldKey]model.Field{
		model.FieldFullName:      {Value: "John Smith", Confidence: 60},
		model.FieldLastName:      {Value: "Smith", Confidence: 60},
		model.FieldCompanyRef:    {Value: "Acme Corp", Confidence: 60},
		model.FieldCompanyDomain: {Value: "acme.com", Confidence: 60},
	})
}

func smithObservation(id string) model.Observation {
	return observation(id, model.TierProviderUnverified, map[string]string{
		"name":  "John Smith",
		"email": "john@acme.com",
	})
}

func TestResolve_AmbiguousNameMatchIsFlagged(t *testing.T) {
	r, st, _ := newTestResolver(t)
	ctx := context.Background()
	seedSmiths(t, st)

	out := r.Resolve(ctx, smithObservation("o1"))
	assert.Equal(t, StateFlaggedForReview, out.State)
	assert.True(t, eris.Is(out.Err, ErrAmbiguousMatch))
	require.Len(t, out.Candidates, 2)
	assert.Equal(t, 5, out.Candidates[0].Tier)
	require.NotEmpty(t, out.ReviewID)

	item, err := st.GetReview(ctx, out.ReviewID)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, model.ReviewAmbiguousMatch, item.Kind)
	assert.ElementsMatch(t, []string{"j-smith", "john-smith"}, item.EntityIDs)

	for _, id := range []string{"j-smith", "john-smith"} {
		e, err := st.GetEntity(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, e.Value(model.FieldPrimaryEmail), id)
		assert.Equal(t, 1, e.Version, id)
	}

	// Resolving the same observation again reuses the open review.
	again := r.Resolve(ctx, smithObservation("o1"))
	assert.Equal(t, out.ReviewID, again.ReviewID)
	items, err := st.ListReviews(ctx, store.ReviewFilter{TenantID: "t1"})
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestResolve_MalformedObservationHalts(t *testing.T) {
	r, st, _ := newTestResolver(t)
	ctx := context.Background()

	out := r.Resolve(ctx, observation("o1", model.TierProviderVerified, map[string]string{
		"phone":   "555-123-4567",
		"email":   "not-an-email",
		"company": "Acme",
	}))
	assert.Equal(t, StateNormalized, out.State)
	assert.True(t, out.Malformed())
	assert.True(t, eris.Is(out.Err, ErrMalformedObservation))

	all, err := st.ListEntities(ctx, "t1", true)
	require.NoError(t, err)
	assert.Empty(t, all)

	// Kept as evidence.
	obs, err := st.GetObservation(ctx, "o1")
	require.NoError(t, err)
	assert.NotNil(t, obs)
}

func TestResolve_InvalidTierRejected(t *testing.T) {
	r, _, _ := newTestResolver(t)
	out := r.Resolve(context.Background(), observation("o1", "gossip", map[string]string{"email": "a@b.com"}))
	assert.Equal(t, StateRejected, out.State)
	assert.True(t, eris.Is(out.Err, ErrInvalidObservation))
	assert.Equal(t, resilience.KindPermanent, out.ErrorKind())
}

func TestResolve_CreateThenIdempotent(t *testing.T) {
	r, st, _ := newTestResolver(t)
	ctx := context.Background()
	obs := observation("o1", model.TierFirstPartyVerified, map[string]string{
		"email":      "jane@acme.com",
		"first_name": "Jane",
		"last_name":  "Doe",
		"title":      "CTO",
		"tags":       "lead",
	})

	first := r.Resolve(ctx, obs)
	require.NoError(t, first.Err)
	assert.Equal(t, StateApplied, first.State)
	assert.Equal(t, ActionCreate, first.Action)
	assert.Equal(t, 100, first.Score)

	e, err := st.GetEntity(ctx, first.EntityID)
	require.NoError(t, err)
	assert.True(t, e.Get(model.FieldPrimaryEmail).Verified)
	assert.Equal(t, "Jane Doe", e.Value(model.FieldFullName))
	assert.Equal(t, []string{"lead"}, e.Tags)
	history, err := st.History(ctx, e.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, history)

	second := r.Resolve(ctx, obs)
	require.NoError(t, second.Err)
	assert.Equal(t, ActionUpdate, second.Action)
	assert.Equal(t, first.EntityID, second.EntityID)
	assert.Equal(t, 1, second.Candidates[0].Tier)
	assert.Zero(t, second.AppliedCount())

	after, err := st.GetEntity(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.Fields, after.Fields)
	assert.Equal(t, e.Version, after.Version)
	historyAfter, err := st.History(ctx, e.ID)
	require.NoError(t, err)
	assert.Len(t, historyAfter, len(history))
}

func TestResolve_ExactEmailBeatsNameMatch(t *testing.T) {
	r, st, _ := newTestResolver(t)
	ctx := context.Background()
	seed(t, st, "by-email", map[model.FieldKey]model.Field{
		model.FieldWorkEmail: {Value: "john@acme.com", Confidence: 90, Verified: true},
	})
	seedSmiths(t, st)

	out := r.Resolve(ctx, smithObservation("o1"))
	require.Equal(t, StateApplied, out.State)
	assert.Equal(t, "by-email", out.EntityID)
	assert.Equal(t, 1, out.Candidates[0].Tier)
}

func TestResolve_FollowsTombstoneToSurvivor(t *testing.T) {
	r, st, _ := newTestResolver(t)
	ctx := context.Background()
	seed(t, st, "old", map[model.FieldKey]model.Field{model.FieldPrimaryEmail: {Value: "x@acme.com", Confidence: 50}})
	seed(t, st, "new", map[model.FieldKey]model.Field{model.FieldPrimaryEmail: {Value: "x@acme.com", Confidence: 50}})
	require.NoError(t, st.Tombstone(ctx, "old", "new"))

	n := r.normalizer.Normalize(observation("o1", model.TierProviderVerified, map[string]string{"title": "CEO"}))
	e, _, err := r.patch(ctx, "old", &n, 90)
	require.NoError(t, err)
	assert.Equal(t, "new", e.ID)
	assert.Equal(t, "CEO", e.Value(model.FieldTitle))
}

func TestResolve_PublishesEventsAndMetrics(t *testing.T) {
	rec := &events.Recorder{}
	m := NewMetrics()
	r, st, _ := newTestResolver(t, WithPublisher(rec), WithMetrics(m))
	ctx := context.Background()
	seedSmiths(t, st)

	r.Resolve(ctx, observation("o1", model.TierProviderVerified, map[string]string{"email": "a@b.com", "name": "Ann Bee"}))
	r.Resolve(ctx, observation("o2", model.TierProviderVerified, map[string]string{"email": "a@b.com", "title": "CFO"}))
	r.Resolve(ctx, smithObservation("o3"))

	evs := rec.Events()
	require.Len(t, evs, 3)
	assert.Equal(t, events.EntityCreated, evs[0].Type)
	assert.Equal(t, events.EntityUpdated, evs[1].Type)
	assert.Equal(t, evs[0].EntityID, evs[1].EntityID)
	assert.Equal(t, events.ReviewFlagged, evs[2].Type)
	assert.ElementsMatch(t, []string{"j-smith", "john-smith"}, evs[2].Related)

	path := filepath.Join(t.TempDir(), "resolver.prom")
	require.NoError(t, m.WriteTextfile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, "resolver_resolve_outcomes_total")
	assert.Contains(t, text, `state="flagged_for_review"`)
	assert.Contains(t, text, "resolver_merge_decisions_total")
}

func TestRunBatch_SamePersonCreatedOnce(t *testing.T) {
	r, st, _ := newTestResolver(t)
	ctx := context.Background()

	var batch []model.Observation
	for i := range 20 {
		batch = append(batch, observation(fmt.Sprintf("o%d", i), model.TierProviderUnverified, map[string]string{
			"email": "Jane@Acme.com",
			"name":  "Jane Doe",
		}))
	}
	rep := r.RunBatch(ctx, batch, BatchOptions{TenantID: "t1"})

	assert.Equal(t, 20, rep.Counts[StateApplied])
	assert.Equal(t, 1, rep.Created)
	assert.Empty(t, rep.Failures)

	all, err := st.ListEntities(ctx, "t1", true)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Len(t, all[0].ObservationIDs, 20)
}

func TestRunBatch_ReportListsEveryTerminalState(t *testing.T) {
	r, st, _ := newTestResolver(t)
	ctx := context.Background()
	seedSmiths(t, st)

	rep := r.RunBatch(ctx, []model.Observation{
		observation("ok", model.TierProviderVerified, map[string]string{"email": "a@b.com"}),
		smithObservation("ambiguous"),
		observation("bad", model.TierProviderVerified, map[string]string{"phone": "5551234567"}),
		observation("invalid", "", map[string]string{"email": "c@d.com"}),
	}, BatchOptions{TenantID: "t1"})

	assert.Equal(t, 4, rep.Total())
	assert.Equal(t, 1, rep.Counts[StateApplied])
	assert.Equal(t, 1, rep.Counts[StateFlaggedForReview])
	assert.Equal(t, 1, rep.Counts[StateRejected])
	assert.Equal(t, 1, rep.Malformed)
	require.Len(t, rep.Review, 1)
	assert.Equal(t, "ambiguous", rep.Review[0].ObservationID)
	assert.Len(t, rep.Review[0].Candidates, 2)
	assert.Len(t, rep.Failures, 2)
	assert.False(t, rep.FinishedAt.IsZero())
}

func TestRunBatch_CancelledStopsSubmitting(t *testing.T) {
	r, st, _ := newTestResolver(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep := r.RunBatch(ctx, []model.Observation{
		observation("o1", model.TierProviderVerified, map[string]string{"email": "a@b.com"}),
		observation("o2", model.TierProviderVerified, map[string]string{"email": "c@d.com"}),
	}, BatchOptions{TenantID: "t1"})
	assert.Equal(t, 2, rep.Skipped)
	assert.Zero(t, rep.Total())

	all, err := st.ListEntities(context.Background(), "t1", true)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestRunBatch_DryRunWritesNothing(t *testing.T) {
	st := store.NewMemory()
	cfg := testConfig()
	cfg.DryRun = true
	r := New(st, cfg)
	ctx := context.Background()
	seed(t, st, "e1", map[model.FieldKey]model.Field{model.FieldPrimaryEmail: {Value: "a@b.com", Confidence: 50}})

	rep := r.RunBatch(ctx, []model.Observation{
		observation("o1", model.TierProviderVerified, map[string]string{"email": "a@b.com", "title": "CEO"}),
		observation("o2", model.TierProviderVerified, map[string]string{"email": "new@b.com"}),
	}, BatchOptions{TenantID: "t1"})
	assert.Equal(t, 2, rep.Counts[StateMergeDecided])
	assert.Equal(t, 1, rep.Created)
	assert.Equal(t, 1, rep.Updated)

	all, err := st.ListEntities(ctx, "t1", true)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Empty(t, all[0].Value(model.FieldTitle))
	obs, err := st.GetObservation(ctx, "o1")
	require.NoError(t, err)
	assert.Nil(t, obs)
}

type stubProvider struct {
	name   string
	tier   model.TrustTier
	calls  atomic.Int32
	lookup func(c enrich.Criteria) (map[string]string, error)
}

func (p *stubProvider) Name() string          { return p.name }
func (p *stubProvider) Tier() model.TrustTier { return p.tier }
func (p *stubProvider) Lookup(_ context.Context, c enrich.Criteria) (map[string]string, error) {
	p.calls.Add(1)
	return p.lookup(c)
}

func TestEnrich_ProvidersAndRequeue(t *testing.T) {
	var down atomic.Bool
	down.Store(true)

	good := &stubProvider{name: "good", tier: model.TierProviderUnverified, lookup: func(c enrich.Criteria) (map[string]string, error) {
		if c.Kind != enrich.CriteriaVerifiedEmail {
			return nil, errors.New("unexpected criteria")
		}
		return map[string]string{"title": "CTO", "mobile": "+44 20 7946 0958"}, nil
	}}
	flaky := &stubProvider{name: "flaky", tier: model.TierProviderVerified, lookup: func(enrich.Criteria) (map[string]string, error) {
		if down.Load() {
			return nil, resilience.NewTransientError(errors.New("service unavailable"), 503)
		}
		return map[string]string{"linkedin": "https://www.linkedin.com/in/janedoe"}, nil
	}}
	missing := &stubProvider{name: "missing", tier: model.TierProviderVerified, lookup: func(enrich.Criteria) (map[string]string, error) {
		return nil, enrich.ErrNotFound
	}}
	reg := enrich.NewRegistry()
	reg.Register(good)
	reg.Register(flaky)
	reg.Register(missing)

	r, st, clk := newTestResolver(t, WithProviders(reg))
	ctx := context.Background()

	outs := r.Enrich(ctx, observation("seed", model.TierFirstPartyVerified, map[string]string{
		"email": "jane@acme.com",
		"name":  "Jane Doe",
	}))
	// seed, flaky, good; missing yields nothing.
	require.Len(t, outs, 3)
	assert.Equal(t, ActionCreate, outs[0].Action)
	entityID := outs[0].EntityID

	assert.Equal(t, StateRejected, outs[1].State)
	assert.True(t, outs[1].Requeued)
	assert.Equal(t, resilience.KindTransient, outs[1].ErrorKind())
	assert.Equal(t, StateApplied, outs[2].State)
	assert.Equal(t, entityID, outs[2].EntityID)

	e, err := st.GetEntity(ctx, entityID)
	require.NoError(t, err)
	assert.Equal(t, "CTO", e.Value(model.FieldTitle))
	assert.Equal(t, "442079460958", e.Value(model.FieldMobilePhone))
	assert.Empty(t, e.Value(model.FieldLinkedInURL))

	entries, err := st.ListRequeue(ctx, resilience.RequeueFilter{TenantID: "t1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "flaky", entries[0].Provider)
	assert.Equal(t, "seed", entries[0].Observation.ID)

	// Not due yet.
	rep, err := r.Replay(ctx, "t1", 0)
	require.NoError(t, err)
	assert.Zero(t, rep.Total())

	down.Store(false)
	clk.Advance(time.Hour)
	rep, err = r.Replay(ctx, "t1", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Counts[StateApplied])
	assert.Empty(t, rep.Failures)
	assert.Equal(t, int32(2), flaky.calls.Load())
	assert.Equal(t, int32(1), good.calls.Load())

	e, err = st.GetEntity(ctx, entityID)
	require.NoError(t, err)
	assert.Equal(t, "https://www.linkedin.com/in/janedoe", e.Value(model.FieldLinkedInURL))

	entries, err = st.ListRequeue(ctx, resilience.RequeueFilter{TenantID: "t1"})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestEnrich_PermanentFailureNotRequeued(t *testing.T) {
	bad := &stubProvider{name: "bad", tier: model.TierProviderVerified, lookup: func(enrich.Criteria) (map[string]string, error) {
		return nil, resilience.NewPermanentError(errors.New("unauthorized"), 401)
	}}
	reg := enrich.NewRegistry()
	reg.Register(bad)
	r, st, _ := newTestResolver(t, WithProviders(reg))
	ctx := context.Background()

	outs := r.Enrich(ctx, observation("seed", model.TierFirstPartyVerified, map[string]string{"email": "jane@acme.com"}))
	require.Len(t, outs, 2)
	assert.Equal(t, StateRejected, outs[1].State)
	assert.False(t, outs[1].Requeued)
	assert.Equal(t, resilience.KindPermanent, outs[1].ErrorKind())

	entries, err := st.ListRequeue(ctx, resilience.RequeueFilter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReplay_ExhaustsAfterPermanentFailure(t *testing.T) {
	bad := &stubProvider{name: "bad", tier: model.TierProviderVerified, lookup: func(enrich.Criteria) (map[string]string, error) {
		return nil, resilience.NewPermanentError(errors.New("schema mismatch"), 422)
	}}
	reg := enrich.NewRegistry()
	reg.Register(bad)
	r, st, clk := newTestResolver(t, WithProviders(reg))
	ctx := context.Background()

	obs := observation("seed", model.TierFirstPartyVerified, map[string]string{"email": "jane@acme.com"})
	entry := resilience.NewRequeueEntry(obs, "bad", errors.New("timeout"), testConfig().Retry, t0)
	require.NoError(t, st.Requeue(ctx, entry))

	clk.Advance(time.Hour)
	rep, err := r.Replay(ctx, "t1", 0)
	require.NoError(t, err)
	require.Len(t, rep.Failures, 1)
	assert.False(t, rep.Failures[0].Requeued)

	entries, err := st.ListRequeue(ctx, resilience.RequeueFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].CanRetry())
}

// unreachableStore fails entity queries with a transient error while down.
type unreachableStore struct {
	*store.MemoryStore
	down atomic.Bool
}

func (s *unreachableStore) QueryEntities(ctx context.Context, tenantID string, filter model.FieldFilter) ([]*model.Entity, error) {
	if s.down.Load() {
		return nil, resilience.NewTransientError(errors.New("dial tcp 10.0.0.5:5432: i/o timeout"), 0)
	}
	return s.MemoryStore.QueryEntities(ctx, tenantID, filter)
}

func TestResolve_TransientStoreFailureRequeued(t *testing.T) {
	st := &unreachableStore{MemoryStore: store.NewMemory()}
	st.down.Store(true)
	clk := &clock{now: t0}

	counting := &stubProvider{name: "crm", tier: model.TierProviderVerified, lookup: func(enrich.Criteria) (map[string]string, error) {
		return map[string]string{"title": "CTO"}, nil
	}}
	reg := enrich.NewRegistry()
	reg.Register(counting)
	r := New(st, testConfig(), WithClock(clk.Now), WithProviders(reg))
	ctx := context.Background()

	out := r.Resolve(ctx, observation("o1", model.TierProviderVerified, map[string]string{
		"email": "jane@acme.com",
		"name":  "Jane Doe",
	}))
	assert.Equal(t, StateRejected, out.State)
	assert.Equal(t, resilience.KindTransient, out.ErrorKind())
	assert.True(t, out.Requeued)

	entries, err := st.ListRequeue(ctx, resilience.RequeueFilter{TenantID: "t1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Empty(t, entries[0].Provider)
	assert.Equal(t, "o1", entries[0].Observation.ID)

	// Still down: the entry is rescheduled, not duplicated.
	clk.Advance(time.Hour)
	rep, err := r.Replay(ctx, "t1", 0)
	require.NoError(t, err)
	require.Len(t, rep.Failures, 1)
	entries, err = st.ListRequeue(ctx, resilience.RequeueFilter{TenantID: "t1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].RetryCount)

	st.down.Store(false)
	clk.Advance(24 * time.Hour)
	rep, err = r.Replay(ctx, "t1", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Counts[StateApplied])
	assert.Empty(t, rep.Failures)
	assert.Zero(t, counting.calls.Load())

	all, err := st.ListEntities(ctx, "t1", false)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "jane@acme.com", all[0].Value(model.FieldPrimaryEmail))

	entries, err = st.ListRequeue(ctx, resilience.RequeueFilter{TenantID: "t1"})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestResolve_DryRunDoesNotRequeue(t *testing.T) {
	st := &unreachableStore{MemoryStore: store.NewMemory()}
	st.down.Store(true)
	cfg := testConfig()
	cfg.DryRun = true
	r := New(st, cfg)
	ctx := context.Background()

	out := r.Resolve(ctx, observation("o1", model.TierProviderVerified, map[string]string{"email": "jane@acme.com"}))
	assert.Equal(t, StateRejected, out.State)
	assert.False(t, out.Requeued)

	entries, err := st.ListRequeue(ctx, resilience.RequeueFilter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestResolveReview_ApplyToChosenEntity(t *testing.T) {
	r, st, _ := newTestResolver(t)
	ctx := context.Background()
	seedSmiths(t, st)
	out := r.Resolve(ctx, smithObservation("o1"))
	require.NotEmpty(t, out.ReviewID)

	_, err := r.ResolveReview(ctx, out.ReviewID, ReviewDecision{EntityID: "someone-else"})
	assert.Error(t, err)
	_, err = r.ResolveReview(ctx, out.ReviewID, ReviewDecision{EntityID: "john-smith", Dismiss: true})
	assert.Error(t, err)

	id, err := r.ResolveReview(ctx, out.ReviewID, ReviewDecision{EntityID: "john-smith"})
	require.NoError(t, err)
	assert.Equal(t, "john-smith", id)

	e, err := st.GetEntity(ctx, "john-smith")
	require.NoError(t, err)
	assert.Equal(t, "john@acme.com", e.Value(model.FieldPrimaryEmail))

	item, err := st.GetReview(ctx, out.ReviewID)
	require.NoError(t, err)
	assert.Equal(t, model.ReviewResolved, item.Status)
	assert.Equal(t, "john-smith", item.ResolvedEntityID)

	_, err = r.ResolveReview(ctx, out.ReviewID, ReviewDecision{Dismiss: true})
	assert.Error(t, err)
}

func TestResolveReview_CreateAndDismiss(t *testing.T) {
	r, st, _ := newTestResolver(t)
	ctx := context.Background()
	seedSmiths(t, st)
	first := r.Resolve(ctx, smithObservation("o1"))
	second := r.Resolve(ctx, smithObservation("o2"))
	require.NotEqual(t, first.ReviewID, second.ReviewID)

	id, err := r.ResolveReview(ctx, first.ReviewID, ReviewDecision{Create: true})
	require.NoError(t, err)
	e, err := st.GetEntity(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "john@acme.com", e.Value(model.FieldPrimaryEmail))
	assert.Contains(t, e.ObservationIDs, "o1")

	_, err = r.ResolveReview(ctx, second.ReviewID, ReviewDecision{Dismiss: true, Note: "different person"})
	require.NoError(t, err)
	item, err := st.GetReview(ctx, second.ReviewID)
	require.NoError(t, err)
	assert.Equal(t, model.ReviewDismissed, item.Status)
	assert.Equal(t, "different person", item.Resolution)
}

func TestResolveReview_DuplicatePairMerges(t *testing.T) {
	r, st, _ := newTestResolver(t)
	ctx := context.Background()
	seed(t, st, "a", map[model.FieldKey]model.Field{
		model.FieldFullName: {Value: "Ann Bee", Confidence: 70},
		model.FieldTitle:    {Value: "CEO", Confidence: 70},
	})
	seed(t, st, "b", map[model.FieldKey]model.Field{
		model.FieldFullName: {Value: "Ann Bee", Confidence: 60},
		model.FieldPhone:    {Value: "15551234567", Confidence: 60},
	})
	item := &model.ReviewItem{TenantID: "t1", Kind: model.ReviewDuplicatePair, EntityIDs: []string{"a", "b"}}
	require.NoError(t, st.SaveReview(ctx, item))

	_, err := r.ResolveReview(ctx, item.ID, ReviewDecision{Create: true})
	assert.Error(t, err)

	id, err := r.ResolveReview(ctx, item.ID, ReviewDecision{EntityID: "a"})
	require.NoError(t, err)
	assert.Equal(t, "a", id)

	b, err := st.GetEntity(ctx, "b")
	require.NoError(t, err)
	assert.True(t, b.Tombstoned())
	assert.Equal(t, "a", b.SurvivorID)
	a, err := st.GetEntity(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "15551234567", a.Value(model.FieldPhone))
}
