// Package resolver turns observations into entity creations, field patches
// or review items, and drives batch runs over many observations.
package resolver

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/entity-resolver/internal/dedupe"
	"github.com/sells-group/entity-resolver/internal/enrich"
	"github.com/sells-group/entity-resolver/internal/events"
	"github.com/sells-group/entity-resolver/internal/lock"
	"github.com/sells-group/entity-resolver/internal/match"
	"github.com/sells-group/entity-resolver/internal/merge"
	"github.com/sells-group/entity-resolver/internal/model"
	"github.com/sells-group/entity-resolver/internal/normalize"
	"github.com/sells-group/entity-resolver/internal/resilience"
	"github.com/sells-group/entity-resolver/internal/score"
	"github.com/sells-group/entity-resolver/internal/store"
)

var (
	// ErrMalformedObservation means the observation has no usable
	// identifying field. It is never retried.
	ErrMalformedObservation = eris.New("resolver: malformed observation")
	// ErrAmbiguousMatch means several entities matched at equal top
	// strength. The observation goes to the review queue.
	ErrAmbiguousMatch = eris.New("resolver: ambiguous match")
	// ErrInvalidObservation means the observation cannot be processed at
	// all, e.g. it has no tenant or an unknown trust tier.
	ErrInvalidObservation = eris.New("resolver: invalid observation")
)

// maxPatchAttempts bounds recomputation after a version conflict.
const maxPatchAttempts = 3

// maxSurvivorHops bounds how far a tombstone's back-reference is followed.
const maxSurvivorHops = 4

// Config holds the resolver's tunables.
type Config struct {
	DefaultCountry     string
	Workers            int
	AutoMergeThreshold int
	// DryRun stops every resolution at MergeDecided: nothing is written.
	DryRun bool
	// Retry governs store calls and the requeue schedule.
	Retry resilience.RetryConfig
}

// Resolver is the resolution orchestrator.
type Resolver struct {
	store      store.Store
	normalizer *normalize.Normalizer
	locker     lock.Locker
	providers  *enrich.Registry
	publisher  events.Publisher
	metrics    *Metrics
	dedupe     *dedupe.Resolver
	cfg        Config
	now        func() time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLocker sets the per-entity locker. The default is in-process.
func WithLocker(l lock.Locker) Option {
	return func(r *Resolver) { r.locker = l }
}

// WithProviders sets the enrichment providers used by Enrich.
func WithProviders(reg *enrich.Registry) Option {
	return func(r *Resolver) { r.providers = reg }
}

// WithPublisher sets where outcome events go.
func WithPublisher(p events.Publisher) Option {
	return func(r *Resolver) { r.publisher = p }
}

// WithMetrics records outcomes into m.
func WithMetrics(m *Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// New creates a Resolver over st.
func New(st store.Store, cfg Config, opts ...Option) *Resolver {
	if cfg.Workers <= 0 {
		cfg.Workers = 5
	}
	if cfg.AutoMergeThreshold <= 0 {
		cfg.AutoMergeThreshold = dedupe.DefaultAutoMergeThreshold
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = resilience.DefaultRetryConfig()
	}
	r := &Resolver{
		store:      st,
		normalizer: normalize.New(cfg.DefaultCountry),
		locker:     lock.NewKeyedMutex(),
		providers:  enrich.NewRegistry(),
		publisher:  events.Nop{},
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	r.dedupe = dedupe.New(st, r.locker, cfg.AutoMergeThreshold)
	return r
}

// Resolve runs one observation through normalize, match, score, decide and
// apply. It never returns a Go error: failures are reported in the outcome.
// An observation rejected by a transient store failure is requeued for a
// later replay.
func (r *Resolver) Resolve(ctx context.Context, obs model.Observation) Outcome {
	return r.resolveAndFinish(ctx, obs, true)
}

// resolveAndFinish is Resolve with requeueing optional; replays reschedule
// their own entry instead.
func (r *Resolver) resolveAndFinish(ctx context.Context, obs model.Observation, requeue bool) Outcome {
	start := time.Now()
	out := r.resolve(ctx, obs)
	out.Duration = time.Since(start)
	if requeue && out.State == StateRejected {
		if obs.ID == "" {
			obs.ID = out.ObservationID
		}
		out.Requeued = r.requeue(ctx, obs, "", out.Err)
	}
	r.finish(ctx, out)
	return out
}

func (r *Resolver) resolve(ctx context.Context, obs model.Observation) Outcome {
	out := Outcome{ObservationID: obs.ID, TenantID: obs.TenantID, Source: obs.Source, State: StateReceived}

	if obs.ID == "" {
		obs.ID = uuid.NewString()
		out.ObservationID = obs.ID
	}
	if obs.TenantID == "" || !obs.Tier.Valid() {
		return out.reject(eris.Wrapf(ErrInvalidObservation, "resolver: observation %s: tenant %q, tier %q", obs.ID, obs.TenantID, obs.Tier))
	}
	if obs.RetrievedAt.IsZero() {
		obs.RetrievedAt = r.now()
	}
	if !r.cfg.DryRun {
		if err := r.retry(ctx, "save observation", func(ctx context.Context) error {
			return r.store.SaveObservation(ctx, obs)
		}); err != nil {
			return out.reject(err)
		}
	}

	n := r.normalizer.Normalize(obs)
	out.State = StateNormalized
	if n.Empty() {
		out.Err = eris.Wrapf(ErrMalformedObservation, "resolver: observation %s has no email, linkedin or name", obs.ID)
		return out
	}

	return r.matchAndApply(ctx, &n, out)
}

// matchAndApply continues from Normalized. It is shared with operator
// review resolution, which re-enters with a stored observation.
func (r *Resolver) matchAndApply(ctx context.Context, n *model.Normalized, out Outcome) Outcome {
	cands, err := r.candidates(ctx, n)
	if err != nil {
		return out.reject(err)
	}
	out.State = StateMatched

	if len(cands) == 0 {
		return r.create(ctx, n, out)
	}
	return r.applyCandidates(ctx, n, cands, out)
}

func (r *Resolver) applyCandidates(ctx context.Context, n *model.Normalized, cands []model.MatchCandidate, out Outcome) Outcome {
	top := match.Top(cands)
	for i := range top {
		top[i].Score = score.Score(top[i], n.Tier)
	}
	out.Candidates = top
	out.State = StateScored

	if len(top) > 1 {
		return r.flag(ctx, n, top, out)
	}

	c := top[0]
	out.Score = c.Score
	if r.cfg.DryRun {
		return r.plan(ctx, c.EntityID, n, out)
	}
	entity, decisions, err := r.patch(ctx, c.EntityID, n, c.Score)
	if err != nil {
		return out.reject(err)
	}
	out.State = StateApplied
	out.Action = ActionUpdate
	out.EntityID = entity.ID
	out.Decisions = decisions
	return out
}

// plan computes the decisions for an update without applying them.
func (r *Resolver) plan(ctx context.Context, entityID string, n *model.Normalized, out Outcome) Outcome {
	for hop := 0; hop < maxSurvivorHops; hop++ {
		e, err := r.store.GetEntity(ctx, entityID)
		if err != nil {
			return out.reject(eris.Wrapf(err, "resolver: get entity %s", entityID))
		}
		if e == nil {
			return out.reject(eris.Wrapf(store.ErrEntityNotFound, "resolver: entity %s", entityID))
		}
		if e.Tombstoned() && e.SurvivorID != "" {
			entityID = e.SurvivorID
			continue
		}
		out.State = StateMergeDecided
		out.Action = ActionUpdate
		out.EntityID = e.ID
		out.Decisions = merge.Decide(e, n, out.Score)
		return out
	}
	return out.reject(eris.Errorf("resolver: survivor chain from %s too long", entityID))
}

// candidates loads every entity the matcher could pick and runs it.
func (r *Resolver) candidates(ctx context.Context, n *model.Normalized) ([]model.MatchCandidate, error) {
	var pool []*model.Entity
	seen := map[string]bool{}
	for _, f := range match.Lookups(n) {
		var found []*model.Entity
		err := r.retry(ctx, "query entities", func(ctx context.Context) error {
			var err error
			found, err = r.store.QueryEntities(ctx, n.TenantID, f)
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, e := range found {
			if !seen[e.ID] {
				seen[e.ID] = true
				pool = append(pool, e)
			}
		}
	}
	return match.FindCandidates(n, pool), nil
}

// patch applies n to the entity under its lock and returns the entity as
// stored. A tombstoned target is followed to its survivor.
func (r *Resolver) patch(ctx context.Context, entityID string, n *model.Normalized, confidence int) (*model.Entity, []model.MergeDecision, error) {
	for hop := 0; hop < maxSurvivorHops; hop++ {
		e, decisions, next, err := r.patchOnce(ctx, entityID, n, confidence)
		if err != nil {
			return nil, nil, err
		}
		if next == "" {
			return e, decisions, nil
		}
		zap.L().Debug("resolver: following tombstone",
			zap.String("entity_id", entityID),
			zap.String("survivor_id", next),
		)
		entityID = next
	}
	return nil, nil, eris.Errorf("resolver: survivor chain from %s too long", entityID)
}

// patchOnce returns a non-empty survivor id instead of patching when the
// entity was tombstoned after matching.
func (r *Resolver) patchOnce(ctx context.Context, entityID string, n *model.Normalized, confidence int) (*model.Entity, []model.MergeDecision, string, error) {
	unlock, err := r.locker.Lock(ctx, lock.EntityKey(entityID))
	if err != nil {
		return nil, nil, "", eris.Wrapf(err, "resolver: lock entity %s", entityID)
	}
	defer unlock()

	for attempt := 1; ; attempt++ {
		var current *model.Entity
		if err := r.retry(ctx, "get entity", func(ctx context.Context) error {
			var err error
			current, err = r.store.GetEntity(ctx, entityID)
			return err
		}); err != nil {
			return nil, nil, "", err
		}
		if current == nil {
			return nil, nil, "", eris.Wrapf(store.ErrEntityNotFound, "resolver: entity %s", entityID)
		}
		if current.Tombstoned() {
			if current.SurvivorID == "" {
				return nil, nil, "", eris.Wrapf(store.ErrTombstoned, "resolver: entity %s", entityID)
			}
			return nil, nil, current.SurvivorID, nil
		}

		decisions := merge.Decide(current, n, confidence)
		p := model.Patch{ObservationID: n.ObservationID, Decisions: decisions, BaseVersion: current.Version}
		var updated *model.Entity
		err := r.retry(ctx, "apply patch", func(ctx context.Context) error {
			var err error
			updated, err = r.store.ApplyPatch(ctx, entityID, p)
			return err
		})
		switch {
		case err == nil:
			return updated, decisions, "", nil
		case eris.Is(err, store.ErrVersionConflict) && attempt < maxPatchAttempts:
			zap.L().Debug("resolver: version conflict, recomputing",
				zap.String("entity_id", entityID),
				zap.Int("attempt", attempt),
			)
			continue
		default:
			return nil, nil, "", err
		}
	}
}

// create makes a new entity for an observation nothing matched. The
// observation's identity keys are locked and the match is repeated under
// the lock, so two workers seeing the same new person create it once.
func (r *Resolver) create(ctx context.Context, n *model.Normalized, out Outcome) Outcome {
	if r.cfg.DryRun {
		out.Score = score.ForCreate(n)
		out.State = StateMergeDecided
		out.Action = ActionCreate
		out.Decisions = merge.Decide(&model.Entity{TenantID: n.TenantID}, n, out.Score)
		return out
	}

	unlock, err := lock.LockAll(ctx, r.locker, identityKeys(n)...)
	if err != nil {
		return out.reject(eris.Wrapf(err, "resolver: lock identity of %s", n.ObservationID))
	}
	defer unlock()

	cands, err := r.candidates(ctx, n)
	if err != nil {
		return out.reject(err)
	}
	if len(cands) > 0 {
		// Someone created it while we waited.
		return r.applyCandidates(ctx, n, cands, out)
	}

	e, decisions, err := r.createEntity(ctx, n)
	if err != nil {
		return out.reject(err)
	}
	out.Candidates = nil
	out.Score = score.ForCreate(n)
	out.State = StateApplied
	out.Action = ActionCreate
	out.EntityID = e.ID
	out.Decisions = decisions
	return out
}

// createEntity stores an empty entity and fills it through the merge engine
// so the creating observation shows up in the audit trail.
func (r *Resolver) createEntity(ctx context.Context, n *model.Normalized) (*model.Entity, []model.MergeDecision, error) {
	e := &model.Entity{
		ID:       uuid.NewString(),
		TenantID: n.TenantID,
		Kind:     model.KindPerson,
	}
	if err := r.retry(ctx, "create entity", func(ctx context.Context) error {
		return r.store.CreateEntity(ctx, e)
	}); err != nil {
		return nil, nil, err
	}
	updated, decisions, _, err := r.patchOnce(ctx, e.ID, n, score.ForCreate(n))
	if err != nil {
		return nil, nil, err
	}
	return updated, decisions, nil
}

// flag files an ambiguous_match review unless the observation already has
// an open one.
func (r *Resolver) flag(ctx context.Context, n *model.Normalized, top []model.MatchCandidate, out Outcome) Outcome {
	ids := make([]string, len(top))
	for i, c := range top {
		ids[i] = c.EntityID
	}
	out.State = StateFlaggedForReview
	out.Action = ActionReview
	out.Err = eris.Wrapf(ErrAmbiguousMatch, "resolver: observation %s matched %d entities at tier %d", n.ObservationID, len(top), top[0].Tier)

	if r.cfg.DryRun {
		return out
	}
	existing, err := r.openReviewFor(ctx, n.TenantID, n.ObservationID)
	if err != nil {
		return out.reject(err)
	}
	if existing != nil {
		out.ReviewID = existing.ID
		return out
	}

	item := &model.ReviewItem{
		TenantID:      n.TenantID,
		Kind:          model.ReviewAmbiguousMatch,
		ObservationID: n.ObservationID,
		EntityIDs:     ids,
		Candidates:    top,
		Reason:        fmt.Sprintf("%d entities matched on %s with equal strength %.2f", len(top), top[0].Basis, top[0].Strength),
	}
	if err := r.retry(ctx, "save review", func(ctx context.Context) error {
		return r.store.SaveReview(ctx, item)
	}); err != nil {
		return out.reject(err)
	}
	out.ReviewID = item.ID
	return out
}

func (r *Resolver) openReviewFor(ctx context.Context, tenantID, observationID string) (*model.ReviewItem, error) {
	var items []model.ReviewItem
	if err := r.retry(ctx, "list reviews", func(ctx context.Context) error {
		var err error
		items, err = r.store.ListReviews(ctx, store.ReviewFilter{
			TenantID: tenantID,
			Status:   model.ReviewOpen,
			Kind:     model.ReviewAmbiguousMatch,
		})
		return err
	}); err != nil {
		return nil, err
	}
	for i := range items {
		if items[i].ObservationID == observationID {
			return &items[i], nil
		}
	}
	return nil, nil
}

// retry runs a store call with the configured backoff. Only transient
// errors are retried.
func (r *Resolver) retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	cfg := r.cfg.Retry
	cfg.OnRetry = resilience.RetryLogger("store", op)
	if err := resilience.Do(ctx, cfg, fn); err != nil {
		return eris.Wrapf(err, "resolver: %s", op)
	}
	return nil
}

// finish logs, counts and publishes a terminal outcome.
func (r *Resolver) finish(ctx context.Context, out Outcome) {
	fields := []zap.Field{
		zap.String("observation_id", out.ObservationID),
		zap.String("tenant_id", out.TenantID),
		zap.String("state", string(out.State)),
		zap.String("action", string(out.Action)),
		zap.String("entity_id", out.EntityID),
		zap.Int("score", out.Score),
		zap.Int("applied", out.AppliedCount()),
	}
	switch {
	case out.State == StateRejected:
		zap.L().Warn("resolver: observation rejected", append(fields, zap.Error(out.Err))...)
	case out.State == StateNormalized:
		zap.L().Warn("resolver: observation unusable", append(fields, zap.Error(out.Err))...)
	default:
		zap.L().Info("resolver: observation resolved", fields...)
	}

	if r.metrics != nil {
		r.metrics.Observe(out)
	}
	if ev, ok := out.Event(r.now()); ok {
		if err := r.publisher.Publish(ctx, ev); err != nil {
			zap.L().Warn("resolver: publish event failed",
				zap.String("observation_id", out.ObservationID),
				zap.Error(err),
			)
		}
	}
}

// identityKeys returns lock keys for every strong identifier of n, plus a
// name key when it has none.
func identityKeys(n *model.Normalized) []string {
	var keys []string
	for _, email := range n.Emails() {
		keys = append(keys, lock.IdentityKey(n.TenantID, "email:"+email))
	}
	if li := n.Get(model.FieldLinkedInURL); li != "" {
		keys = append(keys, lock.IdentityKey(n.TenantID, "linkedin:"+li))
	}
	if len(keys) == 0 {
		name := n.Get(model.FieldFullName)
		if name == "" {
			name = n.Get(model.FieldFirstName) + " " + n.Get(model.FieldLastName)
		}
		keys = append(keys, lock.IdentityKey(n.TenantID, "name:"+normalize.NameKey(name)))
	}
	return keys
}
