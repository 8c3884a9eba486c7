package dedupe

import (
	"context"
	"fmt"
	"slices"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/entity-resolver/internal/lock"
	"github.com/sells-group/entity-resolver/internal/merge"
	"github.com/sells-group/entity-resolver/internal/model"
	"github.com/sells-group/entity-resolver/internal/store"
)

// Summary counts what a run changed.
type Summary struct {
	TenantID   string   `json:"tenant_id" yaml:"tenant_id"`
	Scanned    int      `json:"scanned" yaml:"scanned"`
	Groups     int      `json:"groups" yaml:"groups"`
	Tombstoned []string `json:"tombstoned" yaml:"tombstoned"`
	Reviews    int      `json:"reviews" yaml:"reviews"`
	DryRun     bool     `json:"dry_run" yaml:"dry_run"`
}

// Resolver scans a tenant's entities and consolidates duplicates.
type Resolver struct {
	store     store.Store
	locker    lock.Locker
	threshold int
}

// New creates a Resolver. A nil locker serializes in process only.
func New(st store.Store, locker lock.Locker, threshold int) *Resolver {
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	if threshold <= 0 {
		threshold = DefaultAutoMergeThreshold
	}
	return &Resolver{store: st, locker: locker, threshold: threshold}
}

// Scan loads the tenant's live entities and finds duplicates without
// changing anything.
func (r *Resolver) Scan(ctx context.Context, tenantID string) (Result, error) {
	pool, err := r.store.ListEntities(ctx, tenantID, false)
	if err != nil {
		return Result{}, eris.Wrapf(err, "dedupe: list entities for %s", tenantID)
	}
	res := FindDuplicates(pool, r.threshold)
	res.TenantID = tenantID
	return res, nil
}

// Run scans the tenant and, unless dryRun, merges every group and files a
// review item for every name-based pair.
func (r *Resolver) Run(ctx context.Context, tenantID string, dryRun bool) (Summary, Result, error) {
	res, err := r.Scan(ctx, tenantID)
	if err != nil {
		return Summary{}, res, err
	}
	sum := Summary{
		TenantID: tenantID,
		Scanned:  res.Scanned,
		Groups:   len(res.Groups),
		DryRun:   dryRun,
	}
	if dryRun {
		for _, g := range res.Groups {
			for _, sub := range g.Subordinates {
				sum.Tombstoned = append(sum.Tombstoned, sub.ID)
			}
		}
		sum.Reviews = len(res.Review)
		return sum, res, nil
	}

	for _, g := range res.Groups {
		merged, err := r.Apply(ctx, g)
		sum.Tombstoned = append(sum.Tombstoned, merged...)
		if err != nil {
			return sum, res, err
		}
	}
	n, err := r.fileReviews(ctx, tenantID, res.Review)
	sum.Reviews = n
	if err != nil {
		return sum, res, err
	}

	zap.L().Info("dedupe: run complete",
		zap.String("tenant_id", tenantID),
		zap.Int("scanned", sum.Scanned),
		zap.Int("groups", sum.Groups),
		zap.Int("tombstoned", len(sum.Tombstoned)),
		zap.Int("reviews", sum.Reviews),
	)
	return sum, res, nil
}

// Apply merges each subordinate of g into the survivor through the merge
// engine, then tombstones it. It returns the ids actually tombstoned.
func (r *Resolver) Apply(ctx context.Context, g Group) ([]string, error) {
	var done []string
	for _, sub := range g.Subordinates {
		if err := r.mergeOne(ctx, g.Survivor.ID, sub.ID, g.Scores[sub.ID]); err != nil {
			return done, err
		}
		done = append(done, sub.ID)
	}
	return done, nil
}

// MergeInto merges subordinateID into survivorID regardless of how they
// matched. It backs the operator resolution of a duplicate_pair review.
func (r *Resolver) MergeInto(ctx context.Context, survivorID, subordinateID string) error {
	return r.mergeOne(ctx, survivorID, subordinateID, 100)
}

func (r *Resolver) mergeOne(ctx context.Context, survivorID, subID string, confidence int) error {
	unlock, err := lock.LockAll(ctx, r.locker, lock.EntityKey(survivorID), lock.EntityKey(subID))
	if err != nil {
		return eris.Wrapf(err, "dedupe: lock %s and %s", survivorID, subID)
	}
	defer unlock()

	survivor, err := r.store.GetEntity(ctx, survivorID)
	if err != nil {
		return eris.Wrapf(err, "dedupe: get survivor %s", survivorID)
	}
	sub, err := r.store.GetEntity(ctx, subID)
	if err != nil {
		return eris.Wrapf(err, "dedupe: get subordinate %s", subID)
	}
	if survivor == nil || sub == nil {
		return eris.Wrapf(store.ErrEntityNotFound, "dedupe: merge %s into %s", subID, survivorID)
	}
	if sub.Tombstoned() || survivor.Tombstoned() {
		return eris.Wrapf(store.ErrTombstoned, "dedupe: merge %s into %s", subID, survivorID)
	}

	if confidence <= 0 {
		confidence = 100
	}
	snap := Snapshot(sub)
	patch := model.Patch{
		ObservationID: snap.ObservationID,
		Decisions:     merge.Decide(survivor, snap, confidence),
		BaseVersion:   survivor.Version,
	}
	if _, err := r.store.ApplyPatch(ctx, survivorID, patch); err != nil {
		return eris.Wrapf(err, "dedupe: patch survivor %s", survivorID)
	}
	if err := r.store.Tombstone(ctx, subID, survivorID); err != nil {
		return eris.Wrapf(err, "dedupe: tombstone %s", subID)
	}

	zap.L().Info("dedupe: merged",
		zap.String("survivor_id", survivorID),
		zap.String("subordinate_id", subID),
		zap.Int("confidence", confidence),
		zap.Int("applied", len(patch.Applied())),
	)
	return nil
}

// fileReviews saves a duplicate_pair review for each pair that has no open
// review yet.
func (r *Resolver) fileReviews(ctx context.Context, tenantID string, pairs []Pair) (int, error) {
	if len(pairs) == 0 {
		return 0, nil
	}
	open, err := r.store.ListReviews(ctx, store.ReviewFilter{
		TenantID: tenantID,
		Status:   model.ReviewOpen,
		Kind:     model.ReviewDuplicatePair,
	})
	if err != nil {
		return 0, eris.Wrap(err, "dedupe: list open reviews")
	}
	existing := make(map[string]bool, len(open))
	for _, item := range open {
		existing[pairKey(item.EntityIDs)] = true
	}

	filed := 0
	for _, p := range pairs {
		key := pairKey([]string{p.A, p.B})
		if existing[key] {
			continue
		}
		c := p.Candidate
		c.Score = p.Score
		item := &model.ReviewItem{
			TenantID:   tenantID,
			Kind:       model.ReviewDuplicatePair,
			EntityIDs:  []string{p.A, p.B},
			Candidates: []model.MatchCandidate{c},
			Reason:     fmt.Sprintf("tier %d match (%s) is not auto-mergeable", c.Tier, c.Basis),
		}
		if err := r.store.SaveReview(ctx, item); err != nil {
			return filed, eris.Wrap(err, "dedupe: save review")
		}
		existing[key] = true
		filed++
	}
	return filed, nil
}

func pairKey(ids []string) string {
	s := slices.Clone(ids)
	slices.Sort(s)
	return fmt.Sprint(s)
}
