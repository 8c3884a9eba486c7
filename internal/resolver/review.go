package resolver

import (
	"context"
	"fmt"
	"slices"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/entity-resolver/internal/model"
	"github.com/sells-group/entity-resolver/internal/store"
)

// ReviewDecision is an operator's answer to a review item. Exactly one of
// EntityID, Create and Dismiss is set.
type ReviewDecision struct {
	// EntityID applies an ambiguous observation to this entity, or keeps
	// this entity as the survivor of a duplicate pair.
	EntityID string
	// Create makes a new entity from an ambiguous observation.
	Create  bool
	Dismiss bool
	Note    string
}

func (d ReviewDecision) validate() error {
	n := 0
	if d.EntityID != "" {
		n++
	}
	if d.Create {
		n++
	}
	if d.Dismiss {
		n++
	}
	if n != 1 {
		return eris.New("resolver: review decision needs exactly one of entity, create or dismiss")
	}
	return nil
}

// ResolveReview carries out an operator's decision on an open review item
// and closes it. It returns the entity the decision landed on, if any.
func (r *Resolver) ResolveReview(ctx context.Context, reviewID string, d ReviewDecision) (string, error) {
	if err := d.validate(); err != nil {
		return "", err
	}
	item, err := r.store.GetReview(ctx, reviewID)
	if err != nil {
		return "", eris.Wrapf(err, "resolver: get review %s", reviewID)
	}
	if item == nil {
		return "", eris.Wrapf(store.ErrReviewNotFound, "resolver: review %s", reviewID)
	}
	if !item.Open() {
		return "", eris.Errorf("resolver: review %s is already %s", reviewID, item.Status)
	}

	if d.Dismiss {
		if err := r.store.ResolveReview(ctx, reviewID, model.ReviewDismissed, noteOr(d.Note, "dismissed"), ""); err != nil {
			return "", eris.Wrapf(err, "resolver: dismiss review %s", reviewID)
		}
		zap.L().Info("resolver: review dismissed", zap.String("review_id", reviewID))
		return "", nil
	}

	var entityID, resolution string
	switch item.Kind {
	case model.ReviewAmbiguousMatch:
		entityID, resolution, err = r.resolveAmbiguous(ctx, item, d)
	case model.ReviewDuplicatePair:
		entityID, resolution, err = r.resolveDuplicate(ctx, item, d)
	default:
		err = eris.Errorf("resolver: review %s has unknown kind %q", reviewID, item.Kind)
	}
	if err != nil {
		return "", err
	}

	if err := r.store.ResolveReview(ctx, reviewID, model.ReviewResolved, noteOr(d.Note, resolution), entityID); err != nil {
		return "", eris.Wrapf(err, "resolver: close review %s", reviewID)
	}
	zap.L().Info("resolver: review resolved",
		zap.String("review_id", reviewID),
		zap.String("kind", string(item.Kind)),
		zap.String("entity_id", entityID),
		zap.String("resolution", resolution),
	)
	return entityID, nil
}

func (r *Resolver) resolveAmbiguous(ctx context.Context, item *model.ReviewItem, d ReviewDecision) (string, string, error) {
	obs, err := r.store.GetObservation(ctx, item.ObservationID)
	if err != nil {
		return "", "", eris.Wrapf(err, "resolver: get observation %s", item.ObservationID)
	}
	if obs == nil {
		return "", "", eris.Errorf("resolver: observation %s of review %s is missing", item.ObservationID, item.ID)
	}
	n := r.normalizer.Normalize(*obs)

	if d.Create {
		e, _, err := r.createEntity(ctx, &n)
		if err != nil {
			return "", "", err
		}
		return e.ID, "created new entity", nil
	}

	i := slices.IndexFunc(item.Candidates, func(c model.MatchCandidate) bool { return c.EntityID == d.EntityID })
	if i < 0 {
		return "", "", eris.Errorf("resolver: entity %s is not a candidate of review %s", d.EntityID, item.ID)
	}
	e, _, err := r.patch(ctx, d.EntityID, &n, item.Candidates[i].Score)
	if err != nil {
		return "", "", err
	}
	return e.ID, fmt.Sprintf("applied to %s", e.ID), nil
}

func (r *Resolver) resolveDuplicate(ctx context.Context, item *model.ReviewItem, d ReviewDecision) (string, string, error) {
	if d.Create {
		return "", "", eris.Errorf("resolver: review %s is a duplicate pair; create does not apply", item.ID)
	}
	if len(item.EntityIDs) != 2 || !slices.Contains(item.EntityIDs, d.EntityID) {
		return "", "", eris.Errorf("resolver: entity %s is not part of review %s", d.EntityID, item.ID)
	}
	other := item.EntityIDs[0]
	if other == d.EntityID {
		other = item.EntityIDs[1]
	}
	if err := r.dedupe.MergeInto(ctx, d.EntityID, other); err != nil {
		return "", "", err
	}
	return d.EntityID, fmt.Sprintf("merged %s into %s", other, d.EntityID), nil
}

func noteOr(note, fallback string) string {
	if note != "" {
		return note
	}
	return fallback
}
