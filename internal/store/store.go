// Package store persists entities, observations, the merge audit trail, the
// review queue and requeued observations.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/entity-resolver/internal/model"
	"github.com/sells-group/entity-resolver/internal/resilience"
)

var (
	// ErrEntityNotFound is returned by writes that target a missing entity.
	ErrEntityNotFound = eris.New("store: entity not found")
	// ErrTombstoned is returned when patching or tombstoning a soft-deleted
	// entity.
	ErrTombstoned = eris.New("store: entity is tombstoned")
	// ErrVersionConflict is returned when a patch was computed against an
	// older version of the entity.
	ErrVersionConflict = eris.New("store: entity version conflict")
	// ErrReviewNotFound is returned when resolving a missing review item.
	ErrReviewNotFound = eris.New("store: review item not found")
)

// ReviewFilter narrows a review listing.
type ReviewFilter struct {
	TenantID string             `json:"tenant_id,omitempty"`
	Status   model.ReviewStatus `json:"status,omitempty"`
	Kind     model.ReviewKind   `json:"kind,omitempty"`
	Limit    int                `json:"limit,omitempty"`
}

// Store is the entity store collaborator. Reads of a missing record return
// nil, nil. ApplyPatch and Tombstone are serialized per entity by every
// implementation.
type Store interface {
	// Entities
	GetEntity(ctx context.Context, id string) (*model.Entity, error)
	QueryEntities(ctx context.Context, tenantID string, filter model.FieldFilter) ([]*model.Entity, error)
	ListEntities(ctx context.Context, tenantID string, includeTombstoned bool) ([]*model.Entity, error)
	CreateEntity(ctx context.Context, e *model.Entity) error
	ApplyPatch(ctx context.Context, id string, patch model.Patch) (*model.Entity, error)
	Tombstone(ctx context.Context, id, survivorID string) error
	History(ctx context.Context, entityID string) ([]model.AuditEntry, error)

	// Observations
	SaveObservation(ctx context.Context, obs model.Observation) error
	GetObservation(ctx context.Context, id string) (*model.Observation, error)

	// Review queue
	SaveReview(ctx context.Context, item *model.ReviewItem) error
	GetReview(ctx context.Context, id string) (*model.ReviewItem, error)
	ListReviews(ctx context.Context, filter ReviewFilter) ([]model.ReviewItem, error)
	ResolveReview(ctx context.Context, id string, status model.ReviewStatus, resolution, entityID string) error

	// Requeue
	Requeue(ctx context.Context, entry *resilience.RequeueEntry) error
	ListRequeue(ctx context.Context, filter resilience.RequeueFilter) ([]resilience.RequeueEntry, error)
	UpdateRequeue(ctx context.Context, entry *resilience.RequeueEntry) error
	DeleteRequeue(ctx context.Context, id string) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// patchEntity runs the checks every implementation shares and applies patch
// to a copy of current.
func patchEntity(current *model.Entity, id string, patch model.Patch, now time.Time) (*model.Entity, []model.AuditEntry, error) {
	if current == nil {
		return nil, nil, eris.Wrapf(ErrEntityNotFound, "store: patch %s", id)
	}
	if current.Tombstoned() {
		return nil, nil, eris.Wrapf(ErrTombstoned, "store: patch %s", id)
	}
	if patch.BaseVersion > 0 && patch.BaseVersion != current.Version {
		return nil, nil, eris.Wrapf(ErrVersionConflict, "store: patch %s at version %d, current %d", id, patch.BaseVersion, current.Version)
	}
	next := current.Clone()
	audit := model.ApplyPatch(next, patch, now)
	return next, audit, nil
}

// checkTombstone validates a tombstone request against the two entities.
func checkTombstone(sub, survivor *model.Entity, id, survivorID string) error {
	if id == survivorID {
		return eris.Errorf("store: entity %s cannot survive itself", id)
	}
	if sub == nil {
		return eris.Wrapf(ErrEntityNotFound, "store: tombstone %s", id)
	}
	if survivor == nil {
		return eris.Wrapf(ErrEntityNotFound, "store: survivor %s", survivorID)
	}
	if sub.Tombstoned() {
		return eris.Wrapf(ErrTombstoned, "store: tombstone %s", id)
	}
	if survivor.Tombstoned() {
		return eris.Wrapf(ErrTombstoned, "store: survivor %s", survivorID)
	}
	if sub.TenantID != survivor.TenantID {
		return eris.Errorf("store: %s and %s belong to different tenants", id, survivorID)
	}
	return nil
}

// checkFilter validates a filter before it reaches a query.
func checkFilter(f model.FieldFilter) error {
	if !f.Field.Known() {
		return eris.Errorf("store: unknown filter field %q", f.Field)
	}
	return nil
}
