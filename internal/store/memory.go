package store

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/entity-resolver/internal/lock"
	"github.com/sells-group/entity-resolver/internal/model"
	"github.com/sells-group/entity-resolver/internal/resilience"
)

// MemoryStore keeps everything in process. It is used by tests and by dry
// runs that must not touch a database.
type MemoryStore struct {
	mu           sync.RWMutex
	entities     map[string]*model.Entity
	history      map[string][]model.AuditEntry
	observations map[string]model.Observation
	reviews      map[string]*model.ReviewItem
	requeue      map[string]*resilience.RequeueEntry

	writes *lock.KeyedMutex
	now    func() time.Time
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		entities:     make(map[string]*model.Entity),
		history:      make(map[string][]model.AuditEntry),
		observations: make(map[string]model.Observation),
		reviews:      make(map[string]*model.ReviewItem),
		requeue:      make(map[string]*resilience.RequeueEntry),
		writes:       lock.NewKeyedMutex(),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Migrate(_ context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) GetEntity(_ context.Context, id string) (*model.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entities[id].Clone(), nil
}

func (s *MemoryStore) QueryEntities(_ context.Context, tenantID string, filter model.FieldFilter) ([]*model.Entity, error) {
	if err := checkFilter(filter); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Entity
	for _, e := range s.entities {
		if e.TenantID != tenantID || e.Tombstoned() {
			continue
		}
		if v := e.Value(filter.Field); v != "" && strings.EqualFold(v, filter.Value) {
			out = append(out, e.Clone())
		}
	}
	sortEntities(out)
	return out, nil
}

func (s *MemoryStore) ListEntities(_ context.Context, tenantID string, includeTombstoned bool) ([]*model.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Entity
	for _, e := range s.entities {
		if e.TenantID != tenantID || (!includeTombstoned && e.Tombstoned()) {
			continue
		}
		out = append(out, e.Clone())
	}
	sortEntities(out)
	return out, nil
}

func (s *MemoryStore) CreateEntity(_ context.Context, e *model.Entity) error {
	prepareNew(e, s.now())

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entities[e.ID]; exists {
		return eris.Errorf("store: entity %s already exists", e.ID)
	}
	s.entities[e.ID] = e.Clone()
	return nil
}

func (s *MemoryStore) ApplyPatch(ctx context.Context, id string, patch model.Patch) (*model.Entity, error) {
	unlock, err := s.writes.Lock(ctx, lock.EntityKey(id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	s.mu.RLock()
	current := s.entities[id]
	s.mu.RUnlock()

	next, audit, err := patchEntity(current, id, patch, s.now())
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.entities[id] = next
	s.history[id] = append(s.history[id], audit...)
	s.mu.Unlock()
	return next.Clone(), nil
}

func (s *MemoryStore) Tombstone(ctx context.Context, id, survivorID string) error {
	unlock, err := s.writes.Lock(ctx, lock.EntityKey(id))
	if err != nil {
		return err
	}
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	sub, survivor := s.entities[id], s.entities[survivorID]
	if err := checkTombstone(sub, survivor, id, survivorID); err != nil {
		return err
	}
	now := s.now()
	next := sub.Clone()
	next.DeletedAt = &now
	next.SurvivorID = survivorID
	next.Version++
	next.UpdatedAt = now
	s.entities[id] = next
	return nil
}

func (s *MemoryStore) History(_ context.Context, entityID string) ([]model.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.history[entityID]), nil
}

func (s *MemoryStore) SaveObservation(_ context.Context, obs model.Observation) error {
	if obs.ID == "" {
		return eris.New("store: observation id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// Observations are immutable; a second save of the same id is a no-op.
	if _, exists := s.observations[obs.ID]; !exists {
		s.observations[obs.ID] = obs
	}
	return nil
}

func (s *MemoryStore) GetObservation(_ context.Context, id string) (*model.Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obs, ok := s.observations[id]
	if !ok {
		return nil, nil
	}
	return &obs, nil
}

func (s *MemoryStore) SaveReview(_ context.Context, item *model.ReviewItem) error {
	prepareReview(item, s.now())
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *item
	s.reviews[item.ID] = &c
	return nil
}

func (s *MemoryStore) GetReview(_ context.Context, id string) (*model.ReviewItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.reviews[id]
	if !ok {
		return nil, nil
	}
	c := *item
	return &c, nil
}

func (s *MemoryStore) ListReviews(_ context.Context, filter ReviewFilter) ([]model.ReviewItem, error) {
	s.mu.RLock()
	var out []model.ReviewItem
	for _, item := range s.reviews {
		if matchesReview(item, filter) {
			out = append(out, *item)
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b model.ReviewItem) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) ResolveReview(_ context.Context, id string, status model.ReviewStatus, resolution, entityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.reviews[id]
	if !ok {
		return eris.Wrapf(ErrReviewNotFound, "store: resolve review %s", id)
	}
	if !item.Open() {
		return eris.Errorf("store: review %s already %s", id, item.Status)
	}
	now := s.now()
	item.Status = status
	item.Resolution = resolution
	item.ResolvedEntityID = entityID
	item.ResolvedAt = &now
	return nil
}

func (s *MemoryStore) Requeue(_ context.Context, entry *resilience.RequeueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *entry
	s.requeue[entry.ID] = &c
	return nil
}

func (s *MemoryStore) ListRequeue(_ context.Context, filter resilience.RequeueFilter) ([]resilience.RequeueEntry, error) {
	s.mu.RLock()
	var out []resilience.RequeueEntry
	for _, e := range s.requeue {
		if filter.TenantID != "" && e.Observation.TenantID != filter.TenantID {
			continue
		}
		if !filter.DueAt.IsZero() && !e.Due(filter.DueAt) {
			continue
		}
		out = append(out, *e)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b resilience.RequeueEntry) int {
		if c := a.NextRetryAt.Compare(b.NextRetryAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateRequeue(_ context.Context, entry *resilience.RequeueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requeue[entry.ID]; !ok {
		return eris.Errorf("store: requeue entry not found: %s", entry.ID)
	}
	c := *entry
	s.requeue[entry.ID] = &c
	return nil
}

func (s *MemoryStore) DeleteRequeue(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.requeue, id)
	return nil
}

// prepareNew fills identity and timestamps of an entity about to be created.
func prepareNew(e *model.Entity, now time.Time) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Kind == "" {
		e.Kind = model.KindPerson
	}
	if e.Fields == nil {
		e.Fields = make(map[model.FieldKey]model.Field)
	}
	if e.Version == 0 {
		e.Version = 1
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.CreatedAt
	}
}

func prepareReview(item *model.ReviewItem, now time.Time) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Status == "" {
		item.Status = model.ReviewOpen
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
}

func matchesReview(item *model.ReviewItem, f ReviewFilter) bool {
	if f.TenantID != "" && item.TenantID != f.TenantID {
		return false
	}
	if f.Status != "" && item.Status != f.Status {
		return false
	}
	return f.Kind == "" || item.Kind == f.Kind
}

// sortEntities orders by creation time, then id.
func sortEntities(es []*model.Entity) {
	slices.SortFunc(es, func(a, b *model.Entity) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
