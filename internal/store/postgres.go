package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/entity-resolver/internal/db"
	"github.com/sells-group/entity-resolver/internal/model"
	"github.com/sells-group/entity-resolver/internal/resilience"
)

// PostgresStore implements Store on Postgres. Writes lock the entity row
// with SELECT ... FOR UPDATE for the length of the transaction.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	now     func() time.Time
}

// NewPostgres connects a pool and returns a PostgresStore on it.
func NewPostgres(ctx context.Context, connString string, cfg db.PoolConfig) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, connString, cfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close, now: utcNow}, nil
}

func utcNow() time.Time { return time.Now().UTC() }

const postgresMigration = `
CREATE TABLE IF NOT EXISTS entities (
	id         TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL,
	version    INTEGER NOT NULL,
	deleted_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	body       JSONB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entities_tenant_live ON entities(tenant_id) WHERE deleted_at IS NULL;

CREATE TABLE IF NOT EXISTS merge_history (
	id             BIGSERIAL PRIMARY KEY,
	entity_id      TEXT NOT NULL REFERENCES entities(id),
	observation_id TEXT NOT NULL,
	decision       JSONB NOT NULL,
	applied_at     TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_merge_history_entity ON merge_history(entity_id);

CREATE TABLE IF NOT EXISTS observations (
	id        TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	body      JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS review_items (
	id         TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL,
	kind       TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'open',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	body       JSONB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_review_items_tenant_status ON review_items(tenant_id, status);

CREATE TABLE IF NOT EXISTS requeue (
	id            TEXT PRIMARY KEY,
	tenant_id     TEXT NOT NULL,
	next_retry_at TIMESTAMPTZ NOT NULL,
	body          JSONB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_requeue_next_retry ON requeue(next_retry_at);
`

var historyColumns = []string{"entity_id", "observation_id", "decision", "applied_at"}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) clock() time.Time {
	if s.now == nil {
		return utcNow()
	}
	return s.now()
}

func (s *PostgresStore) GetEntity(ctx context.Context, id string) (*model.Entity, error) {
	return getEntity(ctx, s.pool, `SELECT body FROM entities WHERE id = $1`, id)
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getEntity(ctx context.Context, q rowQuerier, sql, id string) (*model.Entity, error) {
	var body []byte
	err := q.QueryRow(ctx, sql, id).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get entity %s", id)
	}
	return decodeEntity(string(body))
}

func (s *PostgresStore) QueryEntities(ctx context.Context, tenantID string, filter model.FieldFilter) ([]*model.Entity, error) {
	if err := checkFilter(filter); err != nil {
		return nil, err
	}
	return s.queryEntities(ctx,
		`SELECT body FROM entities
		 WHERE tenant_id = $1 AND deleted_at IS NULL
		   AND lower(body->'fields'->$2->>'value') = lower($3)
		 ORDER BY created_at, id`,
		tenantID, string(filter.Field), filter.Value,
	)
}

func (s *PostgresStore) ListEntities(ctx context.Context, tenantID string, includeTombstoned bool) ([]*model.Entity, error) {
	q := `SELECT body FROM entities WHERE tenant_id = $1`
	if !includeTombstoned {
		q += ` AND deleted_at IS NULL`
	}
	return s.queryEntities(ctx, q+` ORDER BY created_at, id`, tenantID)
}

func (s *PostgresStore) queryEntities(ctx context.Context, q string, args ...any) ([]*model.Entity, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query entities")
	}
	defer rows.Close()

	var out []*model.Entity
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, eris.Wrap(err, "postgres: scan entity")
		}
		e, err := decodeEntity(string(body))
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate entities")
}

func (s *PostgresStore) CreateEntity(ctx context.Context, e *model.Entity) error {
	prepareNew(e, s.clock())
	body, err := json.Marshal(e)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal entity")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO entities (id, tenant_id, version, created_at, body) VALUES ($1, $2, $3, $4, $5)`,
		e.ID, e.TenantID, e.Version, e.CreatedAt, body,
	)
	return eris.Wrapf(err, "postgres: insert entity %s", e.ID)
}

const lockEntitySQL = `SELECT body FROM entities WHERE id = $1 FOR UPDATE`

func (s *PostgresStore) ApplyPatch(ctx context.Context, id string, patch model.Patch) (*model.Entity, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	current, err := getEntity(ctx, tx, lockEntitySQL, id)
	if err != nil {
		return nil, err
	}
	next, audit, err := patchEntity(current, id, patch, s.clock())
	if err != nil {
		return nil, err
	}
	if next.Version == current.Version {
		return next, nil
	}

	if err := updateEntity(ctx, tx, next); err != nil {
		return nil, err
	}
	if err := insertHistory(ctx, tx, audit); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit patch")
	}
	return next, nil
}

func (s *PostgresStore) Tombstone(ctx context.Context, id, survivorID string) error {
	if id == survivorID {
		return checkTombstone(nil, nil, id, survivorID)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Lock both rows in id order so two opposing tombstones cannot deadlock.
	first, second := id, survivorID
	if second < first {
		first, second = second, first
	}
	locked := make(map[string]*model.Entity, 2)
	for _, key := range []string{first, second} {
		e, err := getEntity(ctx, tx, lockEntitySQL, key)
		if err != nil {
			return err
		}
		locked[key] = e
	}

	sub, survivor := locked[id], locked[survivorID]
	if err := checkTombstone(sub, survivor, id, survivorID); err != nil {
		return err
	}

	now := s.clock()
	sub.DeletedAt = &now
	sub.SurvivorID = survivorID
	sub.Version++
	sub.UpdatedAt = now
	if err := updateEntity(ctx, tx, sub); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit tombstone")
}

func updateEntity(ctx context.Context, tx pgx.Tx, e *model.Entity) error {
	body, err := json.Marshal(e)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal entity")
	}
	_, err = tx.Exec(ctx,
		`UPDATE entities SET body = $1, version = $2, deleted_at = $3 WHERE id = $4`,
		body, e.Version, e.DeletedAt, e.ID,
	)
	return eris.Wrapf(err, "postgres: update entity %s", e.ID)
}

func insertHistory(ctx context.Context, tx pgx.Tx, audit []model.AuditEntry) error {
	rows := make([][]any, 0, len(audit))
	for _, a := range audit {
		decision, err := json.Marshal(a.Decision)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal decision")
		}
		rows = append(rows, []any{a.EntityID, a.ObservationID, decision, a.AppliedAt})
	}
	_, err := db.CopyFrom(ctx, tx, "merge_history", historyColumns, rows)
	return err
}

func (s *PostgresStore) History(ctx context.Context, entityID string) ([]model.AuditEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT entity_id, observation_id, decision, applied_at FROM merge_history WHERE entity_id = $1 ORDER BY id`,
		entityID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: history %s", entityID)
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var a model.AuditEntry
		var decision []byte
		if err := rows.Scan(&a.EntityID, &a.ObservationID, &decision, &a.AppliedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan history")
		}
		if err := json.Unmarshal(decision, &a.Decision); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal decision")
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate history")
}

func (s *PostgresStore) SaveObservation(ctx context.Context, obs model.Observation) error {
	if obs.ID == "" {
		return eris.New("store: observation id is required")
	}
	body, err := json.Marshal(obs)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal observation")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO observations (id, tenant_id, body) VALUES ($1, $2, $3) ON CONFLICT (id) DO NOTHING`,
		obs.ID, obs.TenantID, body,
	)
	return eris.Wrapf(err, "postgres: insert observation %s", obs.ID)
}

func (s *PostgresStore) GetObservation(ctx context.Context, id string) (*model.Observation, error) {
	var body []byte
	err := s.pool.QueryRow(ctx, `SELECT body FROM observations WHERE id = $1`, id).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get observation %s", id)
	}
	var obs model.Observation
	if err := json.Unmarshal(body, &obs); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal observation")
	}
	return &obs, nil
}

func (s *PostgresStore) SaveReview(ctx context.Context, item *model.ReviewItem) error {
	prepareReview(item, s.clock())
	body, err := json.Marshal(item)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal review")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO review_items (id, tenant_id, kind, status, created_at, body) VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, body = EXCLUDED.body`,
		item.ID, item.TenantID, string(item.Kind), string(item.Status), item.CreatedAt, body,
	)
	return eris.Wrapf(err, "postgres: save review %s", item.ID)
}

func (s *PostgresStore) GetReview(ctx context.Context, id string) (*model.ReviewItem, error) {
	var body []byte
	err := s.pool.QueryRow(ctx, `SELECT body FROM review_items WHERE id = $1`, id).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get review %s", id)
	}
	var item model.ReviewItem
	if err := json.Unmarshal(body, &item); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal review")
	}
	return &item, nil
}

func (s *PostgresStore) ListReviews(ctx context.Context, filter ReviewFilter) ([]model.ReviewItem, error) {
	q := `SELECT body FROM review_items WHERE true`
	var args []any
	if filter.TenantID != "" {
		args = append(args, filter.TenantID)
		q += fmt.Sprintf(` AND tenant_id = $%d`, len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		q += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	if filter.Kind != "" {
		args = append(args, string(filter.Kind))
		q += fmt.Sprintf(` AND kind = $%d`, len(args))
	}
	q += ` ORDER BY created_at, id`
	if filter.Limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list reviews")
	}
	defer rows.Close()

	var out []model.ReviewItem
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, eris.Wrap(err, "postgres: scan review")
		}
		var item model.ReviewItem
		if err := json.Unmarshal(body, &item); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal review")
		}
		out = append(out, item)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate reviews")
}

func (s *PostgresStore) ResolveReview(ctx context.Context, id string, status model.ReviewStatus, resolution, entityID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var body []byte
	err = tx.QueryRow(ctx, `SELECT body FROM review_items WHERE id = $1 FOR UPDATE`, id).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrapf(ErrReviewNotFound, "postgres: resolve review %s", id)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: get review %s", id)
	}
	var item model.ReviewItem
	if err := json.Unmarshal(body, &item); err != nil {
		return eris.Wrap(err, "postgres: unmarshal review")
	}
	if !item.Open() {
		return eris.Errorf("store: review %s already %s", id, item.Status)
	}

	now := s.clock()
	item.Status = status
	item.Resolution = resolution
	item.ResolvedEntityID = entityID
	item.ResolvedAt = &now
	body, err = json.Marshal(item)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal review")
	}
	if _, err := tx.Exec(ctx,
		`UPDATE review_items SET status = $1, body = $2 WHERE id = $3`,
		string(status), body, id,
	); err != nil {
		return eris.Wrapf(err, "postgres: resolve review %s", id)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit review")
}

func (s *PostgresStore) Requeue(ctx context.Context, entry *resilience.RequeueEntry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal requeue entry")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO requeue (id, tenant_id, next_retry_at, body) VALUES ($1, $2, $3, $4)`,
		entry.ID, entry.Observation.TenantID, entry.NextRetryAt, body,
	)
	return eris.Wrapf(err, "postgres: insert requeue %s", entry.ID)
}

func (s *PostgresStore) ListRequeue(ctx context.Context, filter resilience.RequeueFilter) ([]resilience.RequeueEntry, error) {
	q := `SELECT body FROM requeue WHERE true`
	var args []any
	if filter.TenantID != "" {
		args = append(args, filter.TenantID)
		q += fmt.Sprintf(` AND tenant_id = $%d`, len(args))
	}
	if !filter.DueAt.IsZero() {
		args = append(args, filter.DueAt)
		q += fmt.Sprintf(` AND next_retry_at <= $%d`, len(args))
		q += ` AND (body->>'retry_count')::int < (body->>'max_retries')::int`
	}
	q += ` ORDER BY next_retry_at, id`
	if filter.Limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list requeue")
	}
	defer rows.Close()

	var out []resilience.RequeueEntry
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, eris.Wrap(err, "postgres: scan requeue")
		}
		var e resilience.RequeueEntry
		if err := json.Unmarshal(body, &e); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal requeue")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate requeue")
}

func (s *PostgresStore) UpdateRequeue(ctx context.Context, entry *resilience.RequeueEntry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal requeue entry")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE requeue SET next_retry_at = $1, body = $2 WHERE id = $3`,
		entry.NextRetryAt, body, entry.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update requeue %s", entry.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("store: requeue entry not found: %s", entry.ID)
	}
	return nil
}

func (s *PostgresStore) DeleteRequeue(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM requeue WHERE id = $1`, id)
	return eris.Wrapf(err, "postgres: delete requeue %s", id)
}
