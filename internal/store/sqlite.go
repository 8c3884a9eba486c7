package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/entity-resolver/internal/model"
	"github.com/sells-group/entity-resolver/internal/resilience"
)

// casAttempts bounds compare-and-swap retries when two writers race on one
// entity.
const casAttempts = 5

// SQLiteStore implements Store on a local SQLite file. Each row keeps its
// record as JSON next to the columns queries filter on.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens a SQLite database at dsn in WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One writer at a time; the per-connection busy_timeout below then only
	// needs to hold for the single pooled connection.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS entities (
	id         TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL,
	deleted    INTEGER NOT NULL DEFAULT 0,
	version    INTEGER NOT NULL,
	created_ns INTEGER NOT NULL,
	body       TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entities_tenant ON entities(tenant_id, deleted);

CREATE TABLE IF NOT EXISTS merge_history (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_id      TEXT NOT NULL,
	observation_id TEXT NOT NULL,
	body           TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_merge_history_entity ON merge_history(entity_id);

CREATE TABLE IF NOT EXISTS observations (
	id        TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	body      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS review_items (
	id         TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL,
	kind       TEXT NOT NULL,
	status     TEXT NOT NULL,
	created_ns INTEGER NOT NULL,
	body       TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_review_items_tenant ON review_items(tenant_id, status);

CREATE TABLE IF NOT EXISTS requeue (
	id            TEXT PRIMARY KEY,
	tenant_id     TEXT NOT NULL,
	next_retry_ns INTEGER NOT NULL,
	body          TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_requeue_next ON requeue(next_retry_ns);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetEntity(ctx context.Context, id string) (*model.Entity, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM entities WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get entity %s", id)
	}
	return decodeEntity(body)
}

func (s *SQLiteStore) QueryEntities(ctx context.Context, tenantID string, filter model.FieldFilter) ([]*model.Entity, error) {
	if err := checkFilter(filter); err != nil {
		return nil, err
	}
	return s.queryEntities(ctx,
		`SELECT body FROM entities
		 WHERE tenant_id = ? AND deleted = 0
		   AND lower(json_extract(body, '$.fields.' || ? || '.value')) = lower(?)
		 ORDER BY created_ns, id`,
		tenantID, string(filter.Field), filter.Value,
	)
}

func (s *SQLiteStore) ListEntities(ctx context.Context, tenantID string, includeTombstoned bool) ([]*model.Entity, error) {
	q := `SELECT body FROM entities WHERE tenant_id = ?`
	if !includeTombstoned {
		q += ` AND deleted = 0`
	}
	return s.queryEntities(ctx, q+` ORDER BY created_ns, id`, tenantID)
}

func (s *SQLiteStore) queryEntities(ctx context.Context, q string, args ...any) ([]*model.Entity, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query entities")
	}
	defer rows.Close() //nolint:errcheck

	var out []*model.Entity
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan entity")
		}
		e, err := decodeEntity(body)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate entities")
}

func (s *SQLiteStore) CreateEntity(ctx context.Context, e *model.Entity) error {
	prepareNew(e, s.now())
	body, err := json.Marshal(e)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal entity")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO entities (id, tenant_id, deleted, version, created_ns, body) VALUES (?, ?, 0, ?, ?, ?)`,
		e.ID, e.TenantID, e.Version, e.CreatedAt.UnixNano(), string(body),
	)
	return eris.Wrapf(err, "sqlite: insert entity %s", e.ID)
}

// ApplyPatch applies patch with a version compare-and-swap, so concurrent
// writers to one entity never lose an update.
func (s *SQLiteStore) ApplyPatch(ctx context.Context, id string, patch model.Patch) (*model.Entity, error) {
	for range casAttempts {
		current, err := s.GetEntity(ctx, id)
		if err != nil {
			return nil, err
		}
		next, audit, err := patchEntity(current, id, patch, s.now())
		if err != nil {
			return nil, err
		}

		ok, err := s.swap(ctx, current.Version, next, audit)
		if err != nil {
			return nil, err
		}
		if ok {
			return next, nil
		}
	}
	return nil, eris.Wrapf(ErrVersionConflict, "sqlite: patch %s", id)
}

func (s *SQLiteStore) Tombstone(ctx context.Context, id, survivorID string) error {
	for range casAttempts {
		sub, err := s.GetEntity(ctx, id)
		if err != nil {
			return err
		}
		survivor, err := s.GetEntity(ctx, survivorID)
		if err != nil {
			return err
		}
		if err := checkTombstone(sub, survivor, id, survivorID); err != nil {
			return err
		}

		now := s.now()
		next := sub.Clone()
		next.DeletedAt = &now
		next.SurvivorID = survivorID
		next.Version++
		next.UpdatedAt = now

		ok, err := s.swap(ctx, sub.Version, next, nil)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return eris.Wrapf(ErrVersionConflict, "sqlite: tombstone %s", id)
}

// swap writes next if the stored version still equals from, together with
// its audit entries, in one transaction.
func (s *SQLiteStore) swap(ctx context.Context, from int, next *model.Entity, audit []model.AuditEntry) (bool, error) {
	body, err := json.Marshal(next)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: marshal entity")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	deleted := 0
	if next.Tombstoned() {
		deleted = 1
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE entities SET body = ?, version = ?, deleted = ? WHERE id = ? AND version = ?`,
		string(body), next.Version, deleted, next.ID, from,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: update entity %s", next.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return false, nil
	}

	for _, a := range audit {
		ab, err := json.Marshal(a)
		if err != nil {
			return false, eris.Wrap(err, "sqlite: marshal audit entry")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO merge_history (entity_id, observation_id, body) VALUES (?, ?, ?)`,
			a.EntityID, a.ObservationID, string(ab),
		); err != nil {
			return false, eris.Wrap(err, "sqlite: insert merge history")
		}
	}
	return true, eris.Wrap(tx.Commit(), "sqlite: commit")
}

func (s *SQLiteStore) History(ctx context.Context, entityID string) ([]model.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM merge_history WHERE entity_id = ? ORDER BY id`, entityID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: history %s", entityID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.AuditEntry
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan history")
		}
		var a model.AuditEntry
		if err := json.Unmarshal([]byte(body), &a); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal history")
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate history")
}

func (s *SQLiteStore) SaveObservation(ctx context.Context, obs model.Observation) error {
	if obs.ID == "" {
		return eris.New("store: observation id is required")
	}
	body, err := json.Marshal(obs)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal observation")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO observations (id, tenant_id, body) VALUES (?, ?, ?) ON CONFLICT (id) DO NOTHING`,
		obs.ID, obs.TenantID, string(body),
	)
	return eris.Wrapf(err, "sqlite: insert observation %s", obs.ID)
}

func (s *SQLiteStore) GetObservation(ctx context.Context, id string) (*model.Observation, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM observations WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get observation %s", id)
	}
	var obs model.Observation
	if err := json.Unmarshal([]byte(body), &obs); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal observation")
	}
	return &obs, nil
}

func (s *SQLiteStore) SaveReview(ctx context.Context, item *model.ReviewItem) error {
	prepareReview(item, s.now())
	body, err := json.Marshal(item)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal review")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO review_items (id, tenant_id, kind, status, created_ns, body) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET status = excluded.status, body = excluded.body`,
		item.ID, item.TenantID, string(item.Kind), string(item.Status), item.CreatedAt.UnixNano(), string(body),
	)
	return eris.Wrapf(err, "sqlite: save review %s", item.ID)
}

func (s *SQLiteStore) GetReview(ctx context.Context, id string) (*model.ReviewItem, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM review_items WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get review %s", id)
	}
	var item model.ReviewItem
	if err := json.Unmarshal([]byte(body), &item); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal review")
	}
	return &item, nil
}

func (s *SQLiteStore) ListReviews(ctx context.Context, filter ReviewFilter) ([]model.ReviewItem, error) {
	q := `SELECT body FROM review_items WHERE 1 = 1`
	var args []any
	if filter.TenantID != "" {
		q += ` AND tenant_id = ?`
		args = append(args, filter.TenantID)
	}
	if filter.Status != "" {
		q += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Kind != "" {
		q += ` AND kind = ?`
		args = append(args, string(filter.Kind))
	}
	q += ` ORDER BY created_ns, id`
	if filter.Limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list reviews")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ReviewItem
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan review")
		}
		var item model.ReviewItem
		if err := json.Unmarshal([]byte(body), &item); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal review")
		}
		out = append(out, item)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate reviews")
}

func (s *SQLiteStore) ResolveReview(ctx context.Context, id string, status model.ReviewStatus, resolution, entityID string) error {
	item, err := s.GetReview(ctx, id)
	if err != nil {
		return err
	}
	if item == nil {
		return eris.Wrapf(ErrReviewNotFound, "sqlite: resolve review %s", id)
	}
	if !item.Open() {
		return eris.Errorf("store: review %s already %s", id, item.Status)
	}
	now := s.now()
	item.Status = status
	item.Resolution = resolution
	item.ResolvedEntityID = entityID
	item.ResolvedAt = &now

	body, err := json.Marshal(item)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal review")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE review_items SET status = ?, body = ? WHERE id = ? AND status = ?`,
		string(status), string(body), id, string(model.ReviewOpen),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: resolve review %s", id)
	}
	return checkRowsAffected(res, "review", id)
}

func (s *SQLiteStore) Requeue(ctx context.Context, entry *resilience.RequeueEntry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal requeue entry")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO requeue (id, tenant_id, next_retry_ns, body) VALUES (?, ?, ?, ?)`,
		entry.ID, entry.Observation.TenantID, entry.NextRetryAt.UnixNano(), string(body),
	)
	return eris.Wrapf(err, "sqlite: insert requeue %s", entry.ID)
}

func (s *SQLiteStore) ListRequeue(ctx context.Context, filter resilience.RequeueFilter) ([]resilience.RequeueEntry, error) {
	q := `SELECT body FROM requeue WHERE 1 = 1`
	var args []any
	if filter.TenantID != "" {
		q += ` AND tenant_id = ?`
		args = append(args, filter.TenantID)
	}
	if !filter.DueAt.IsZero() {
		q += ` AND next_retry_ns <= ?`
		args = append(args, filter.DueAt.UnixNano())
	}
	q += ` ORDER BY next_retry_ns, id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list requeue")
	}
	defer rows.Close() //nolint:errcheck

	var out []resilience.RequeueEntry
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan requeue")
		}
		var e resilience.RequeueEntry
		if err := json.Unmarshal([]byte(body), &e); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal requeue")
		}
		if !filter.DueAt.IsZero() && !e.CanRetry() {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate requeue")
}

func (s *SQLiteStore) UpdateRequeue(ctx context.Context, entry *resilience.RequeueEntry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal requeue entry")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE requeue SET next_retry_ns = ?, body = ? WHERE id = ?`,
		entry.NextRetryAt.UnixNano(), string(body), entry.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update requeue %s", entry.ID)
	}
	return checkRowsAffected(res, "requeue entry", entry.ID)
}

func (s *SQLiteStore) DeleteRequeue(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM requeue WHERE id = ?`, id)
	return eris.Wrapf(err, "sqlite: delete requeue %s", id)
}

func checkRowsAffected(res sql.Result, what, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Errorf("store: %s not found: %s", what, id)
	}
	return nil
}

func decodeEntity(body string) (*model.Entity, error) {
	var e model.Entity
	if err := json.Unmarshal([]byte(body), &e); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal entity")
	}
	return &e, nil
}
