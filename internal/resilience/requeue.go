package resilience

import (
	"time"

	"github.com/google/uuid"

	"github.com/sells-group/entity-resolver/internal/model"
)

// RequeueEntry holds an observation whose resolution or enrichment
// exhausted its retries on a transient error. The observation stays
// unprocessed and is picked up by a later replay run.
type RequeueEntry struct {
	ID           string            `json:"id"`
	Observation  model.Observation `json:"observation"`
	// Provider is empty when the entity store failed during resolution.
	Provider     string            `json:"provider,omitempty"`
	Error        string            `json:"error"`
	Kind         ErrorKind         `json:"kind"`
	RetryCount   int               `json:"retry_count"`
	MaxRetries   int               `json:"max_retries"`
	NextRetryAt  time.Time         `json:"next_retry_at"`
	CreatedAt    time.Time         `json:"created_at"`
	LastFailedAt time.Time         `json:"last_failed_at"`
}

// DefaultMaxReplays bounds how often one observation is requeued.
const DefaultMaxReplays = 5

// NewRequeueEntry records the first failure of obs.
func NewRequeueEntry(obs model.Observation, provider string, err error, cfg RetryConfig, now time.Time) *RequeueEntry {
	return &RequeueEntry{
		ID:           uuid.NewString(),
		Observation:  obs,
		Provider:     provider,
		Error:        err.Error(),
		Kind:         ClassifyError(err),
		MaxRetries:   DefaultMaxReplays,
		NextRetryAt:  now.Add(Backoff(0, cfg)),
		CreatedAt:    now,
		LastFailedAt: now,
	}
}

// CanRetry reports whether the entry may be replayed again.
func (e *RequeueEntry) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}

// Due reports whether the entry is eligible for replay at now.
func (e *RequeueEntry) Due(now time.Time) bool {
	return e.CanRetry() && !now.Before(e.NextRetryAt)
}

// Failed records another failed replay and schedules the next one.
func (e *RequeueEntry) Failed(err error, cfg RetryConfig, now time.Time) {
	e.RetryCount++
	e.Error = err.Error()
	e.Kind = ClassifyError(err)
	e.LastFailedAt = now
	e.NextRetryAt = now.Add(Backoff(e.RetryCount, cfg))
}

// RequeueFilter narrows a requeue listing.
type RequeueFilter struct {
	TenantID string    `json:"tenant_id,omitempty"`
	DueAt    time.Time `json:"due_at,omitempty"`
	Limit    int       `json:"limit,omitempty"`
}
