package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/entity-resolver/internal/model"
)

func TestRequeueEntry_Lifecycle(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	cfg := RetryConfig{InitialBackoff: time.Minute, MaxBackoff: time.Hour, Multiplier: 2}
	obs := model.Observation{ID: "obs-1", TenantID: "t1"}

	e := NewRequeueEntry(obs, "apollo", NewTransientError(errors.New("503"), 503), cfg, now)
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, KindTransient, e.Kind)
	assert.Equal(t, now.Add(time.Minute), e.NextRetryAt)
	assert.False(t, e.Due(now))
	assert.True(t, e.Due(now.Add(time.Minute)))

	e.Failed(errors.New("still down"), cfg, now)
	assert.Equal(t, 1, e.RetryCount)
	assert.Equal(t, now.Add(2*time.Minute), e.NextRetryAt)
	assert.Equal(t, KindPermanent, e.Kind)

	e.RetryCount = e.MaxRetries
	assert.False(t, e.CanRetry())
	assert.False(t, e.Due(now.Add(24*time.Hour)))
}
