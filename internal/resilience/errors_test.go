package resilience

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"explicit transient", NewTransientError(errors.New("x"), 503), true},
		{"wrapped transient", eris.Wrap(NewTransientError(errors.New("x"), 429), "enrich: lookup"), true},
		{"permanent wins", NewPermanentError(fmt.Errorf("reset: %w", syscall.ECONNRESET), 400), false},
		{"conn reset", fmt.Errorf("dial: %w", syscall.ECONNRESET), true},
		{"io timeout text", errors.New("read tcp: i/o timeout"), true},
		{"deadline", context.DeadlineExceeded, true},
		{"plain", errors.New("unmarshal: invalid character"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestFromStatus(t *testing.T) {
	t.Parallel()

	base := errors.New("status")
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.Equal(t, KindTransient, ClassifyError(FromStatus(base, code)), "status %d", code)
	}
	for _, code := range []int{400, 401, 403, 404, 422} {
		assert.Equal(t, KindPermanent, ClassifyError(FromStatus(base, code)), "status %d", code)
	}

	var pe *PermanentError
	assert.ErrorAs(t, FromStatus(base, 401), &pe)
	assert.Equal(t, 401, pe.StatusCode)
	assert.ErrorIs(t, FromStatus(base, 401), base)
}
