package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"auth", Auth("token", "no session"), KindAuth},
		{"wrapped validation", fmt.Errorf("filters: %w", Validation("sort", "unknown field")), KindValidation},
		{"context canceled", context.Canceled, KindCancelled},
		{"wrapped canceled", fmt.Errorf("fetch: %w", context.Canceled), KindCancelled},
		{"deadline", context.DeadlineExceeded, KindNetwork},
		{"plain", errors.New("boom"), KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestErrorFormatting(t *testing.T) {
	err := New(KindConflict, "update", "version mismatch", errors.New("409"))
	assert.Equal(t, "conflict error: update: version mismatch: 409", err.Error())
	assert.True(t, Is(err, KindConflict))
	assert.False(t, IsCancelled(err))

	cancelled := Cancelled("read", context.Canceled)
	assert.True(t, IsCancelled(cancelled))
	assert.ErrorIs(t, cancelled, context.Canceled)
}
