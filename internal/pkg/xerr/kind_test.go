package xerr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
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
		{"typed", New(KindQuotaExceeded, "bucket full"), KindQuotaExceeded},
		{"wrapped typed", fmt.Errorf("put block: %w", New(KindPermissionDenied, "")), KindPermissionDenied},
		{"sentinel", fmt.Errorf("lease: %w", ErrLeaseConflict), KindLeaseConflict},
		{"canceled", context.Canceled, KindCancelled},
		{"deadline", fmt.Errorf("put: %w", context.DeadlineExceeded), KindTransientIO},
		{"unknown", errors.New("connection reset by peer"), KindTransientIO},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestWrapKeepsExistingKind(t *testing.T) {
	inner := New(KindPermissionDenied, "AccessDenied")
	err := Wrap(KindTransientIO, inner)
	assert.Equal(t, KindPermissionDenied, KindOf(err))
	assert.True(t, errors.Is(err, ErrPermissionDenied))
	assert.Nil(t, Wrap(KindTransientIO, nil))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(KindTransientIO))
	assert.True(t, IsRetryable(KindInternal))
	for _, k := range []Kind{KindInvalidConfiguration, KindPermissionDenied, KindQuotaExceeded, KindCancelled, KindLeaseConflict} {
		assert.False(t, IsRetryable(k), k)
	}
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusConflict, HTTPStatus(New(KindInvalidStateTransition, "resume on completed")))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(New(KindNotFound, "")))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(New(KindInvalidConfiguration, "")))
	assert.Equal(t, LeaseConflictCode, CodeOf(fmt.Errorf("x: %w", New(KindLeaseConflict, ""))))
}
