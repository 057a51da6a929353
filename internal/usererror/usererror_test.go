package usererror

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"gatekeeper/internal/retry"
)

func TestNew_RendersClassificationFields(t *testing.T) {
	err := New("item X gate test", errors.New("401 unauthorized"), "")
	assert.Equal(t, retry.KindPermanent, err.Kind)
	assert.Equal(t, retry.SeverityCritical, err.Severity)
	assert.False(t, err.Retryable)
	assert.NotEmpty(t, err.RecoveryActions)
}

func TestNew_SummaryIsOneLine(t *testing.T) {
	err := New("plan validation", errors.New("schema mismatch"), "plan document failed schema validation")
	assert.Equal(t, "plan validation: plan document failed schema validation", err.Summary())
	assert.NotContains(t, err.Summary(), "\n")
}

func TestNew_NilCauseReturnsNil(t *testing.T) {
	assert.Nil(t, New("ctx", nil, ""))
}

func TestUserFacingError_UnwrapReturnsCause(t *testing.T) {
	cause := errors.New("boom")
	err := New("ctx", cause, "")
	assert.ErrorIs(t, err, cause)
}
