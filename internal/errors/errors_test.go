package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/attested-rebalancer/internal/types"
	"github.com/stretchr/testify/assert"
)

func TestSentinelMatching(t *testing.T) {
	err := NewStrategyExpiredError("0xabc")

	assert.True(t, stderrors.Is(err, ErrStrategyExpired))
	assert.False(t, stderrors.Is(err, ErrStrategyAlreadyExecuted))

	wrapped := fmt.Errorf("execute: %w", err)
	assert.True(t, stderrors.Is(wrapped, ErrStrategyExpired))
	assert.True(t, HasCode(wrapped, CodeStrategyExpired))
}

func TestAdapterFailureKeepsCauseChain(t *testing.T) {
	err := NewRebalanceExecutionFailedError("0xabc", NewStrategyExpiredError("0xabc"))

	assert.True(t, stderrors.Is(err, ErrRebalanceExecutionFailed))
	assert.True(t, stderrors.Is(err, ErrStrategyExpired), "cause must stay reachable")
	assert.Equal(t, CategoryAdapter, Categorize(err).Category)
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantCode   string
		wantStatus int
	}{
		{
			name:       "categorized error is returned as-is",
			err:        NewDailyLimitExceededError("0x1", 10),
			wantCode:   CodeDailyLimitExceeded,
			wantStatus: http.StatusTooManyRequests,
		},
		{
			name:       "wrapped categorized error is unwrapped",
			err:        fmt.Errorf("ctx: %w", NewPortfolioNotFoundError("0x1")),
			wantCode:   CodePortfolioNotFound,
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "service error is converted",
			err:        &types.ServiceError{Code: "SOMETHING", Message: "boom"},
			wantCode:   "SOMETHING",
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:       "plain error becomes internal",
			err:        stderrors.New("boom"),
			wantCode:   CodeInternalError,
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Categorize(tt.err)
			assert.Equal(t, tt.wantCode, got.Code)
			assert.Equal(t, tt.wantStatus, GetHTTPStatusCode(tt.err))
		})
	}

	assert.Nil(t, Categorize(nil))
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(NewInvalidParametersError("threshold", "too high")))
	assert.False(t, IsRetryable(NewStrategyAlreadyExecutedError("0x1")))
	assert.False(t, IsRetryable(NewInvalidTEESignatureError("0x0")))
	assert.True(t, IsRetryable(NewRebalanceExecutionFailedError("0x1", stderrors.New("venue down"))))
	assert.True(t, IsRetryable(stderrors.New("unexpected")))
}

func TestIsSecurityRelevant(t *testing.T) {
	assert.True(t, IsSecurityRelevant(NewInvalidTEESignatureError("0x0")))
	assert.True(t, IsSecurityRelevant(NewInvalidSignatureError("expired")))
	assert.False(t, IsSecurityRelevant(NewInvalidSessionKeyError("0x1", "expired")))
	assert.False(t, IsSecurityRelevant(nil))
}

func TestErrorMessage(t *testing.T) {
	err := NewInternalError("store failed", stderrors.New("disk"))
	assert.Equal(t, "INTERNAL_ERROR: store failed (caused by: disk)", err.Error())
	assert.Equal(t, "PAUSED: ledger is paused", NewPausedError().Error())

	svc := NewNotOwnerError("0x1").ToServiceError()
	assert.Equal(t, CodeNotOwner, svc.Code)
}
