package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/attested-rebalancer/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryValidation represents malformed or out-of-range input
	CategoryValidation ErrorCategory = "validation"
	// CategoryAuthorization represents a caller or key that may not act
	CategoryAuthorization ErrorCategory = "authorization"
	// CategoryNotFound represents a missing record
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryTrust represents a signature that does not recover to a trusted key
	CategoryTrust ErrorCategory = "trust"
	// CategoryConflict represents a state or policy conflict expected in normal operation
	CategoryConflict ErrorCategory = "conflict"
	// CategoryRateLimit represents an exhausted quota
	CategoryRateLimit ErrorCategory = "rate_limit"
	// CategoryAdapter represents a failure inside an external adapter
	CategoryAdapter ErrorCategory = "adapter"
	// CategorySystem represents internal errors
	CategorySystem ErrorCategory = "system"
)

// Error codes
const (
	CodeInvalidParameters        = "INVALID_PARAMETERS"
	CodePortfolioNotFound        = "PORTFOLIO_NOT_FOUND"
	CodeInvalidSessionKey        = "INVALID_SESSION_KEY"
	CodeUnauthorizedCaller       = "UNAUTHORIZED_CALLER"
	CodeNotOwner                 = "NOT_OWNER"
	CodeInvalidTEESignature      = "INVALID_TEE_SIGNATURE"
	CodeInvalidSignature         = "INVALID_SIGNATURE"
	CodeInvalidTarget            = "INVALID_TARGET"
	CodeSelectorNotWhitelisted   = "SELECTOR_NOT_WHITELISTED"
	CodeStrategyExpired          = "STRATEGY_EXPIRED"
	CodeStrategyAlreadyExecuted  = "STRATEGY_ALREADY_EXECUTED"
	CodeRebalanceTooFrequent     = "REBALANCE_TOO_FREQUENT"
	CodeDailyLimitExceeded       = "DAILY_LIMIT_EXCEEDED"
	CodeRebalanceExecutionFailed = "REBALANCE_EXECUTION_FAILED"
	CodePaused                   = "PAUSED"
	CodeInternalError            = "INTERNAL_ERROR"
)

// Sentinels for errors.Is matching. They compare by Code, so any
// CategorizedError carrying the same code matches regardless of message.
var (
	ErrInvalidParameters        = &CategorizedError{Code: CodeInvalidParameters}
	ErrPortfolioNotFound        = &CategorizedError{Code: CodePortfolioNotFound}
	ErrInvalidSessionKey        = &CategorizedError{Code: CodeInvalidSessionKey}
	ErrUnauthorizedCaller       = &CategorizedError{Code: CodeUnauthorizedCaller}
	ErrNotOwner                 = &CategorizedError{Code: CodeNotOwner}
	ErrInvalidTEESignature      = &CategorizedError{Code: CodeInvalidTEESignature}
	ErrInvalidSignature         = &CategorizedError{Code: CodeInvalidSignature}
	ErrInvalidTarget            = &CategorizedError{Code: CodeInvalidTarget}
	ErrSelectorNotWhitelisted   = &CategorizedError{Code: CodeSelectorNotWhitelisted}
	ErrStrategyExpired          = &CategorizedError{Code: CodeStrategyExpired}
	ErrStrategyAlreadyExecuted  = &CategorizedError{Code: CodeStrategyAlreadyExecuted}
	ErrRebalanceTooFrequent     = &CategorizedError{Code: CodeRebalanceTooFrequent}
	ErrDailyLimitExceeded       = &CategorizedError{Code: CodeDailyLimitExceeded}
	ErrRebalanceExecutionFailed = &CategorizedError{Code: CodeRebalanceExecutionFailed}
	ErrPaused                   = &CategorizedError{Code: CodePaused}
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// Is matches another CategorizedError by code
func (e *CategorizedError) Is(target error) bool {
	t, ok := target.(*CategorizedError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// ToServiceError converts to a ServiceError
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// Validation Errors

// NewInvalidParametersError creates an invalid parameters error
func NewInvalidParametersError(param string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       CodeInvalidParameters,
		Message:    fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		Details: map[string]interface{}{
			"parameter": param,
			"reason":    reason,
		},
	}
}

// NewPortfolioNotFoundError creates a portfolio not found error
func NewPortfolioNotFoundError(owner string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       CodePortfolioNotFound,
		Message:    fmt.Sprintf("portfolio not found: %s", owner),
		Details: map[string]interface{}{
			"owner": owner,
		},
	}
}

// Authorization Errors

// NewInvalidSessionKeyError creates an invalid session key error
func NewInvalidSessionKeyError(signer string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryAuthorization,
		StatusCode: http.StatusForbidden,
		Code:       CodeInvalidSessionKey,
		Message:    fmt.Sprintf("signer %s rejected: %s", signer, reason),
		Details: map[string]interface{}{
			"signer": signer,
			"reason": reason,
		},
	}
}

// NewUnauthorizedCallerError creates an unauthorized caller error
func NewUnauthorizedCallerError(caller string, action string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryAuthorization,
		StatusCode: http.StatusForbidden,
		Code:       CodeUnauthorizedCaller,
		Message:    fmt.Sprintf("caller %s may not %s", caller, action),
		Details: map[string]interface{}{
			"caller": caller,
			"action": action,
		},
	}
}

// NewNotOwnerError creates a not owner error
func NewNotOwnerError(caller string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryAuthorization,
		StatusCode: http.StatusForbidden,
		Code:       CodeNotOwner,
		Message:    fmt.Sprintf("caller %s is not the agent owner", caller),
		Details: map[string]interface{}{
			"caller": caller,
		},
	}
}

// Trust Errors

// NewInvalidTEESignatureError creates an invalid attestation error
func NewInvalidTEESignatureError(recovered string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryTrust,
		StatusCode: http.StatusUnauthorized,
		Code:       CodeInvalidTEESignature,
		Message:    "attestation does not recover to the trusted attester",
		Details: map[string]interface{}{
			"recovered": recovered,
		},
	}
}

// NewInvalidSignatureError creates an invalid co-signature error
func NewInvalidSignatureError(reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryTrust,
		StatusCode: http.StatusUnauthorized,
		Code:       CodeInvalidSignature,
		Message:    fmt.Sprintf("invalid sponsor signature: %s", reason),
		Details: map[string]interface{}{
			"reason": reason,
		},
	}
}

// NewInvalidTargetError creates an invalid target error
func NewInvalidTargetError(target string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       CodeInvalidTarget,
		Message:    fmt.Sprintf("operation target %s is not sponsorable", target),
		Details: map[string]interface{}{
			"target": target,
		},
	}
}

// NewSelectorNotWhitelistedError creates a selector not whitelisted error
func NewSelectorNotWhitelistedError(selector string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       CodeSelectorNotWhitelisted,
		Message:    fmt.Sprintf("selector %s is not whitelisted", selector),
		Details: map[string]interface{}{
			"selector": selector,
		},
	}
}

// State and Policy Conflicts

// NewStrategyExpiredError creates a strategy expired error
func NewStrategyExpiredError(fingerprint string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       CodeStrategyExpired,
		Message:    fmt.Sprintf("strategy %s is past its deadline", fingerprint),
		Details: map[string]interface{}{
			"fingerprint": fingerprint,
		},
	}
}

// NewStrategyAlreadyExecutedError creates a strategy already executed error
func NewStrategyAlreadyExecutedError(fingerprint string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       CodeStrategyAlreadyExecuted,
		Message:    fmt.Sprintf("strategy %s was already executed", fingerprint),
		Details: map[string]interface{}{
			"fingerprint": fingerprint,
		},
	}
}

// NewRebalanceTooFrequentError creates a rebalance too frequent error
func NewRebalanceTooFrequentError(owner string, retryAfterSeconds int64) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusTooManyRequests,
		Code:       CodeRebalanceTooFrequent,
		Message:    fmt.Sprintf("minimum rebalance interval not met for %s", owner),
		Details: map[string]interface{}{
			"owner":      owner,
			"retryAfter": retryAfterSeconds,
		},
	}
}

// NewDailyLimitExceededError creates a daily sponsorship limit error
func NewDailyLimitExceededError(owner string, limit int) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryRateLimit,
		StatusCode: http.StatusTooManyRequests,
		Code:       CodeDailyLimitExceeded,
		Message:    fmt.Sprintf("daily sponsorship limit reached for %s (limit: %d)", owner, limit),
		Details: map[string]interface{}{
			"owner": owner,
			"limit": limit,
		},
	}
}

// NewPausedError creates a paused error
func NewPausedError() *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusServiceUnavailable,
		Code:       CodePaused,
		Message:    "ledger is paused",
	}
}

// Adapter and System Errors

// NewRebalanceExecutionFailedError creates an adapter failure error
func NewRebalanceExecutionFailedError(fingerprint string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryAdapter,
		StatusCode: http.StatusBadGateway,
		Code:       CodeRebalanceExecutionFailed,
		Message:    fmt.Sprintf("rebalance adapter failed for strategy %s", fingerprint),
		Cause:      cause,
		Details: map[string]interface{}{
			"fingerprint": fingerprint,
		},
	}
}

// NewInternalError creates an internal error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeInternalError,
		Message:    message,
		Cause:      cause,
	}
}

// Categorize categorizes an existing error
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}

	var svcErr *types.ServiceError
	if stderrors.As(err, &svcErr) {
		return &CategorizedError{
			Category:   CategorySystem,
			StatusCode: http.StatusInternalServerError,
			Code:       svcErr.Code,
			Message:    svcErr.Message,
			Details:    svcErr.Details,
		}
	}

	return NewInternalError("unexpected error", err)
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil && catErr.StatusCode != 0 {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsRetryable reports whether a caller may sensibly resubmit. Nothing in
// this module retries on its own.
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	switch catErr.Category {
	case CategoryAdapter, CategorySystem:
		return true
	default:
		return false
	}
}

// IsSecurityRelevant reports whether an error crossed the trust boundary
func IsSecurityRelevant(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}
	return catErr.Category == CategoryTrust
}

// HasCode reports whether err carries the given code anywhere in its chain
func HasCode(err error, code string) bool {
	return stderrors.Is(err, &CategorizedError{Code: code})
}
