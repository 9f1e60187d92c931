package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	apperrors "github.com/attested-rebalancer/internal/errors"
	"github.com/attested-rebalancer/internal/logging"
	"github.com/attested-rebalancer/internal/types"
)

// maxBodyBytes bounds every request body
const maxBodyBytes = 1 << 20

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error types.ServiceError `json:"error"`
}

// Transport-level error codes. Domain errors carry their own codes.
const (
	ErrCodeInvalidInput      = "INVALID_INPUT"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternalError     = apperrors.CodeInternalError
)

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	respondJSON(w, statusCode, ErrorResponse{
		Error: types.ServiceError{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// respondAppError maps a domain error to its category's status. System
// errors are logged and their message hidden from the client.
func respondAppError(w http.ResponseWriter, r *http.Request, err error) {
	catErr := apperrors.Categorize(err)
	if catErr.Category == apperrors.CategorySystem {
		logging.FromContext(r.Context()).WithError(err).Error("Request failed")
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "An internal error occurred", nil)
		return
	}
	status := catErr.StatusCode
	if status == 0 {
		status = http.StatusBadRequest
	}
	svc := catErr.ToServiceError()
	respondError(w, status, svc.Code, svc.Message, svc.Details)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// parseJSONBody decodes a bounded JSON body, rejecting unknown fields and
// trailing data.
func parseJSONBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("invalid request body: unexpected trailing data")
	}
	return nil
}

func categorized(err error) *types.ServiceError {
	catErr := apperrors.Categorize(err)
	if catErr.Category == apperrors.CategorySystem {
		return &types.ServiceError{Code: ErrCodeInternalError, Message: "An internal error occurred"}
	}
	return catErr.ToServiceError()
}
