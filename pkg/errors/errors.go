package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError represents an application-level error with HTTP status code
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Detail     string `json:"detail,omitempty"`
	StatusCode int    `json:"-"`
}

func (e *AppError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches on Code so callers can use errors.Is against the predefined values.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Error codes. The set is closed; handlers map each one to a status code.
const (
	ErrCodeUnauthorized        = "unauthorized"
	ErrCodeBadRequest          = "bad_request"
	ErrCodeNotFound            = "not_found"
	ErrCodeRateLimited         = "rate_limited"
	ErrCodeInternalError       = "internal_error"
	ErrCodeWalletNotFound      = "wallet_not_found"
	ErrCodeKeyUnavailable      = "key_unavailable"
	ErrCodeSchemaValidation    = "schema_validation"
	ErrCodeInvalidAmount       = "invalid_amount"
	ErrCodeChainNotSupported   = "chain_not_supported"
	ErrCodeTokenMetadataFailed = "token_metadata_failed"
)

// Predefined errors
var (
	ErrUnauthorized = &AppError{
		Code:       ErrCodeUnauthorized,
		Message:    "Authentication required",
		StatusCode: http.StatusUnauthorized,
	}

	ErrNotFound = &AppError{
		Code:       ErrCodeNotFound,
		Message:    "Resource not found",
		StatusCode: http.StatusNotFound,
	}

	ErrBadRequest = &AppError{
		Code:       ErrCodeBadRequest,
		Message:    "Invalid request parameters",
		StatusCode: http.StatusBadRequest,
	}

	ErrInternalError = &AppError{
		Code:       ErrCodeInternalError,
		Message:    "Internal server error",
		StatusCode: http.StatusInternalServerError,
	}

	ErrRateLimited = &AppError{
		Code:       ErrCodeRateLimited,
		Message:    "Rate limit exceeded",
		StatusCode: http.StatusTooManyRequests,
	}

	// ErrKeyUnavailable carries no detail on purpose: the decrypt step must
	// not tell callers why a ciphertext was rejected.
	ErrKeyUnavailable = &AppError{
		Code:       ErrCodeKeyUnavailable,
		Message:    "Signing key could not be recovered",
		StatusCode: http.StatusUnprocessableEntity,
	}
)

// New creates a new AppError
func New(code, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// NewWithDetail creates a new AppError with additional detail
func NewWithDetail(code, message, detail string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		Detail:     detail,
		StatusCode: statusCode,
	}
}

// WalletNotFound is raised when a permit is requested without a beneficiary wallet.
func WalletNotFound(issueID string) *AppError {
	return &AppError{
		Code:       ErrCodeWalletNotFound,
		Message:    "Wallet not found",
		Detail:     fmt.Sprintf("issue_id: %s", issueID),
		StatusCode: http.StatusNotFound,
	}
}

// KeyUnavailable returns the generic key recovery failure.
func KeyUnavailable() *AppError {
	return ErrKeyUnavailable
}

// SchemaValidation creates a request validation error for a single field
func SchemaValidation(field, reason string) *AppError {
	return &AppError{
		Code:       ErrCodeSchemaValidation,
		Message:    "Request failed validation",
		Detail:     fmt.Sprintf("%s: %s", field, reason),
		StatusCode: http.StatusBadRequest,
	}
}

// InvalidAmount wraps a decimal scaling failure
func InvalidAmount(amount string, cause error) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidAmount,
		Message:    "Amount cannot be represented in token units",
		Detail:     fmt.Sprintf("amount %q: %v", amount, cause),
		StatusCode: http.StatusBadRequest,
	}
}

// ChainNotSupported is returned when no RPC endpoint is configured for a network
func ChainNotSupported(networkID int64) *AppError {
	return &AppError{
		Code:       ErrCodeChainNotSupported,
		Message:    "Network is not supported",
		Detail:     fmt.Sprintf("network_id: %d", networkID),
		StatusCode: http.StatusBadRequest,
	}
}

// TokenMetadataFailed is returned when the token decimals lookup fails
func TokenMetadataFailed(token string) *AppError {
	return &AppError{
		Code:       ErrCodeTokenMetadataFailed,
		Message:    "Token metadata lookup failed",
		Detail:     fmt.Sprintf("token: %s", token),
		StatusCode: http.StatusBadGateway,
	}
}

// IsAppError checks if an error is an AppError
func IsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}
