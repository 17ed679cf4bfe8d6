package errors

import (
	"github.com/decentcloud/dcledger/jsonx"
)

// APIErrorCode represents standardized error codes of the read API
type APIErrorCode string

const (
	ErrCodeInternal APIErrorCode = "internal_error"

	// Validation errors
	ErrCodeInvalidRequest   APIErrorCode = "invalid_request"
	ErrCodeInvalidKey       APIErrorCode = "invalid_key"
	ErrCodeInvalidPrincipal APIErrorCode = "invalid_principal"
	ErrCodeInvalidPosition  APIErrorCode = "invalid_position"
	ErrCodeMethodNotAllowed APIErrorCode = "method_not_allowed"

	// Lookup errors
	ErrCodeEntryNotFound APIErrorCode = "entry_not_found"
	ErrCodeBlockNotFound APIErrorCode = "block_not_found"

	// System errors
	ErrCodeRateLimited APIErrorCode = "rate_limited"
	ErrCodeUnavailable APIErrorCode = "unavailable"
)

// APIError is the JSON body of every failed API response.
type APIError struct {
	Code    APIErrorCode `json:"code"`
	Message string       `json:"message"`
}

func (e *APIError) Error() string {
	raw, _ := jsonx.Marshal(APIError{
		Code:    e.Code,
		Message: e.Message,
	})
	return string(raw)
}

// Error message constants - user-friendly and concise
const (
	ErrMsgInvalidRequest   = "Request format is invalid"
	ErrMsgMissingParam     = "Missing required parameter '%s'"
	ErrMsgInvalidKey       = "Key must be hex encoded"
	ErrMsgInvalidPrincipal = "Principal is not a valid base58 public key"
	ErrMsgInvalidPosition  = "Position must be a non-negative byte offset"
	ErrMsgMethodNotAllowed = "Method not allowed"
	ErrMsgEntryNotFound    = "Entry could not be found"
	ErrMsgBlockNotFound    = "No block at or after this position"
	ErrMsgInternal         = "Server error, please try again"
	ErrMsgRateLimited      = "Too many requests, please slow down"
	ErrMsgUnavailable      = "Derived state is being rebuilt, please try again"
)

// NewError creates a new APIError and returns it as error interface
func NewError(code APIErrorCode, message string) error {
	return &APIError{
		Code:    code,
		Message: message,
	}
}
