// Package handlers defines the HTTP error codes returned by the settlement API.
//
// Every error response carries one of these codes in the ErrorResponse
// envelope (see response.go). Clients branch on the code; the message is for
// humans.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "invalid_amount",
//	  "message": "amount must be greater than zero with at most 4 decimal places and 16 integer digits"
//	}
package handlers

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodePayloadTooLarge  = "payload_too_large"

	// Domain-specific:
	ErrCodeValidation          = "validation_error"
	ErrCodeInvalidAmount       = "invalid_amount"
	ErrCodeAccountNotFound     = "account_not_found"
	ErrCodeDispatchUnavailable = "dispatch_unavailable"
	ErrCodeNotDispatchable     = "not_dispatchable"
)
