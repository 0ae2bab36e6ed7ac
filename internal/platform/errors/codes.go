// Package errors provides structured error handling with machine-readable codes.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Access errors
	CodeUnauthenticated Code = "UNAUTHENTICATED"
	CodeForbidden       Code = "FORBIDDEN"

	// Input errors
	CodeValidation Code = "VALIDATION"

	// Lookup errors
	CodeNotFound Code = "NOT_FOUND"
	CodeExpired  Code = "EXPIRED"

	// SSO errors
	CodeSsoDisabled      Code = "SSO_DISABLED"
	CodeSsoMisconfigured Code = "SSO_MISCONFIGURED"
	CodeProviderError    Code = "PROVIDER_ERROR"
	CodeNotAuthorized    Code = "NOT_AUTHORIZED"
	CodeNotProvisioned   Code = "NOT_PROVISIONED"

	// State errors
	CodeConflict Code = "CONFLICT"

	// Internal errors
	CodeInternal Code = "INTERNAL"
)

// HTTPStatus maps domain codes to HTTP status codes.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeForbidden, CodeNotAuthorized, CodeNotProvisioned:
		return http.StatusForbidden
	case CodeValidation, CodeSsoDisabled, CodeExpired:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeProviderError:
		return http.StatusBadGateway
	case CodeSsoMisconfigured:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
