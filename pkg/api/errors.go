package api

// Stable error code strings returned by the HTTP surface.
const (
	CodeInternal           = "internal_server_error"
	CodeInvalidRequest     = "invalid_request"
	CodeUnauthorized       = "unauthorized"
	CodeForbidden          = "forbidden"
	CodeNotFound           = "not_found"
	CodeTooManyRequests    = "too_many_requests"
	CodeAccountLocked      = "account_locked"
	CodeInvalidPIN         = "invalid_pin"
	CodeInvalidWebAuthn    = "invalid_webauthn"
	CodeServiceUnavailable = "service_unavailable"
)
