package models

// ErrorKind is the machine-readable error classification surfaced to
// clients as the "type" field of an error body or error frame.
type ErrorKind string

// Error kinds.
const (
	ErrAuthMissing      ErrorKind = "AuthMissing"
	ErrAuthInvalid      ErrorKind = "AuthInvalid"
	ErrAuthRevoked      ErrorKind = "AuthRevoked"
	ErrPermissionDenied ErrorKind = "PermissionDenied"
	ErrRateLimited      ErrorKind = "RateLimited"
	ErrBudgetExceeded   ErrorKind = "BudgetExceeded"
	ErrCostExceeded     ErrorKind = "CostExceeded"
	ErrTimeout          ErrorKind = "Timeout"
	ErrOverloaded       ErrorKind = "Overloaded"
	ErrInvalidRequest   ErrorKind = "InvalidRequest"
	ErrOutputMalformed  ErrorKind = "OutputMalformed"
	ErrChildExit        ErrorKind = "ChildExit"
	ErrUpstream         ErrorKind = "UpstreamError"
	ErrCancelled        ErrorKind = "Cancelled"
	ErrInternal         ErrorKind = "Internal"
)
