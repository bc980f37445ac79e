package budget

import "fmt"

// UnauthenticatedError maps to job code PRIVACY_BUDGET_AUTHENTICATION_ERROR.
type UnauthenticatedError struct{ Cause error }

func (e *UnauthenticatedError) Error() string { return fmt.Sprintf("privacy budget client unauthenticated: %v", e.Cause) }
func (e *UnauthenticatedError) Unwrap() error { return e.Cause }

// UnauthorizedError maps to job code PRIVACY_BUDGET_AUTHORIZATION_ERROR.
type UnauthorizedError struct{ Cause error }

func (e *UnauthorizedError) Error() string { return fmt.Sprintf("privacy budget client unauthorized: %v", e.Cause) }
func (e *UnauthorizedError) Unwrap() error { return e.Cause }

// TransportError is any other failure talking to the ledger (timeouts,
// connection refused, 5xx after retries).
type TransportError struct{ Cause error }

func (e *TransportError) Error() string { return fmt.Sprintf("privacy budget transport error: %v", e.Cause) }
func (e *TransportError) Unwrap() error { return e.Cause }
