// Package protocol defines the Connected Services response envelope
// constants and the error taxonomy shared by the connector and the account
// façade.
package protocol

import (
	"errors"
	"fmt"
)

// Response envelope constants.
const (
	// StateSuccess is the envelope discriminator for a successful response.
	StateSuccess = "S"
	// ResultCodeSuccess is the application-level result code for a
	// successful remote operation.
	ResultCodeSuccess = "200S00"
)

// Numeric error codes returned by the backend.
const (
	CodeEncryptionRejected = 600001
	CodeTokenExpired       = 600002
	CodeRemoteServiceError = 920000
)

// Extra codes qualifying CodeRemoteServiceError.
const (
	ExtraRequestInProgress = "400S01"
	ExtraEngineStartLimit  = "400S11"
)

// Error exposes methods useful for categorizing errors.
type Error interface {
	error

	// MayHaveSucceeded returns true if the error was triggered by an
	// operation that might have been executed. For example, if the client
	// times out waiting for a door-lock response, it cannot tell whether the
	// backend dispatched the command.
	MayHaveSucceeded() bool

	// Temporary returns true if the error might be the result of a transient
	// condition that a retry (possibly after corrective action) can resolve.
	Temporary() bool
}

var (
	// ErrAuthenticationFailed indicates the backend rejected the account
	// credentials. Terminal: the user must re-enter credentials.
	ErrAuthenticationFailed = NewError("invalid email or password", false, false)

	// ErrAccountLocked indicates a vendor-imposed account lockout. Terminal
	// until the lockout expires or the user contacts the vendor.
	ErrAccountLocked = NewError("account is locked", false, false)

	// ErrLoginFailed indicates a login attempt failed for an unrecognized
	// reason; unlike bad credentials this is worth retrying.
	ErrLoginFailed = NewError("login failed", false, true)

	// ErrMissingEncryptionKey indicates a request needed session keys that
	// were not present. Internal; the connector fetches keys before use.
	ErrMissingEncryptionKey = errors.New("missing encryption key")

	// ErrBadResponse indicates the backend returned an unparseable envelope.
	ErrBadResponse = errors.New("invalid response from server")

	// ErrConfiguration indicates invalid client construction parameters,
	// such as an unsupported region or missing credentials.
	ErrConfiguration = errors.New("invalid configuration")
)

// CommandError is the general-purpose Error implementation.
type CommandError struct {
	Err               error
	PossibleSuccess   bool
	PossibleTemporary bool
}

// NewError creates an error with the given categorization.
func NewError(message string, mayHaveSucceeded bool, temporary bool) error {
	return &CommandError{Err: errors.New(message), PossibleSuccess: mayHaveSucceeded, PossibleTemporary: temporary}
}

func (e *CommandError) Error() string {
	return e.Err.Error()
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

func (e *CommandError) MayHaveSucceeded() bool {
	return e.PossibleSuccess
}

func (e *CommandError) Temporary() bool {
	return e.PossibleTemporary
}

// ProtocolError represents a backend rejection that the connector can heal
// itself: re-fetching session keys, re-logging in, or waiting out a
// server-side in-progress conflict.
type ProtocolError struct {
	Code  int
	Extra string
}

func (e *ProtocolError) Error() string {
	switch {
	case e.Code == CodeEncryptionRejected:
		return "server rejected encrypted request"
	case e.Code == CodeTokenExpired:
		return "access token expired"
	case e.Code == CodeRemoteServiceError && e.Extra == ExtraRequestInProgress:
		return "another request is already in progress for this account"
	}
	return fmt.Sprintf("server returned error code %d (%s)", e.Code, e.Extra)
}

func (e *ProtocolError) MayHaveSucceeded() bool { return false }
func (e *ProtocolError) Temporary() bool        { return true }

// EncryptionRejected reports whether the backend invalidated the session
// keys.
func (e *ProtocolError) EncryptionRejected() bool { return e.Code == CodeEncryptionRejected }

// TokenExpired reports whether the backend invalidated the access token.
func (e *ProtocolError) TokenExpired() bool { return e.Code == CodeTokenExpired }

// RequestInProgress reports a server-side overlapping-request conflict.
func (e *ProtocolError) RequestInProgress() bool {
	return e.Code == CodeRemoteServiceError && e.Extra == ExtraRequestInProgress
}

// BusinessRuleError represents a hard limit imposed by the backend that is
// unrelated to network conditions, such as the consecutive remote
// engine-start cap. Not retried.
type BusinessRuleError struct {
	Rule string
}

func (e *BusinessRuleError) Error() string          { return e.Rule }
func (e *BusinessRuleError) MayHaveSucceeded() bool { return false }
func (e *BusinessRuleError) Temporary() bool        { return false }

// TransientError wraps a network-level failure: connection reset, timeout,
// DNS. Retried with backoff.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient network error: " + e.Err.Error()
}
func (e *TransientError) Unwrap() error          { return e.Err }
func (e *TransientError) MayHaveSucceeded() bool { return true }
func (e *TransientError) Temporary() bool        { return true }

// RetryLimitError is returned once the retry budget for a request is
// exhausted. It unwraps to the last underlying cause.
type RetryLimitError struct {
	Attempts int
	Err      error
}

func (e *RetryLimitError) Error() string {
	return fmt.Sprintf("request exceeded max number of retries (%d): %s", e.Attempts, e.Err)
}
func (e *RetryLimitError) Unwrap() error          { return e.Err }
func (e *RetryLimitError) MayHaveSucceeded() bool { return MayHaveSucceeded(e.Err) }
func (e *RetryLimitError) Temporary() bool        { return false }

// MayHaveSucceeded returns true if err indicates the operation may have been
// executed even though the client did not receive a confirmation.
func MayHaveSucceeded(err error) bool {
	var catErr Error
	return errors.As(err, &catErr) && catErr.MayHaveSucceeded()
}

// Temporary returns true if err is categorized as possibly transient.
func Temporary(err error) bool {
	var catErr Error
	return errors.As(err, &catErr) && catErr.Temporary()
}

// Terminal returns true if err requires user intervention: bad credentials
// or a vendor account lockout. These propagate to the caller untouched.
func Terminal(err error) bool {
	return errors.Is(err, ErrAuthenticationFailed) || errors.Is(err, ErrAccountLocked)
}
