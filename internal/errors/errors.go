// Package errors defines the coded error type shared by every escrow module.
// Codes carry default severity, retry and alert attributes; callers attach
// metadata and overrides through options.
package errors

import (
	stdErrors "errors"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// Code identifies a stable error kind.
type Code string

// Severity drives alerting and audit levels.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes holds the default behaviour of a code.
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
}

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeRetriesExhausted      Code = "RETRIES_EXHAUSTED"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeTimeout               Code = "TIMEOUT"

	CodeInvalidAmount          Code = "INVALID_AMOUNT"
	CodeAssetNotFound          Code = "ASSET_NOT_FOUND"
	CodePoolUnavailable        Code = "POOL_UNAVAILABLE"
	CodeNoActivePool           Code = "NO_ACTIVE_POOL"
	CodeUnauthorized           Code = "UNAUTHORIZED"
	CodeInvalidState           Code = "INVALID_STATE"
	CodeRateLimited            Code = "RATE_LIMITED"
	CodeLedgerRejected         Code = "LEDGER_REJECTED"
	CodeConfirmationTimeout    Code = "CONFIRMATION_TIMEOUT"
	CodeReconciliationConflict Code = "RECONCILIATION_CONFLICT"
	CodeInsufficientFunds      Code = "INSUFFICIENT_FUNDS"
	CodeMathOverflow           Code = "MATH_OVERFLOW"
)

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:               {Message: "unknown error", Severity: SeverityCritical, Alert: true},
		CodeInvalidArgument:       {Message: "invalid argument", Severity: SeverityInfo},
		CodeNotFound:              {Message: "resource not found", Severity: SeverityInfo},
		CodeConflict:              {Message: "resource conflict", Severity: SeverityWarning},
		CodeRetriesExhausted:      {Message: "retries exhausted", Severity: SeverityWarning, Alert: true},
		CodeInitializationFailure: {Message: "service not initialized", Severity: SeverityWarning, Retryable: true, Alert: true},
		CodeStorageFailure:        {Message: "storage failure", Severity: SeverityCritical, Retryable: true, Alert: true},
		CodeQueueFailure:          {Message: "queue failure", Severity: SeverityCritical, Retryable: true, Alert: true},
		CodeTimeout:               {Message: "operation timed out", Severity: SeverityWarning, Retryable: true, Alert: true},

		CodeInvalidAmount:          {Message: "amount must be greater than zero", Severity: SeverityInfo},
		CodeAssetNotFound:          {Message: "asset not found", Severity: SeverityInfo},
		CodePoolUnavailable:        {Message: "pool is paused", Severity: SeverityInfo},
		CodeNoActivePool:           {Message: "no active pool", Severity: SeverityWarning},
		CodeUnauthorized:           {Message: "signer is not authorized", Severity: SeverityInfo},
		CodeInvalidState:           {Message: "invalid transfer state", Severity: SeverityInfo},
		CodeRateLimited:            {Message: "rate limited", Severity: SeverityInfo},
		CodeLedgerRejected:         {Message: "ledger rejected transaction", Severity: SeverityWarning},
		CodeConfirmationTimeout:    {Message: "confirmation not observed in time", Severity: SeverityWarning, Retryable: true},
		CodeReconciliationConflict: {Message: "mirror disagrees with ledger", Severity: SeverityCritical, Alert: true},
		CodeInsufficientFunds:      {Message: "insufficient funds", Severity: SeverityInfo},
		CodeMathOverflow:           {Message: "arithmetic overflow", Severity: SeverityCritical, Alert: true},
	}
)

// Register adds or replaces the attributes of a code.
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf returns the attributes of code, falling back to UNKNOWN.
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error is the coded error type.
type Error struct {
	code      Code
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool
	alert     *bool
	severity  *Severity
}

// Option customises an Error.
type Option func(*Error)

// WithMetadata attaches a key/value pair.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithRetryable overrides the retry attribute.
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithAlert overrides the alert attribute.
func WithAlert(alert bool) Option {
	return func(e *Error) {
		e.alert = &alert
	}
}

// WithSeverity overrides the severity.
func WithSeverity(sev Severity) Option {
	return func(e *Error) {
		e.severity = &sev
	}
}

const metadataRetryAfter = "retry_after_ms"

// WithRetryAfter records how long the caller must wait before retrying.
func WithRetryAfter(d time.Duration) Option {
	return WithMetadata(metadataRetryAfter, strconv.FormatInt(d.Milliseconds(), 10))
}

// New creates an error. An empty message uses the code's default.
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap creates an error with an underlying cause.
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

// Error implements error.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

// Unwrap implements errors.Unwrap.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.code == t.code
}

// Code returns the error code.
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message returns the human readable message.
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata returns a copy of the attached metadata.
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	clone := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		clone[k] = v
	}
	return clone
}

// Retryable reports whether the operation may be retried.
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	if e.retryable != nil {
		return *e.retryable
	}
	return AttributesOf(e.code).Retryable
}

// ShouldAlert reports whether the error must be dispatched to alerting.
func (e *Error) ShouldAlert() bool {
	if e == nil {
		return false
	}
	if e.alert != nil {
		return *e.alert
	}
	return AttributesOf(e.code).Alert
}

// Severity returns the effective severity.
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	if e.severity != nil {
		return *e.severity
	}
	return AttributesOf(e.code).Severity
}

// From extracts the outermost *Error from err.
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf returns the code of the outermost *Error in err.
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// RootCode returns the code of the innermost *Error in err. A ledger
// rejection wrapping an invalid state reports INVALID_STATE.
func RootCode(err error) Code {
	code := CodeUnknown
	for err != nil {
		if e, ok := err.(*Error); ok {
			code = e.code
		}
		err = stdErrors.Unwrap(err)
	}
	return code
}

// RetryableError reports whether err may be retried.
func RetryableError(err error) bool {
	if e, ok := From(err); ok {
		return e.Retryable()
	}
	return false
}

// ShouldAlert reports whether err must be dispatched to alerting.
func ShouldAlert(err error) bool {
	if e, ok := From(err); ok {
		return e.ShouldAlert()
	}
	return false
}

// SeverityOf returns the severity of err.
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}

// RetryAfterOf returns the retry-after hint attached to err, if any.
func RetryAfterOf(err error) (time.Duration, bool) {
	e, ok := From(err)
	if !ok {
		return 0, false
	}
	raw, ok := e.metadata[metadataRetryAfter]
	if !ok {
		return 0, false
	}
	ms, parseErr := strconv.ParseInt(raw, 10, 64)
	if parseErr != nil {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

// IsCode reports whether any *Error in the chain of err carries code.
func IsCode(err error, code Code) bool {
	return stdErrors.Is(err, &Error{code: code})
}
