package domain

import (
	"errors"
	"strconv"
)

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// NetworkError represents a network-related error that may be retriable
type NetworkError struct {
	Op        string // Operation that failed (e.g., "connect", "read", "write")
	Err       error  // Underlying error
	Retriable bool   // Whether this error is retriable
}

func (e *NetworkError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) IsRetriable() bool {
	return e.Retriable
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new retriable network error
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: true}
}

// NewFatalNetworkError creates a non-retriable network error
func NewFatalNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: false}
}

// AmbiguousError is returned when a mutating command may or may not have
// reached the venue (timeout, dropped connection after send). The caller
// must query by ClientID before deciding anything.
type AmbiguousError struct {
	Op       string
	ClientID string
	Err      error
}

func (e *AmbiguousError) Error() string {
	return "ambiguous " + e.Op + " [" + e.ClientID + "]: " + e.Err.Error()
}

// IsRetriable is false: a blind retry could double the exposure.
func (e *AmbiguousError) IsRetriable() bool {
	return false
}

func (e *AmbiguousError) Unwrap() error {
	return e.Err
}

// IsAmbiguous reports whether err carries an unknown command outcome.
func IsAmbiguous(err error) bool {
	var ae *AmbiguousError
	return errors.As(err, &ae)
}

// RejectError is a definitive rejection by the venue.
type RejectError struct {
	Code   int64
	Reason string
}

func (e *RejectError) Error() string {
	return "venue rejected (" + strconv.FormatInt(e.Code, 10) + "): " + e.Reason
}

func (e *RejectError) IsRetriable() bool {
	return false
}

// IsRejected reports whether err is a venue rejection.
func IsRejected(err error) bool {
	var re *RejectError
	return errors.As(err, &re)
}

// FatalError stops the pipeline of a single symbol.
type FatalError struct {
	Symbol string
	Err    error
}

func (e *FatalError) Error() string {
	return "fatal [" + e.Symbol + "]: " + e.Err.Error()
}

func (e *FatalError) IsRetriable() bool {
	return false
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// rateLimitedError marks a throttled call. It is retriable after cooldown.
type rateLimitedError struct{}

func (rateLimitedError) Error() string     { return "rate limited" }
func (rateLimitedError) IsRetriable() bool { return true }

var (
	// ErrConnectionFailed is returned when websocket connection fails. It's usually retriable.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrInvalidSymbol is returned when a symbol is not supported or malformed. Not retriable.
	ErrInvalidSymbol = errors.New("invalid symbol")

	// ErrConfigNotFound is returned when configuration file is missing
	ErrConfigNotFound = errors.New("configuration not found")

	// ErrRateLimited is returned when the venue throttles us or a non-blocking
	// acquire finds the bucket empty.
	ErrRateLimited error = rateLimitedError{}

	// ErrExceedsCapacity means a single acquire asks for more tokens than the bucket holds.
	ErrExceedsCapacity = errors.New("request exceeds bucket capacity")

	// ErrOrderNotFound is returned by a status query when the venue has no such order.
	ErrOrderNotFound = errors.New("order not found")

	// ErrHalted is returned when trading is halted by the risk layer.
	ErrHalted = errors.New("trading halted")

	// ErrSequenceGap is returned when a book diff does not follow the last applied sequence.
	ErrSequenceGap = errors.New("sequence gap")

	// ErrBookNotReady is returned when a book is read before its first snapshot.
	ErrBookNotReady = errors.New("book not ready")

	// ErrInconsistentTransition is returned when an order in a terminal state is asked to move.
	ErrInconsistentTransition = errors.New("inconsistent order transition")

	// ErrDuplicateClientID is returned when a client id is reused for a different order.
	ErrDuplicateClientID = errors.New("duplicate client id")
)
