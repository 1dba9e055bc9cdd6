package connector

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

var (
	// ErrCircuitOpen is matched by *CircuitOpenError.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrOperationInProgress reports contention on a per-meeting lock. Callers
	// should back off instead of spinning.
	ErrOperationInProgress = errors.New("connector operation already in progress")
	// ErrConnectorCallFailed is matched by *CallError once every attempt of a
	// connector call has failed.
	ErrConnectorCallFailed = errors.New("connector call failed")
	// ErrInvalidUpstreamPayload marks a live chunk batch whose overall shape
	// is wrong. It fails that pull only.
	ErrInvalidUpstreamPayload = errors.New("invalid upstream payload")
	// ErrUnknownProvider is returned when no connector is registered for a
	// provider name.
	ErrUnknownProvider = errors.New("unknown connector provider")
)

// CircuitOpenError rejects a call while the breaker cools down.
type CircuitOpenError struct {
	Provider   string
	Operation  string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("%s circuit breaker is open, %s rejected, retry after %ds", e.Provider, e.Operation, int(e.RetryAfter.Round(time.Second)/time.Second))
}

func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// CallError carries the outcome of a connector call that failed on every
// attempt.
type CallError struct {
	Op       string
	Attempts int
	State    SessionState
	Err      error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("connector %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *CallError) Is(target error) bool {
	return target == ErrConnectorCallFailed
}

func (e *CallError) Unwrap() error {
	return e.Err
}

const maxErrorLen = 300

func truncateError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) <= maxErrorLen {
		return msg
	}
	cut := maxErrorLen
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}
