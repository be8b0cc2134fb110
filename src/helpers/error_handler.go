package helpers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"market-relay/src/logger"

	"github.com/pkg/errors"
)

// -----------------------------------------------------------------------------
// Custom Error Types
// -----------------------------------------------------------------------------

type MarketRelayError struct {
	Message string
	Cause   error
}

func (e *MarketRelayError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *MarketRelayError) Unwrap() error {
	return e.Cause
}

// Distinct error types, matched with errors.As.
type ConfigurationError struct{ MarketRelayError }
type TransportError struct{ MarketRelayError }
type LifecycleError struct{ MarketRelayError }
type StorageError struct{ MarketRelayError }

// ClassificationReason says why an upstream frame produced no event.
type ClassificationReason string

const (
	ReasonMalformed            ClassificationReason = "malformed"
	ReasonUnknownInstrument    ClassificationReason = "unknown_instrument"
	ReasonUnmatchedCorrelation ClassificationReason = "unmatched_correlation"
)

type ClassificationError struct {
	MarketRelayError
	Reason ClassificationReason
}

// -----------------------------------------------------------------------------
// Constructors
// -----------------------------------------------------------------------------

func wrapCause(cause error) error {
	if cause == nil {
		return nil
	}
	return errors.WithStack(cause)
}

func NewConfigurationError(msg string, cause error) error {
	return &ConfigurationError{MarketRelayError{Message: msg, Cause: wrapCause(cause)}}
}

func NewTransportError(msg string, cause error) error {
	return &TransportError{MarketRelayError{Message: msg, Cause: wrapCause(cause)}}
}

func NewLifecycleError(msg string, cause error) error {
	return &LifecycleError{MarketRelayError{Message: msg, Cause: wrapCause(cause)}}
}

func NewStorageError(msg string, cause error) error {
	return &StorageError{MarketRelayError{Message: msg, Cause: wrapCause(cause)}}
}

func NewClassificationError(reason ClassificationReason, msg string, cause error) error {
	return &ClassificationError{
		MarketRelayError: MarketRelayError{Message: msg, Cause: wrapCause(cause)},
		Reason:           reason,
	}
}

// -----------------------------------------------------------------------------

// ErrorCategory returns the taxonomy bucket of err, or "other".
func ErrorCategory(err error) string {
	var (
		ce  *ClassificationError
		te  *TransportError
		le  *LifecycleError
		cfg *ConfigurationError
		se  *StorageError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ce):
		return "classification"
	case errors.As(err, &te):
		return "transport"
	case errors.As(err, &le):
		return "lifecycle"
	case errors.As(err, &cfg):
		return "configuration"
	case errors.As(err, &se):
		return "storage"
	default:
		return "other"
	}
}

// ClassificationReasonOf extracts the reason of a classification error.
func ClassificationReasonOf(err error) (ClassificationReason, bool) {
	var ce *ClassificationError
	if errors.As(err, &ce) {
		return ce.Reason, true
	}
	return "", false
}

// -----------------------------------------------------------------------------
// Retry Logic
// -----------------------------------------------------------------------------

// RetryWithBackoff attempts to execute the operation up to maxRetries times with exponential backoff.
func RetryWithBackoff[T any](ctx context.Context, log *logger.Logger, operation string, maxRetries int, baseDelay time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	if maxRetries < 1 {
		maxRetries = 1
	}

	for attempt := 0; attempt < maxRetries; attempt++ {
		res, err := fn()
		if err == nil {
			return res, nil
		}

		lastErr = err
		if attempt == maxRetries-1 {
			break
		}

		delay := baseDelay * (1 << attempt)
		if log != nil {
			log.Warning("Attempt %d/%d failed for %s: %v. Retrying in %v", attempt+1, maxRetries, operation, err, delay)
		}

		select {
		case <-ctx.Done():
			return zero, errors.Wrapf(ctx.Err(), "%s cancelled", operation)
		case <-time.After(delay):
		}
	}

	return zero, errors.Wrapf(lastErr, "%s failed after %d attempts", operation, maxRetries)
}

// -----------------------------------------------------------------------------
// Error Handler
// -----------------------------------------------------------------------------

// ErrorHandler logs non-fatal errors and keeps a count per category.
type ErrorHandler struct {
	Logger *logger.Logger

	mu     sync.Mutex
	counts map[string]int64
}

func NewErrorHandler(log *logger.Logger) *ErrorHandler {
	if log == nil {
		log = logger.NewLogger(nil, "ErrorHandler")
	}
	return &ErrorHandler{
		Logger: log,
		counts: make(map[string]int64),
	}
}

// -----------------------------------------------------------------------------

func (e *ErrorHandler) Handle(err error, context string) {
	if err == nil {
		return
	}

	category := ErrorCategory(err)
	e.mu.Lock()
	e.counts[category]++
	e.mu.Unlock()

	// Classification drops are routine; keep them below error level.
	if category == "classification" {
		e.Logger.Warning("Dropped frame in %s: %v", context, err)
		return
	}
	e.Logger.Error("Error in %s: %v", context, err)
}

// -----------------------------------------------------------------------------

// Counts returns a copy of the per-category error counters.
func (e *ErrorHandler) Counts() map[string]int64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]int64, len(e.counts))
	for k, v := range e.counts {
		out[k] = v
	}
	return out
}
