package syncengine

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrAlreadyRunning   = errors.New("backfill already in progress")
	ErrUnknownChannel   = errors.New("unknown notification channel")
	ErrDuplicateMessage = errors.New("duplicate delivery")
	ErrSyncTokenInvalid = errors.New("sync token invalid")
)

// NetworkError covers connectivity failures and timeouts on outbound
// provider calls.
type NetworkError struct {
	Message string
}

func (e *NetworkError) Error() string {
	return e.Message
}

// RateLimitError covers provider throttling responses.
type RateLimitError struct {
	Message string
}

func (e *RateLimitError) Error() string {
	return e.Message
}

// ValidationError covers malformed input and schema mismatches. Never
// retried.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// NotFoundError covers a missing counterpart record on a provider.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// PropertyConflictError reports an existing property whose type is
// incompatible with the logical field it was mapped to.
type PropertyConflictError struct {
	Field        string
	PropertyName string
	ExpectedType PropertyType
	ActualType   PropertyType
}

func (e *PropertyConflictError) Error() string {
	return fmt.Sprintf("property %q for field %q has type %s, expected %s",
		e.PropertyName, e.Field, e.ActualType, e.ExpectedType)
}

var retryableSignatures = []string{
	"econnrefused",
	"econnreset",
	"etimedout",
	"timeout",
	"timed out",
	"connection refused",
	"connection reset",
	"no such host",
	"rate limit",
	"too many requests",
	"429",
}

// IsRetryableError classifies an error as worth retrying based purely on
// its type and message content, never on call site.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return true
	}
	var re *RateLimitError
	if errors.As(err, &re) {
		return true
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return false
	}
	var ce *PropertyConflictError
	if errors.As(err, &ce) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range retryableSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}
