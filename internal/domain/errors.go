package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrAuthExpired = errors.New("auth expired")
)

// ValidationError rejects a single malformed or unlinkable raw record.
type ValidationError struct {
	Entity     string
	ExternalID string
	Field      string
	Reason     string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s %q: %s %s", e.Entity, e.ExternalID, e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Entity, e.ExternalID, e.Reason)
}

// ProviderError is a network or HTTP failure talking to an external system.
type ProviderError struct {
	Provider   Provider
	Operation  string
	HTTPStatus int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("%s %s: http %d: %v", e.Provider, e.Operation, e.HTTPStatus, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Operation, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// AuthExpiredError means the realm needs out-of-band re-authorization.
type AuthExpiredError struct {
	RealmID string
	Err     error
}

func (e *AuthExpiredError) Error() string {
	return fmt.Sprintf("realm %s: auth expired: %v", e.RealmID, e.Err)
}

func (e *AuthExpiredError) Is(target error) bool { return target == ErrAuthExpired }

func (e *AuthExpiredError) Unwrap() error { return e.Err }

// ConcurrencyConflictError means two writers targeted the same entity key.
type ConcurrencyConflictError struct {
	Entity string
	Key    string
	Err    error
}

func (e *ConcurrencyConflictError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("concurrent write to %s %s: %v", e.Entity, e.Key, e.Err)
	}
	return fmt.Sprintf("concurrent write to %s %s", e.Entity, e.Key)
}

func (e *ConcurrencyConflictError) Unwrap() error { return e.Err }

func IsConflict(err error) bool {
	var ce *ConcurrencyConflictError
	return errors.As(err, &ce)
}
