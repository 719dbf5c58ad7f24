package errors

import (
	"errors"
	"fmt"
	"time"
)

// Credential errors

// CredentialKind identifies why a credential operation failed.
type CredentialKind string

const (
	CredentialExpired       CredentialKind = "expired"
	CredentialDeactivated   CredentialKind = "deactivated"
	CredentialRefreshFailed CredentialKind = "refresh_failed"
	CredentialInvalidState  CredentialKind = "invalid_state"
)

type CredentialError struct {
	Kind      CredentialKind
	SessionID string
	Err       error
}

func (e *CredentialError) Error() string {
	msg := fmt.Sprintf("credential %s", e.Kind)
	if e.SessionID != "" {
		msg += fmt.Sprintf(" (session %s)", e.SessionID)
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

func (e *CredentialError) Unwrap() error {
	return e.Err
}

// CredentialKindOf returns the credential error kind, or "" when err is not
// a CredentialError.
func CredentialKindOf(err error) CredentialKind {
	var ce *CredentialError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// Provider errors

// ProviderKind classifies a storage-provider response. Kinds are decided
// from the response status, never by matching message text.
type ProviderKind string

const (
	ProviderRateLimited  ProviderKind = "rate_limited"
	ProviderTransient    ProviderKind = "transient"
	ProviderInvalidGrant ProviderKind = "invalid_grant"
)

type ProviderError struct {
	Kind       ProviderKind
	Op         string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("provider %s during %s", e.Kind, e.Op)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsRateLimited reports whether err is a rate-limit provider error.
func IsRateLimited(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Kind == ProviderRateLimited
}

// IsInvalidGrant reports whether err means the refresh token was revoked.
func IsInvalidGrant(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Kind == ProviderInvalidGrant
}

// RetryAfterOf returns the provider-advertised retry delay, or zero when
// err carries none.
func RetryAfterOf(err error) time.Duration {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}

// IsRetryable reports whether the executor may retry err. Invalid grant is
// terminal; everything else at the provider boundary is retried.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind != ProviderInvalidGrant
	}
	return true
}

// Config errors

type ConfigKind string

const (
	ConfigInvalidInterval    ConfigKind = "invalid_interval"
	ConfigMissingCredentials ConfigKind = "missing_credentials"
)

type ConfigError struct {
	Kind  ConfigKind
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config %s", e.Kind)
	if e.Field != "" {
		msg += fmt.Sprintf(" (%s)", e.Field)
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ConfigKindOf returns the config error kind, or "" when err is not a
// ConfigError.
func ConfigKindOf(err error) ConfigKind {
	var ce *ConfigError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// Validation errors

type ValidationKind string

const (
	ValidationMissingConfirmation ValidationKind = "missing_confirmation"
)

type ValidationError struct {
	Kind  ValidationKind
	Field string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation %s: %s", e.Kind, e.Field)
	}
	return fmt.Sprintf("validation %s", e.Kind)
}

// IsMissingConfirmation reports whether err is a missing-confirmation
// validation error.
func IsMissingConfirmation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve) && ve.Kind == ValidationMissingConfirmation
}

// Store errors

type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.Key)
}

type ErrDuplicateSession struct {
	SessionID string
}

func (e *ErrDuplicateSession) Error() string {
	return fmt.Sprintf("persistent session id already exists: %s", e.SessionID)
}

type ErrDatabaseOpen struct {
	Path string
	Err  error
}

func (e *ErrDatabaseOpen) Error() string {
	return fmt.Sprintf("failed to open database %s: %v", e.Path, e.Err)
}

func (e *ErrDatabaseOpen) Unwrap() error {
	return e.Err
}

type ErrDatabaseMigration struct {
	Version int
	Err     error
}

func (e *ErrDatabaseMigration) Error() string {
	return fmt.Sprintf("database migration %d failed: %v", e.Version, e.Err)
}

func (e *ErrDatabaseMigration) Unwrap() error {
	return e.Err
}

type ErrDatabaseQuery struct {
	Operation string
	Err       error
}

func (e *ErrDatabaseQuery) Error() string {
	return fmt.Sprintf("database query failed for operation %s: %v", e.Operation, e.Err)
}

func (e *ErrDatabaseQuery) Unwrap() error {
	return e.Err
}

// Config file errors

type ErrConfigNotFound struct {
	Path string
}

func (e *ErrConfigNotFound) Error() string {
	return fmt.Sprintf("config file not found: %s", e.Path)
}

type ErrConfigParse struct {
	Err error
}

func (e *ErrConfigParse) Error() string {
	return fmt.Sprintf("failed to parse YAML: %v", e.Err)
}

func (e *ErrConfigParse) Unwrap() error {
	return e.Err
}

type ErrFileRead struct {
	Path string
	Err  error
}

func (e *ErrFileRead) Error() string {
	return fmt.Sprintf("failed to read file %s: %v", e.Path, e.Err)
}

func (e *ErrFileRead) Unwrap() error {
	return e.Err
}
