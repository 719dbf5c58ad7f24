package store

import (
	"time"

	"github.com/drivesentry/drivesentry/internal/models"
)

// QuotaUpdate carries the quota snapshot columns written by UpdateQuota.
type QuotaUpdate struct {
	Total     *int64
	Used      *int64
	CheckedAt time.Time
	Level     models.WarningLevel
	Warnings  []models.AlertRecord
}

// Store is the persistence interface for credentials and OAuth flow state.
// Implementations must be safe for concurrent use.
//
// Credential rows have two column families written by different goroutines:
// token lifecycle fields (SaveCredential, serialized by the auth manager)
// and the quota snapshot (UpdateQuota, written by the monitor). On update
// SaveCredential leaves the quota columns untouched and UpdateQuota writes
// only them, so the two writers cannot clobber each other.
type Store interface {
	// SaveCredential inserts or updates a credential keyed by user ID.
	// On update the stored quota snapshot columns are preserved; use
	// UpdateQuota to change them. Inserting a second credential with an
	// existing session ID fails with ErrDuplicateSession.
	SaveCredential(cred *models.Credential) error

	// UpdateQuota writes the quota snapshot columns of an existing
	// credential without touching its token lifecycle fields. Unknown
	// user IDs return ErrNotFound.
	UpdateQuota(userID string, update QuotaUpdate) error

	// GetCredential retrieves a credential by user ID.
	GetCredential(userID string) (*models.Credential, error)

	// GetCredentialBySession retrieves a credential by its persistent
	// session ID.
	GetCredentialBySession(sessionID string) (*models.Credential, error)

	// ListCredentials returns all credentials, active or not.
	ListCredentials() ([]*models.Credential, error)

	// ListActiveCredentials returns only credentials with is_active set.
	ListActiveCredentials() ([]*models.Credential, error)

	// DeleteCredential removes a credential by user ID.
	DeleteCredential(userID string) error

	// SaveOAuthState persists a pending OAuth authorization nonce.
	SaveOAuthState(state *models.OAuthState) error

	// ConsumeOAuthState retrieves and deletes a state nonce in a single
	// operation so each nonce is usable exactly once. Expired or unknown
	// nonces return ErrNotFound.
	ConsumeOAuthState(state string) (*models.OAuthState, error)

	// DeleteExpiredOAuthStates removes nonces that expired before now and
	// returns how many were deleted.
	DeleteExpiredOAuthStates(now time.Time) (int, error)

	// Close releases any underlying resources.
	Close() error
}
