package store

import (
	"sync"
	"time"

	"github.com/drivesentry/drivesentry/internal/errors"
	"github.com/drivesentry/drivesentry/internal/models"
)

// MemoryStore provides an in-memory implementation of Store.
// It is thread-safe and supports concurrent access.
type MemoryStore struct {
	mu          sync.RWMutex
	credentials map[string]*models.Credential // key: userID
	sessions    map[string]string             // sessionID -> userID
	states      map[string]*models.OAuthState // key: state nonce
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		credentials: make(map[string]*models.Credential),
		sessions:    make(map[string]string),
		states:      make(map[string]*models.OAuthState),
	}
}

// Credential operations

// SaveCredential inserts or updates a credential keyed by user ID
func (s *MemoryStore) SaveCredential(cred *models.Credential) error {
	if err := cred.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if owner, ok := s.sessions[cred.SessionID]; ok && owner != cred.UserID {
		return &errors.ErrDuplicateSession{SessionID: cred.SessionID}
	}

	next := cred.Clone()
	if prev, ok := s.credentials[cred.UserID]; ok {
		if prev.SessionID != cred.SessionID {
			delete(s.sessions, prev.SessionID)
		}
		// Quota snapshot columns belong to UpdateQuota; an update keeps
		// whatever the monitor last wrote.
		next.DriveQuotaTotal = copyInt64(prev.DriveQuotaTotal)
		next.DriveQuotaUsed = copyInt64(prev.DriveQuotaUsed)
		next.LastQuotaCheck = copyTime(prev.LastQuotaCheck)
		next.QuotaWarningLevel = prev.QuotaWarningLevel
		next.QuotaWarningsSent = copyWarnings(prev.QuotaWarningsSent)
	}

	s.credentials[cred.UserID] = next
	s.sessions[cred.SessionID] = cred.UserID
	return nil
}

// UpdateQuota writes the quota snapshot of an existing credential
func (s *MemoryStore) UpdateQuota(userID string, update QuotaUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.credentials[userID]
	if !ok {
		return &errors.ErrNotFound{Entity: "credential", Key: userID}
	}

	cred.DriveQuotaTotal = copyInt64(update.Total)
	cred.DriveQuotaUsed = copyInt64(update.Used)
	checkedAt := update.CheckedAt
	cred.LastQuotaCheck = &checkedAt
	cred.QuotaWarningLevel = update.Level
	cred.QuotaWarningsSent = copyWarnings(update.Warnings)
	cred.UpdatedAt = time.Now()
	return nil
}

func copyInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}

func copyTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}

func copyWarnings(recs []models.AlertRecord) []models.AlertRecord {
	if recs == nil {
		return nil
	}
	cp := make([]models.AlertRecord, len(recs))
	copy(cp, recs)
	return cp
}

// GetCredential retrieves a credential by user ID
func (s *MemoryStore) GetCredential(userID string) (*models.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cred, ok := s.credentials[userID]
	if !ok {
		return nil, &errors.ErrNotFound{Entity: "credential", Key: userID}
	}
	return cred.Clone(), nil
}

// GetCredentialBySession retrieves a credential by its persistent session ID
func (s *MemoryStore) GetCredentialBySession(sessionID string) (*models.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	userID, ok := s.sessions[sessionID]
	if !ok {
		return nil, &errors.ErrNotFound{Entity: "credential", Key: sessionID}
	}
	cred, ok := s.credentials[userID]
	if !ok {
		return nil, &errors.ErrNotFound{Entity: "credential", Key: sessionID}
	}
	return cred.Clone(), nil
}

// ListCredentials returns all credentials
func (s *MemoryStore) ListCredentials() ([]*models.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*models.Credential, 0, len(s.credentials))
	for _, cred := range s.credentials {
		result = append(result, cred.Clone())
	}
	return result, nil
}

// ListActiveCredentials returns only credentials with is_active set
func (s *MemoryStore) ListActiveCredentials() ([]*models.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.Credential
	for _, cred := range s.credentials {
		if cred.IsActive {
			result = append(result, cred.Clone())
		}
	}
	return result, nil
}

// DeleteCredential removes a credential by user ID
func (s *MemoryStore) DeleteCredential(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.credentials[userID]
	if !ok {
		return &errors.ErrNotFound{Entity: "credential", Key: userID}
	}
	delete(s.sessions, cred.SessionID)
	delete(s.credentials, userID)
	return nil
}

// OAuth state operations

// SaveOAuthState persists a pending OAuth authorization nonce
func (s *MemoryStore) SaveOAuthState(state *models.OAuthState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *state
	s.states[state.State] = &cp
	return nil
}

// ConsumeOAuthState retrieves and deletes a state nonce in a single operation
func (s *MemoryStore) ConsumeOAuthState(state string) (*models.OAuthState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[state]
	if !ok {
		return nil, &errors.ErrNotFound{Entity: "oauth state", Key: state}
	}
	delete(s.states, state)

	if st.Expired(time.Now()) {
		return nil, &errors.ErrNotFound{Entity: "oauth state", Key: state}
	}
	cp := *st
	return &cp, nil
}

// DeleteExpiredOAuthStates removes nonces that expired before now
func (s *MemoryStore) DeleteExpiredOAuthStates(now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for key, st := range s.states {
		if st.Expired(now) {
			delete(s.states, key)
			deleted++
		}
	}
	return deleted, nil
}

// Close is a no-op for the memory store
func (s *MemoryStore) Close() error {
	return nil
}
