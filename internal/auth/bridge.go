package auth

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/google/uuid"

	"github.com/drivesentry/drivesentry/internal/errors"
	"github.com/drivesentry/drivesentry/internal/models"
)

// StateTTL is how long an OAuth authorization may stay pending. Grants
// older than this are rejected at the callback.
const StateTTL = 10 * time.Minute

// InitiateOAuth starts an authorization flow for the user. The state
// nonce is written to the durable store and mirrored in memory, so the
// callback survives a process restart as long as the store does.
func (m *Manager) InitiateOAuth(ctx context.Context, userID string) (string, error) {
	now := m.now()
	state := &models.OAuthState{
		State:     uuid.New().String(),
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(StateTTL),
	}

	if err := m.store.SaveOAuthState(state); err != nil {
		return "", err
	}
	m.rememberState(state)

	m.logger.InfoWithContext(ctx, "oauth flow initiated",
		"user_id", userID,
		"expires_at", state.ExpiresAt.Format(time.RFC3339),
	)
	return m.provider.AuthCodeURL(state.State), nil
}

// HandleOAuthCallback completes an authorization flow. The state nonce is
// looked up durable-first with the in-memory mirror as fallback, consumed
// exactly once, then the code is exchanged and the credential upserted.
func (m *Manager) HandleOAuthCallback(ctx context.Context, state, code string) (*models.Credential, error) {
	pending, err := m.consumeState(state)
	if err != nil {
		return nil, err
	}

	token, err := m.provider.Exchange(ctx, code)
	if err != nil {
		return nil, err
	}

	email, err := m.provider.UserEmail(ctx, token.AccessToken)
	if err != nil {
		m.logger.WarnWithContext(ctx, "could not resolve account email",
			"user_id", pending.UserID,
			"error", err.Error(),
		)
		email = ""
	}

	now := m.now()
	cred, err := m.store.GetCredential(pending.UserID)
	if err != nil {
		var notFound *errors.ErrNotFound
		if !stderrors.As(err, &notFound) {
			return nil, err
		}
		cred = &models.Credential{
			UserID:             pending.UserID,
			SessionID:          uuid.New().String(),
			IsPersistent:       true,
			AutoRefreshEnabled: true,
			MaxRefreshFailures: models.DefaultMaxRefreshFailures,
			QuotaWarningLevel:  models.WarningNone,
			CreatedAt:          now,
		}
	}

	// A re-grant reactivates a deactivated credential with a clean slate.
	cred.Email = email
	cred.AccessToken = token.AccessToken
	cred.RefreshToken = token.RefreshToken
	cred.TokenExpiresAt = token.Expiry
	cred.IsActive = true
	cred.DeactivatedReason = ""
	cred.DeactivatedAt = nil
	cred.RefreshAttempts = 0
	cred.LastRefreshAt = &now
	cred.UpdatedAt = now

	if err := m.store.SaveCredential(cred); err != nil {
		return nil, err
	}

	if m.metrics != nil {
		m.metrics.RecordCredentialActive(cred.SessionID, true)
	}
	m.logger.InfoWithContext(ctx, "oauth flow completed",
		"user_id", cred.UserID,
		"session_id", cred.SessionID,
		"email", cred.Email,
	)
	return cred, nil
}

func (m *Manager) rememberState(st *models.OAuthState) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	m.stateMirror[st.State] = st
}

// consumeState resolves and deletes a pending nonce, durable store first.
// Unknown, already-used and expired nonces all map to the same error so a
// caller cannot distinguish replay from expiry.
func (m *Manager) consumeState(state string) (*models.OAuthState, error) {
	pending, err := m.store.ConsumeOAuthState(state)
	if err == nil {
		m.forgetState(state)
		if pending.Expired(m.now()) {
			return nil, &errors.CredentialError{Kind: errors.CredentialInvalidState}
		}
		return pending, nil
	}

	m.stateMu.Lock()
	mirrored, ok := m.stateMirror[state]
	if ok {
		delete(m.stateMirror, state)
	}
	m.stateMu.Unlock()

	if ok && !mirrored.Expired(m.now()) {
		return mirrored, nil
	}
	return nil, &errors.CredentialError{
		Kind: errors.CredentialInvalidState,
		Err:  err,
	}
}

func (m *Manager) forgetState(state string) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	delete(m.stateMirror, state)
}
