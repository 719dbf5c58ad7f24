package auth

import (
	"context"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/drivesentry/drivesentry/internal/drive"
	"github.com/drivesentry/drivesentry/internal/errors"
	"github.com/drivesentry/drivesentry/internal/logging"
	"github.com/drivesentry/drivesentry/internal/metrics"
	"github.com/drivesentry/drivesentry/internal/models"
	"github.com/drivesentry/drivesentry/internal/quota"
	"github.com/drivesentry/drivesentry/internal/retry"
	"github.com/drivesentry/drivesentry/internal/store"
)

// DefaultRefreshSkew is how long before expiry a token is refreshed
const DefaultRefreshSkew = 5 * time.Minute

// Provider is the subset of the storage provider client the manager needs.
// drive.Client satisfies it; tests substitute fakes.
type Provider interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
	Revoke(ctx context.Context, token string) error
	UserEmail(ctx context.Context, accessToken string) (string, error)
	FetchQuota(ctx context.Context, accessToken string) (*drive.StorageQuota, error)
}

// Manager owns the credential lifecycle: it hands out valid access tokens,
// refreshes them ahead of expiry and deactivates credentials whose refresh
// token is dead. All state lives in the store; the manager keeps only
// per-credential locks so concurrent refreshes collapse into one.
type Manager struct {
	store       store.Store
	provider    Provider
	executor    *retry.Executor
	logger      *logging.Logger
	metrics     *metrics.Metrics
	refreshSkew time.Duration
	now         func() time.Time

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	stateMu     sync.Mutex
	stateMirror map[string]*models.OAuthState
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithRefreshSkew overrides the pre-expiry refresh window
func WithRefreshSkew(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.refreshSkew = d
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithMetrics sets the metrics recorder
func WithMetrics(mt *metrics.Metrics) ManagerOption {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// WithExecutor sets the retry executor for provider calls
func WithExecutor(e *retry.Executor) ManagerOption {
	return func(m *Manager) {
		m.executor = e
	}
}

// withClock replaces the time source, used by tests
func withClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a credential lifecycle manager
func NewManager(s store.Store, p Provider, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:       s,
		provider:    p,
		executor:    retry.NewExecutor(),
		logger:      logging.NewLogger(),
		refreshSkew: DefaultRefreshSkew,
		now:         time.Now,
		locks:       make(map[string]*sync.Mutex),
		stateMirror: make(map[string]*models.OAuthState),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// credentialLock returns the mutex serializing refreshes for one credential
func (m *Manager) credentialLock(userID string) *sync.Mutex {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	lock, ok := m.locks[userID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[userID] = lock
	}
	return lock
}

// GetValidToken returns a usable access token for the user, refreshing it
// first when expired or inside the skew window. Every call records account
// activity on the credential. The per-credential lock serializes the whole
// read-validate-refresh sequence so concurrent callers never clobber each
// other's writes.
func (m *Manager) GetValidToken(ctx context.Context, userID string) (string, error) {
	lock := m.credentialLock(userID)
	lock.Lock()
	defer lock.Unlock()

	cred, err := m.store.GetCredential(userID)
	if err != nil {
		return "", err
	}
	if !cred.IsActive {
		return "", &errors.CredentialError{
			Kind:      errors.CredentialDeactivated,
			SessionID: cred.SessionID,
		}
	}

	now := m.now()
	cred.LastActivityAt = &now

	if cred.TokenValid(now) && !cred.NeedsRefresh(now, m.refreshSkew) {
		if err := m.store.SaveCredential(cred); err != nil {
			m.logger.Warn("failed to record credential activity",
				"user_id", cred.UserID,
				"error", err.Error(),
			)
		}
		return cred.AccessToken, nil
	}

	if !cred.AutoRefreshEnabled {
		if err := m.store.SaveCredential(cred); err != nil {
			m.logger.Warn("failed to record credential activity",
				"user_id", cred.UserID,
				"error", err.Error(),
			)
		}
		return "", &errors.CredentialError{
			Kind:      errors.CredentialExpired,
			SessionID: cred.SessionID,
		}
	}

	refreshed, err := m.refreshLocked(ctx, cred)
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

// ForceTokenRefresh refreshes the token regardless of its remaining
// lifetime and returns the refreshed credential.
func (m *Manager) ForceTokenRefresh(ctx context.Context, userID string) (*models.Credential, error) {
	lock := m.credentialLock(userID)
	lock.Lock()
	defer lock.Unlock()

	cred, err := m.store.GetCredential(userID)
	if err != nil {
		return nil, err
	}
	if !cred.IsActive {
		return nil, &errors.CredentialError{
			Kind:      errors.CredentialDeactivated,
			SessionID: cred.SessionID,
		}
	}
	return m.refreshLocked(ctx, cred)
}

// refreshLocked spends the refresh token. The caller holds the credential
// lock, so concurrent refreshers wait for the winner and then find a valid
// token instead of spending the refresh token twice.
func (m *Manager) refreshLocked(ctx context.Context, cred *models.Credential) (*models.Credential, error) {
	if cred.RefreshToken == "" {
		if err := m.deactivate(cred, models.DeactivatedRevoked, m.now()); err != nil {
			return nil, err
		}
		return nil, &errors.CredentialError{
			Kind:      errors.CredentialDeactivated,
			SessionID: cred.SessionID,
		}
	}

	var token *oauth2.Token
	err := m.executor.Do(ctx, "refresh_token", func(ctx context.Context) error {
		var rerr error
		token, rerr = m.provider.Refresh(ctx, cred.RefreshToken)
		return rerr
	})
	now := m.now()

	if err != nil {
		return nil, m.recordRefreshFailure(cred, err, now)
	}

	cred.AccessToken = token.AccessToken
	cred.RefreshToken = token.RefreshToken
	cred.TokenExpiresAt = token.Expiry
	cred.LastRefreshAt = &now
	cred.RefreshAttempts = 0
	cred.UpdatedAt = now

	if err := m.store.SaveCredential(cred); err != nil {
		return nil, err
	}

	if m.metrics != nil {
		m.metrics.RecordTokenRefresh("success")
	}
	m.logger.InfoWithContext(ctx, "token refreshed",
		"user_id", cred.UserID,
		"session_id", cred.SessionID,
		"expires_at", cred.TokenExpiresAt.Format(time.RFC3339),
	)
	return cred, nil
}

// recordRefreshFailure persists the failure and decides whether the
// credential survives. Invalid grant deactivates immediately; transient
// failures count toward the failure budget.
func (m *Manager) recordRefreshFailure(cred *models.Credential, cause error, now time.Time) error {
	if m.metrics != nil {
		m.metrics.RecordTokenRefresh("failure")
	}

	if errors.IsInvalidGrant(cause) {
		m.logger.Warn("refresh token revoked by provider",
			"user_id", cred.UserID,
			"session_id", cred.SessionID,
		)
		if err := m.deactivate(cred, models.DeactivatedRevoked, now); err != nil {
			return err
		}
		return &errors.CredentialError{
			Kind:      errors.CredentialDeactivated,
			SessionID: cred.SessionID,
			Err:       cause,
		}
	}

	cred.RefreshAttempts++
	cred.UpdatedAt = now

	if cred.RefreshAttempts >= cred.MaxRefreshFailures {
		m.logger.Error("refresh failure budget exhausted",
			"user_id", cred.UserID,
			"session_id", cred.SessionID,
			"attempts", cred.RefreshAttempts,
		)
		if err := m.deactivate(cred, models.DeactivatedRefreshExceeded, now); err != nil {
			return err
		}
		return &errors.CredentialError{
			Kind:      errors.CredentialDeactivated,
			SessionID: cred.SessionID,
			Err:       cause,
		}
	}

	if err := m.store.SaveCredential(cred); err != nil {
		return err
	}
	m.logger.Warn("token refresh failed",
		"user_id", cred.UserID,
		"session_id", cred.SessionID,
		"attempts", cred.RefreshAttempts,
		"max_attempts", cred.MaxRefreshFailures,
		"error", cause.Error(),
	)
	return &errors.CredentialError{
		Kind:      errors.CredentialRefreshFailed,
		SessionID: cred.SessionID,
		Err:       cause,
	}
}

// deactivate marks the credential unusable and persists the transition.
// The row is kept for the audit trail.
func (m *Manager) deactivate(cred *models.Credential, reason string, now time.Time) error {
	cred.IsActive = false
	cred.DeactivatedReason = reason
	cred.DeactivatedAt = &now
	cred.UpdatedAt = now
	if err := m.store.SaveCredential(cred); err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.RecordCredentialActive(cred.SessionID, false)
	}
	return nil
}

// RevokePersistentSession deactivates a credential on operator request.
// The confirm flag guards against accidental calls; provider-side
// revocation is best effort.
func (m *Manager) RevokePersistentSession(ctx context.Context, userID string, confirm bool) error {
	if !confirm {
		return &errors.ValidationError{
			Kind:  errors.ValidationMissingConfirmation,
			Field: "confirm",
		}
	}

	lock := m.credentialLock(userID)
	lock.Lock()
	defer lock.Unlock()

	cred, err := m.store.GetCredential(userID)
	if err != nil {
		return err
	}

	if cred.RefreshToken != "" {
		if err := m.provider.Revoke(ctx, cred.RefreshToken); err != nil {
			m.logger.WarnWithContext(ctx, "provider-side revoke failed",
				"user_id", cred.UserID,
				"session_id", cred.SessionID,
				"error", err.Error(),
			)
		}
	}

	now := m.now()
	if err := m.deactivate(cred, models.DeactivatedOperatorRevoked, now); err != nil {
		return err
	}
	m.logger.InfoWithContext(ctx, "persistent session revoked",
		"user_id", cred.UserID,
		"session_id", cred.SessionID,
	)
	return nil
}

// CredentialStatus is the secret-free view of a credential for operators.
type CredentialStatus struct {
	UserID             string              `json:"user_id"`
	Email              string              `json:"email"`
	SessionID          string              `json:"session_id"`
	IsActive           bool                `json:"is_active"`
	IsPersistent       bool                `json:"is_persistent"`
	AutoRefreshEnabled bool                `json:"auto_refresh_enabled"`
	DeactivatedReason  string              `json:"deactivated_reason,omitempty"`
	DeactivatedAt      *time.Time          `json:"deactivated_at,omitempty"`
	TokenExpiresAt     time.Time           `json:"token_expires_at"`
	TokenValid         bool                `json:"token_valid"`
	NeedsRefresh       bool                `json:"needs_refresh"`
	LastRefreshAt      *time.Time          `json:"last_refresh_at,omitempty"`
	LastActivityAt     *time.Time          `json:"last_activity_at,omitempty"`
	RefreshAttempts    int                 `json:"refresh_attempts"`
	MaxRefreshFailures int                 `json:"max_refresh_failures"`
	Quota              *quota.Summary      `json:"quota,omitempty"`
	WarningLevel       models.WarningLevel `json:"warning_level"`
	LastQuotaCheck     *time.Time          `json:"last_quota_check,omitempty"`
}

// DetailedStatus returns the operator view of a credential. Token values
// never appear in it.
func (m *Manager) DetailedStatus(userID string) (*CredentialStatus, error) {
	cred, err := m.store.GetCredential(userID)
	if err != nil {
		return nil, err
	}

	now := m.now()
	status := &CredentialStatus{
		UserID:             cred.UserID,
		Email:              cred.Email,
		SessionID:          cred.SessionID,
		IsActive:           cred.IsActive,
		IsPersistent:       cred.IsPersistent,
		AutoRefreshEnabled: cred.AutoRefreshEnabled,
		DeactivatedReason:  cred.DeactivatedReason,
		DeactivatedAt:      cred.DeactivatedAt,
		TokenExpiresAt:     cred.TokenExpiresAt,
		TokenValid:         cred.TokenValid(now),
		NeedsRefresh:       cred.NeedsRefresh(now, m.refreshSkew),
		LastRefreshAt:      cred.LastRefreshAt,
		LastActivityAt:     cred.LastActivityAt,
		RefreshAttempts:    cred.RefreshAttempts,
		MaxRefreshFailures: cred.MaxRefreshFailures,
		WarningLevel:       cred.QuotaWarningLevel,
		LastQuotaCheck:     cred.LastQuotaCheck,
	}
	if cred.DriveQuotaTotal != nil || cred.DriveQuotaUsed != nil {
		s := quota.Summarize(cred.DriveQuotaTotal, cred.DriveQuotaUsed)
		status.Quota = &s
	}
	return status, nil
}

// StorageAnalytics fetches a fresh quota snapshot for the user, persists
// it on the credential and returns the summary with recommendations.
func (m *Manager) StorageAnalytics(ctx context.Context, userID string) (*quota.Summary, []string, error) {
	token, err := m.GetValidToken(ctx, userID)
	if err != nil {
		return nil, nil, err
	}

	var q *drive.StorageQuota
	err = m.executor.Do(ctx, "fetch_quota", func(ctx context.Context) error {
		var qerr error
		q, qerr = m.provider.FetchQuota(ctx, token)
		return qerr
	})
	if err != nil {
		return nil, nil, err
	}

	now := m.now()
	cred, err := m.store.GetCredential(userID)
	if err != nil {
		return nil, nil, err
	}
	usage := q.Usage
	summary := quota.Summarize(q.Limit, &usage)

	// The stored warning level follows the stored ratio, so an on-demand
	// snapshot recomputes it the same way the scheduler does. Alert
	// dedup state is left to the scheduler.
	err = m.store.UpdateQuota(userID, store.QuotaUpdate{
		Total:     q.Limit,
		Used:      &usage,
		CheckedAt: now,
		Level:     summary.Level,
		Warnings:  cred.QuotaWarningsSent,
	})
	if err != nil {
		return nil, nil, err
	}

	if m.metrics != nil {
		m.metrics.RecordQuota(cred.SessionID, summary.UsagePercent, summary.Level.Rank())
	}
	return &summary, quota.Recommendations(summary.Level), nil
}
