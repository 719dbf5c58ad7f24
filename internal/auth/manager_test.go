package auth

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/drivesentry/drivesentry/internal/drive"
	dserrors "github.com/drivesentry/drivesentry/internal/errors"
	"github.com/drivesentry/drivesentry/internal/models"
	"github.com/drivesentry/drivesentry/internal/retry"
	"github.com/drivesentry/drivesentry/internal/store"
)

type fakeProvider struct {
	mu           sync.Mutex
	refreshCalls int
	refreshErr   error
	refreshDelay time.Duration
	refreshToken *oauth2.Token

	revokeCalls int
	revokeErr   error

	exchangeToken *oauth2.Token
	exchangeErr   error
	email         string

	quota    *drive.StorageQuota
	quotaErr error
}

func (f *fakeProvider) AuthCodeURL(state string) string {
	return "https://provider.example/auth?state=" + state
}

func (f *fakeProvider) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	return f.exchangeToken, nil
}

func (f *fakeProvider) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	f.mu.Lock()
	f.refreshCalls++
	f.mu.Unlock()
	if f.refreshDelay > 0 {
		time.Sleep(f.refreshDelay)
	}
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return f.refreshToken, nil
}

func (f *fakeProvider) Revoke(ctx context.Context, token string) error {
	f.mu.Lock()
	f.revokeCalls++
	f.mu.Unlock()
	return f.revokeErr
}

func (f *fakeProvider) UserEmail(ctx context.Context, accessToken string) (string, error) {
	return f.email, nil
}

func (f *fakeProvider) FetchQuota(ctx context.Context, accessToken string) (*drive.StorageQuota, error) {
	if f.quotaErr != nil {
		return nil, f.quotaErr
	}
	return f.quota, nil
}

func (f *fakeProvider) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshCalls
}

func fastExecutor() *retry.Executor {
	return retry.NewExecutor(retry.WithAttempts(1))
}

func seedCredential(t *testing.T, s store.Store, mutate func(*models.Credential)) *models.Credential {
	t.Helper()
	cred := &models.Credential{
		UserID:             "admin",
		Email:              "admin@example.com",
		SessionID:          "session-1",
		AccessToken:        "valid-access",
		RefreshToken:       "valid-refresh",
		TokenExpiresAt:     time.Now().Add(time.Hour),
		IsPersistent:       true,
		AutoRefreshEnabled: true,
		IsActive:           true,
		MaxRefreshFailures: 3,
		QuotaWarningLevel:  models.WarningNone,
	}
	if mutate != nil {
		mutate(cred)
	}
	require.NoError(t, s.SaveCredential(cred))
	return cred
}

func TestGetValidTokenReturnsCurrentToken(t *testing.T) {
	s := store.NewMemoryStore()
	p := &fakeProvider{}
	m := NewManager(s, p, WithExecutor(fastExecutor()))
	seedCredential(t, s, nil)

	token, err := m.GetValidToken(context.Background(), "admin")
	require.NoError(t, err)
	assert.Equal(t, "valid-access", token)
	assert.Equal(t, 0, p.calls(), "a valid token must not trigger a refresh")

	// Activity must be recorded
	cred, err := s.GetCredential("admin")
	require.NoError(t, err)
	assert.NotNil(t, cred.LastActivityAt)
}

func TestGetValidTokenRefreshesInsideSkew(t *testing.T) {
	s := store.NewMemoryStore()
	p := &fakeProvider{refreshToken: &oauth2.Token{
		AccessToken:  "fresh-access",
		RefreshToken: "fresh-refresh",
		Expiry:       time.Now().Add(time.Hour),
	}}
	m := NewManager(s, p, WithExecutor(fastExecutor()), WithRefreshSkew(5*time.Minute))
	seedCredential(t, s, func(c *models.Credential) {
		c.TokenExpiresAt = time.Now().Add(2 * time.Minute)
		c.RefreshAttempts = 2
	})

	token, err := m.GetValidToken(context.Background(), "admin")
	require.NoError(t, err)
	assert.Equal(t, "fresh-access", token)

	cred, err := s.GetCredential("admin")
	require.NoError(t, err)
	assert.Equal(t, "fresh-refresh", cred.RefreshToken, "refresh token must rotate")
	assert.Equal(t, 0, cred.RefreshAttempts, "successful refresh resets the failure count")
	assert.NotNil(t, cred.LastRefreshAt)
}

func TestGetValidTokenDeactivatedCredential(t *testing.T) {
	s := store.NewMemoryStore()
	m := NewManager(s, &fakeProvider{}, WithExecutor(fastExecutor()))
	seedCredential(t, s, func(c *models.Credential) {
		c.IsActive = false
		c.DeactivatedReason = models.DeactivatedRevoked
	})

	_, err := m.GetValidToken(context.Background(), "admin")
	assert.Equal(t, dserrors.CredentialDeactivated, dserrors.CredentialKindOf(err))
}

func TestGetValidTokenExpiredWithoutAutoRefresh(t *testing.T) {
	s := store.NewMemoryStore()
	p := &fakeProvider{}
	m := NewManager(s, p, WithExecutor(fastExecutor()))
	seedCredential(t, s, func(c *models.Credential) {
		c.AutoRefreshEnabled = false
		c.TokenExpiresAt = time.Now().Add(-time.Minute)
	})

	_, err := m.GetValidToken(context.Background(), "admin")
	assert.Equal(t, dserrors.CredentialExpired, dserrors.CredentialKindOf(err))
	assert.Equal(t, 0, p.calls(), "auto-refresh disabled credential must not be refreshed")
}

func TestRefreshInvalidGrantDeactivates(t *testing.T) {
	s := store.NewMemoryStore()
	p := &fakeProvider{refreshErr: &dserrors.ProviderError{
		Kind: dserrors.ProviderInvalidGrant,
		Op:   "refresh_token",
	}}
	m := NewManager(s, p, WithExecutor(fastExecutor()))
	seedCredential(t, s, func(c *models.Credential) {
		c.TokenExpiresAt = time.Now().Add(-time.Minute)
	})

	_, err := m.GetValidToken(context.Background(), "admin")
	require.Equal(t, dserrors.CredentialDeactivated, dserrors.CredentialKindOf(err))

	cred, err := s.GetCredential("admin")
	require.NoError(t, err)
	assert.False(t, cred.IsActive)
	assert.Equal(t, models.DeactivatedRevoked, cred.DeactivatedReason)
	assert.NotNil(t, cred.DeactivatedAt)
}

func TestRefreshFailureBudget(t *testing.T) {
	s := store.NewMemoryStore()
	p := &fakeProvider{refreshErr: &dserrors.ProviderError{
		Kind:       dserrors.ProviderTransient,
		Op:         "refresh_token",
		StatusCode: 503,
	}}
	m := NewManager(s, p, WithExecutor(fastExecutor()))
	seedCredential(t, s, func(c *models.Credential) {
		c.TokenExpiresAt = time.Now().Add(-time.Minute)
		c.MaxRefreshFailures = 3
	})

	// First two failures leave the credential active
	for i := 1; i <= 2; i++ {
		_, err := m.GetValidToken(context.Background(), "admin")
		require.Equal(t, dserrors.CredentialRefreshFailed, dserrors.CredentialKindOf(err),
			"attempt %d", i)
		cred, err := s.GetCredential("admin")
		require.NoError(t, err)
		require.True(t, cred.IsActive, "attempt %d deactivated too early", i)
		assert.Equal(t, i, cred.RefreshAttempts)
	}

	// Third failure exhausts the budget
	_, err := m.GetValidToken(context.Background(), "admin")
	require.Equal(t, dserrors.CredentialDeactivated, dserrors.CredentialKindOf(err))

	cred, err := s.GetCredential("admin")
	require.NoError(t, err)
	assert.False(t, cred.IsActive)
	assert.Equal(t, models.DeactivatedRefreshExceeded, cred.DeactivatedReason)
}

func TestConcurrentRefreshSingleProviderCall(t *testing.T) {
	s := store.NewMemoryStore()
	p := &fakeProvider{
		refreshDelay: 50 * time.Millisecond,
		refreshToken: &oauth2.Token{
			AccessToken:  "fresh-access",
			RefreshToken: "fresh-refresh",
			Expiry:       time.Now().Add(time.Hour),
		},
	}
	m := NewManager(s, p, WithExecutor(fastExecutor()))
	seedCredential(t, s, func(c *models.Credential) {
		c.TokenExpiresAt = time.Now().Add(-time.Minute)
	})

	const goroutines = 8
	var wg sync.WaitGroup
	tokens := make([]string, goroutines)
	errs := make([]error, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = m.GetValidToken(context.Background(), "admin")
		}(i)
	}
	wg.Wait()

	for i := 0; i < goroutines; i++ {
		require.NoError(t, errs[i], "goroutine %d", i)
		assert.Equal(t, "fresh-access", tokens[i], "goroutine %d", i)
	}
	assert.Equal(t, 1, p.calls(), "concurrent callers must collapse into one refresh")
}

func TestForceTokenRefresh(t *testing.T) {
	s := store.NewMemoryStore()
	p := &fakeProvider{refreshToken: &oauth2.Token{
		AccessToken:  "forced-access",
		RefreshToken: "forced-refresh",
		Expiry:       time.Now().Add(time.Hour),
	}}
	m := NewManager(s, p, WithExecutor(fastExecutor()))
	seedCredential(t, s, nil) // token still valid for an hour

	cred, err := m.ForceTokenRefresh(context.Background(), "admin")
	require.NoError(t, err)
	assert.Equal(t, "forced-access", cred.AccessToken)
	assert.Equal(t, 1, p.calls())
}

func TestGetValidTokenAfterForcedRefresh(t *testing.T) {
	s := store.NewMemoryStore()
	p := &fakeProvider{refreshToken: &oauth2.Token{
		AccessToken:  "forced-access",
		RefreshToken: "forced-refresh",
		Expiry:       time.Now().Add(time.Hour),
	}}
	m := NewManager(s, p, WithExecutor(fastExecutor()))
	seedCredential(t, s, nil)

	_, err := m.ForceTokenRefresh(context.Background(), "admin")
	require.NoError(t, err)

	// The forced rotation is durable: the next read hands out the new
	// token without another provider call.
	token, err := m.GetValidToken(context.Background(), "admin")
	require.NoError(t, err)
	assert.Equal(t, "forced-access", token)
	assert.Equal(t, 1, p.calls(), "the stored token must satisfy the read")

	cred, err := s.GetCredential("admin")
	require.NoError(t, err)
	assert.Equal(t, "forced-refresh", cred.RefreshToken)
}

func TestRevokePersistentSessionRequiresConfirmation(t *testing.T) {
	s := store.NewMemoryStore()
	p := &fakeProvider{}
	m := NewManager(s, p, WithExecutor(fastExecutor()))
	seedCredential(t, s, nil)

	err := m.RevokePersistentSession(context.Background(), "admin", false)
	require.True(t, dserrors.IsMissingConfirmation(err), "got %v", err)

	cred, err := s.GetCredential("admin")
	require.NoError(t, err)
	assert.True(t, cred.IsActive, "credential must stay active without confirmation")
	assert.Equal(t, 0, p.revokeCalls)
}

func TestRevokePersistentSession(t *testing.T) {
	s := store.NewMemoryStore()
	p := &fakeProvider{}
	m := NewManager(s, p, WithExecutor(fastExecutor()))
	seedCredential(t, s, nil)

	require.NoError(t, m.RevokePersistentSession(context.Background(), "admin", true))
	assert.Equal(t, 1, p.revokeCalls)

	cred, err := s.GetCredential("admin")
	require.NoError(t, err)
	assert.False(t, cred.IsActive)
	assert.Equal(t, models.DeactivatedOperatorRevoked, cred.DeactivatedReason)
}

func TestRevokeSucceedsWhenProviderRevokeFails(t *testing.T) {
	s := store.NewMemoryStore()
	p := &fakeProvider{revokeErr: stderrors.New("provider down")}
	m := NewManager(s, p, WithExecutor(fastExecutor()))
	seedCredential(t, s, nil)

	err := m.RevokePersistentSession(context.Background(), "admin", true)
	require.NoError(t, err, "local deactivation must succeed even if provider revoke fails")

	cred, err := s.GetCredential("admin")
	require.NoError(t, err)
	assert.False(t, cred.IsActive)
}

func TestDetailedStatusContainsNoSecrets(t *testing.T) {
	s := store.NewMemoryStore()
	m := NewManager(s, &fakeProvider{}, WithExecutor(fastExecutor()))
	total := int64(100 << 30)
	used := int64(85 << 30)
	seedCredential(t, s, func(c *models.Credential) {
		c.DriveQuotaTotal = &total
		c.DriveQuotaUsed = &used
		c.QuotaWarningLevel = models.WarningMedium
	})

	status, err := m.DetailedStatus("admin")
	require.NoError(t, err)
	assert.True(t, status.IsActive)
	assert.True(t, status.TokenValid)
	require.NotNil(t, status.Quota)
	assert.Equal(t, 85.0, status.Quota.UsagePercent)
	assert.Equal(t, models.WarningMedium, status.Quota.Level)
}

func TestStorageAnalyticsPersistsSnapshot(t *testing.T) {
	s := store.NewMemoryStore()
	limit := int64(100 << 30)
	p := &fakeProvider{quota: &drive.StorageQuota{
		Limit: &limit,
		Usage: 96 << 30,
	}}
	m := NewManager(s, p, WithExecutor(fastExecutor()))
	seedCredential(t, s, nil)

	summary, recs, err := m.StorageAnalytics(context.Background(), "admin")
	require.NoError(t, err)
	assert.Equal(t, models.WarningCritical, summary.Level)
	assert.NotEmpty(t, recs, "expected recommendations at critical level")

	cred, err := s.GetCredential("admin")
	require.NoError(t, err)
	require.NotNil(t, cred.DriveQuotaUsed)
	assert.Equal(t, int64(96<<30), *cred.DriveQuotaUsed)
	assert.NotNil(t, cred.LastQuotaCheck)
	assert.Equal(t, models.WarningCritical, cred.QuotaWarningLevel,
		"the stored warning level must follow the stored ratio")
}
