package models

import (
	"fmt"
	"time"
)

// Deactivation reasons recorded on a credential when auto-refresh gives up.
const (
	DeactivatedRevoked         = "revoked"
	DeactivatedRefreshExceeded = "refresh_failures_exceeded"
	DeactivatedOperatorRevoked = "operator_revoked"
)

// DefaultMaxRefreshFailures is the refresh failure budget applied when a
// credential is created without an explicit threshold.
const DefaultMaxRefreshFailures = 5

// Credential is one persisted OAuth grant for the admin storage account.
// Rows are never deleted, only deactivated.
type Credential struct {
	// Identity
	UserID    string `json:"user_id"`
	Email     string `json:"email"`
	SessionID string `json:"session_id"` // persistent session id, unique per credential

	// Secrets. Never logged; excluded from String().
	AccessToken  string `json:"-"`
	RefreshToken string `json:"-"`

	// Timing
	TokenExpiresAt time.Time  `json:"token_expires_at"`
	LastRefreshAt  *time.Time `json:"last_refresh_at,omitempty"`
	LastActivityAt *time.Time `json:"last_activity_at,omitempty"`

	// Persistence flags
	IsPersistent       bool       `json:"is_persistent"`
	AutoRefreshEnabled bool       `json:"auto_refresh_enabled"`
	IsActive           bool       `json:"is_active"`
	DeactivatedReason  string     `json:"deactivated_reason,omitempty"`
	DeactivatedAt      *time.Time `json:"deactivated_at,omitempty"`

	// Refresh health
	RefreshAttempts    int `json:"refresh_attempts"`
	MaxRefreshFailures int `json:"max_refresh_failures"`

	// Quota snapshot. Totals are nil until the first successful check.
	DriveQuotaTotal   *int64        `json:"drive_quota_total,omitempty"`
	DriveQuotaUsed    *int64        `json:"drive_quota_used,omitempty"`
	LastQuotaCheck    *time.Time    `json:"last_quota_check,omitempty"`
	QuotaWarningLevel WarningLevel  `json:"quota_warning_level"`
	QuotaWarningsSent []AlertRecord `json:"quota_warnings_sent,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks structural invariants before a store write.
func (c *Credential) Validate() error {
	if c.UserID == "" {
		return fmt.Errorf("user ID is required")
	}
	if c.SessionID == "" {
		return fmt.Errorf("session ID is required")
	}
	if c.RefreshAttempts < 0 {
		return fmt.Errorf("refresh attempts cannot be negative")
	}
	if c.MaxRefreshFailures <= 0 {
		return fmt.Errorf("max refresh failures must be positive")
	}
	if c.QuotaWarningLevel != "" && !c.QuotaWarningLevel.Valid() {
		return fmt.Errorf("unknown warning level %q", c.QuotaWarningLevel)
	}
	return nil
}

// TokenValid reports whether the access token is usable at the given
// instant. An inactive credential is never valid regardless of expiry.
func (c *Credential) TokenValid(now time.Time) bool {
	if !c.IsActive {
		return false
	}
	return c.AccessToken != "" && c.TokenExpiresAt.After(now)
}

// NeedsRefresh reports whether the token is expired or inside the skew
// window before expiry.
func (c *Credential) NeedsRefresh(now time.Time, skew time.Duration) bool {
	return !c.TokenExpiresAt.After(now.Add(skew))
}

// HighestWarningSent returns the highest level already dispatched for the
// current escalation episode, or WarningNone when nothing was sent.
func (c *Credential) HighestWarningSent() WarningLevel {
	highest := WarningNone
	for _, rec := range c.QuotaWarningsSent {
		if rec.Level.Rank() > highest.Rank() {
			highest = rec.Level
		}
	}
	return highest
}

// Clone returns a deep copy so store callers can mutate freely.
func (c *Credential) Clone() *Credential {
	cp := *c
	cp.LastRefreshAt = copyTime(c.LastRefreshAt)
	cp.LastActivityAt = copyTime(c.LastActivityAt)
	cp.DeactivatedAt = copyTime(c.DeactivatedAt)
	cp.LastQuotaCheck = copyTime(c.LastQuotaCheck)
	cp.DriveQuotaTotal = copyInt64(c.DriveQuotaTotal)
	cp.DriveQuotaUsed = copyInt64(c.DriveQuotaUsed)
	if c.QuotaWarningsSent != nil {
		cp.QuotaWarningsSent = make([]AlertRecord, len(c.QuotaWarningsSent))
		copy(cp.QuotaWarningsSent, c.QuotaWarningsSent)
	}
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyInt64(n *int64) *int64 {
	if n == nil {
		return nil
	}
	v := *n
	return &v
}

// AlertRecord is one dispatched quota warning, persisted on the credential
// so the monitor never resends the same escalation.
type AlertRecord struct {
	Level        WarningLevel `json:"level"`
	UsagePercent float64      `json:"usage_percent"`
	SentAt       time.Time    `json:"sent_at"`
}

// CredentialSlice is a slice of credentials with filter helpers.
type CredentialSlice []*Credential

// FilterActive returns only active credentials.
func (cs CredentialSlice) FilterActive() CredentialSlice {
	var result CredentialSlice
	for _, c := range cs {
		if c.IsActive {
			result = append(result, c)
		}
	}
	return result
}

// FindBySessionID returns the credential with the given session id.
func (cs CredentialSlice) FindBySessionID(id string) (*Credential, bool) {
	for _, c := range cs {
		if c.SessionID == id {
			return c, true
		}
	}
	return nil, false
}
