package models

import "time"

// MonitorRunStats tracks the background monitor's run history. One instance
// exists per process; only the monitor worker mutates it, and readers get a
// copy through Snapshot on the monitor itself.
type MonitorRunStats struct {
	ServiceStarted    time.Time  `json:"service_started"`
	LastCheck         *time.Time `json:"last_check,omitempty"`
	TotalChecks       int64      `json:"total_checks"`
	TotalAlertsSent   int64      `json:"total_alerts_sent"`
	LastError         string     `json:"last_error,omitempty"`
	ConsecutiveErrors int        `json:"consecutive_errors"`
}

// Alert is the ephemeral value handed to notifiers when a quota warning
// escalates. Only the level/percentage pair is persisted (as AlertRecord).
type Alert struct {
	Level           WarningLevel `json:"level"`
	UsagePercent    float64      `json:"usage_percent"`
	TotalBytes      int64        `json:"total_bytes"`
	UsedBytes       int64        `json:"used_bytes"`
	AvailableBytes  int64        `json:"available_bytes"`
	Message         string       `json:"message"`
	Recommendations []string     `json:"recommendations"`
	Timestamp       time.Time    `json:"timestamp"`
}

// OAuthState is a pending authorization-flow nonce, persisted so a process
// restart mid-handshake does not invalidate the redirect round-trip.
type OAuthState struct {
	State       string    `json:"state"`
	UserID      string    `json:"user_id"`
	RedirectURI string    `json:"redirect_uri,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the state nonce is past its TTL.
func (s *OAuthState) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}
