package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/drivesentry/drivesentry/internal/alerts"
	"github.com/drivesentry/drivesentry/internal/drive"
	"github.com/drivesentry/drivesentry/internal/errors"
	"github.com/drivesentry/drivesentry/internal/logging"
	"github.com/drivesentry/drivesentry/internal/metrics"
	"github.com/drivesentry/drivesentry/internal/models"
	"github.com/drivesentry/drivesentry/internal/quota"
	"github.com/drivesentry/drivesentry/internal/retry"
	"github.com/drivesentry/drivesentry/internal/store"
)

const (
	// MinCheckInterval is the floor for the monitor check interval
	MinCheckInterval = 5 * time.Minute
	// DefaultRecoveryInterval is the shortened interval after a failed pass
	DefaultRecoveryInterval = 5 * time.Minute
	// StopTimeout bounds how long Stop waits for the worker to exit
	StopTimeout = 10 * time.Second
)

// TokenSource hands out valid access tokens for a credential
type TokenSource interface {
	GetValidToken(ctx context.Context, userID string) (string, error)
}

// QuotaFetcher retrieves the storage quota for an access token
type QuotaFetcher interface {
	FetchQuota(ctx context.Context, accessToken string) (*drive.StorageQuota, error)
}

// Monitor periodically checks the storage quota of every active credential
// and dispatches escalation alerts. Exactly one worker goroutine runs at a
// time regardless of how often Start is called.
type Monitor struct {
	store    store.Store
	tokens   TokenSource
	fetcher  QuotaFetcher
	notifier alerts.Notifier
	executor *retry.Executor
	logger   *logging.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu               sync.Mutex
	checkInterval    time.Duration
	recoveryInterval time.Duration
	running          bool
	recovering       bool
	stopCh           chan struct{}
	wg               sync.WaitGroup

	statsMu sync.Mutex
	stats   models.MonitorRunStats
}

// Option configures a Monitor
type Option func(*Monitor)

// WithCheckInterval sets the regular check interval
func WithCheckInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.checkInterval = d
		}
	}
}

// WithRecoveryInterval sets the shortened interval used after failures
func WithRecoveryInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.recoveryInterval = d
		}
	}
}

// WithExecutor sets the retry executor for quota fetches
func WithExecutor(e *retry.Executor) Option {
	return func(m *Monitor) {
		m.executor = e
	}
}

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) Option {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// WithMetrics sets the metrics recorder
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Monitor) {
		m.metrics = mt
	}
}

// withClock replaces the time source, used by tests
func withClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

// NewMonitor creates a quota monitor
func NewMonitor(s store.Store, tokens TokenSource, fetcher QuotaFetcher, notifier alerts.Notifier, opts ...Option) *Monitor {
	m := &Monitor{
		store:            s,
		tokens:           tokens,
		fetcher:          fetcher,
		notifier:         notifier,
		executor:         retry.NewExecutor(),
		logger:           logging.NewLogger(),
		now:              time.Now,
		checkInterval:    30 * time.Minute,
		recoveryInterval: DefaultRecoveryInterval,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the worker goroutine. Calling Start on a running monitor
// is a no-op; both paths return the current run stats.
func (m *Monitor) Start() models.MonitorRunStats {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return m.Stats()
	}
	m.running = true
	m.stopCh = make(chan struct{})
	stopCh := m.stopCh
	interval := m.checkInterval
	m.mu.Unlock()

	// Counters accumulate for the life of the process; only the first
	// Start stamps the service start time.
	m.statsMu.Lock()
	if m.stats.ServiceStarted.IsZero() {
		m.stats.ServiceStarted = m.now()
	}
	m.statsMu.Unlock()

	m.wg.Add(1)
	go m.run(stopCh, interval)

	m.logger.Info("monitor started", "check_interval", interval.String())
	return m.Stats()
}

// Stop signals the worker and waits up to StopTimeout for it to exit.
// It reports whether the shutdown was clean.
func (m *Monitor) Stop() bool {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return true
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("monitor stopped")
		return true
	case <-time.After(StopTimeout):
		m.logger.Error("monitor stop timed out", "timeout", StopTimeout.String())
		return false
	}
}

// Restart stops the worker and starts a fresh one
func (m *Monitor) Restart() models.MonitorRunStats {
	m.Stop()
	return m.Start()
}

// IsRunning reports whether the worker goroutine is active
func (m *Monitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Stats returns a copy of the run statistics
func (m *Monitor) Stats() models.MonitorRunStats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	s := m.stats
	if m.stats.LastCheck != nil {
		t := *m.stats.LastCheck
		s.LastCheck = &t
	}
	return s
}

// CheckInterval returns the configured check interval
func (m *Monitor) CheckInterval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkInterval
}

// UpdateConfig changes the check interval and whether the worker should be
// running. Intervals below the floor are rejected before anything changes.
// A running monitor restarts only when the interval changed.
func (m *Monitor) UpdateConfig(checkInterval time.Duration, enabled bool) error {
	if checkInterval < MinCheckInterval {
		return &errors.ConfigError{
			Kind:  errors.ConfigInvalidInterval,
			Field: "check_interval",
		}
	}

	m.mu.Lock()
	changed := m.checkInterval != checkInterval
	m.checkInterval = checkInterval
	running := m.running
	m.mu.Unlock()

	switch {
	case !enabled:
		if running {
			m.logger.Info("monitoring disabled, stopping worker")
			m.Stop()
		}
	case !running:
		m.logger.Info("monitoring enabled, starting worker",
			"check_interval", checkInterval.String())
		m.Start()
	case changed:
		m.logger.Info("check interval changed, restarting monitor",
			"check_interval", checkInterval.String())
		m.Restart()
	}
	return nil
}

// ForceCheckNow runs one synchronous check pass outside the schedule
func (m *Monitor) ForceCheckNow(ctx context.Context) (CheckSummary, error) {
	summary := m.checkAll(ctx)
	var err error
	if summary.Failed > 0 {
		err = fmt.Errorf("%d of %d credential checks failed", summary.Failed, summary.Checked)
	}
	return summary, err
}

// run is the worker loop. After a failed pass the ticker drops to the
// recovery interval until a pass completes cleanly.
func (m *Monitor) run(stopCh chan struct{}, interval time.Duration) {
	defer m.wg.Done()

	ctx := context.Background()
	m.checkAll(ctx)

	ticker := time.NewTicker(m.nextInterval(interval))
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.checkAll(ctx)
			ticker.Reset(m.nextInterval(interval))
		}
	}
}

func (m *Monitor) nextInterval(interval time.Duration) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recovering && m.recoveryInterval < interval {
		return m.recoveryInterval
	}
	return interval
}

// CheckSummary reports the outcome of one monitor pass
type CheckSummary struct {
	Checked    int `json:"checked"`
	Failed     int `json:"failed"`
	AlertsSent int `json:"alerts_sent"`
}

// checkAll runs one pass over every active credential
func (m *Monitor) checkAll(ctx context.Context) CheckSummary {
	var summary CheckSummary

	creds, err := m.store.ListActiveCredentials()
	if err != nil {
		m.recordPass(summary, err)
		return summary
	}

	var lastErr error
	for _, cred := range creds {
		summary.Checked++
		sent, err := m.checkCredential(ctx, cred.UserID)
		if err != nil {
			summary.Failed++
			lastErr = err
			m.logger.Error("credential check failed",
				"user_id", cred.UserID,
				"session_id", cred.SessionID,
				"error", err.Error(),
			)
			continue
		}
		if sent {
			summary.AlertsSent++
		}
	}

	m.recordPass(summary, lastErr)
	return summary
}

// checkCredential fetches the quota for one credential, persists the
// snapshot and dispatches an alert when the warning level escalated.
func (m *Monitor) checkCredential(ctx context.Context, userID string) (bool, error) {
	token, err := m.tokens.GetValidToken(ctx, userID)
	if err != nil {
		return false, err
	}

	var q *drive.StorageQuota
	err = m.executor.Do(ctx, "fetch_quota", func(ctx context.Context) error {
		var ferr error
		q, ferr = m.fetcher.FetchQuota(ctx, token)
		return ferr
	})
	if err != nil {
		return false, err
	}

	cred, err := m.store.GetCredential(userID)
	if err != nil {
		return false, err
	}

	now := m.now()
	usage := q.Usage
	summary := quota.Summarize(q.Limit, &usage)
	warnings := cred.QuotaWarningsSent

	sent := false
	switch {
	case summary.Level == models.WarningNone:
		// Usage dropped below every threshold: the episode is over and
		// the next escalation alerts again from scratch.
		warnings = nil
	case summary.Level.Rank() > cred.HighestWarningSent().Rank():
		alert := quota.BuildAlert(q.Limit, &usage, now)
		if err := m.notifier.Send(alert); err != nil {
			m.logger.Error("alert delivery failed",
				"user_id", cred.UserID,
				"level", string(summary.Level),
				"error", err.Error(),
			)
		} else {
			warnings = append(warnings, models.AlertRecord{
				Level:        summary.Level,
				UsagePercent: summary.UsagePercent,
				SentAt:       now,
			})
			sent = true
			if m.metrics != nil {
				m.metrics.RecordAlert(string(summary.Level))
			}
		}
	}

	// UpdateQuota touches only the snapshot columns, so a token refresh
	// persisted between the read above and this write survives intact.
	err = m.store.UpdateQuota(userID, store.QuotaUpdate{
		Total:     q.Limit,
		Used:      &usage,
		CheckedAt: now,
		Level:     summary.Level,
		Warnings:  warnings,
	})
	if err != nil {
		return sent, err
	}

	if m.metrics != nil {
		m.metrics.RecordQuota(cred.SessionID, summary.UsagePercent, summary.Level.Rank())
	}
	m.logger.Debug("quota checked",
		"user_id", cred.UserID,
		"usage_percent", summary.UsagePercent,
		"level", string(summary.Level),
	)
	return sent, nil
}

// recordPass folds one pass outcome into the run stats and flips the
// recovery flag for the scheduler.
func (m *Monitor) recordPass(summary CheckSummary, err error) {
	now := m.now()

	m.statsMu.Lock()
	m.stats.LastCheck = &now
	m.stats.TotalChecks++
	m.stats.TotalAlertsSent += int64(summary.AlertsSent)
	if err != nil {
		m.stats.LastError = err.Error()
		m.stats.ConsecutiveErrors++
	} else {
		m.stats.ConsecutiveErrors = 0
	}
	m.statsMu.Unlock()

	m.mu.Lock()
	m.recovering = err != nil
	m.mu.Unlock()

	if m.metrics != nil {
		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		m.metrics.RecordMonitorCheck(outcome)
	}
}
