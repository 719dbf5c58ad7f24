package store

import (
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/drivesentry/drivesentry/internal/errors"
	"github.com/drivesentry/drivesentry/internal/logging"
	"github.com/drivesentry/drivesentry/internal/models"
	_ "modernc.org/sqlite"
)

// SQLiteStore provides a SQLite-based implementation of Store with WAL mode.
// It is thread-safe and supports concurrent access.
type SQLiteStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	logger *logging.Logger

	// Expired OAuth state cleanup
	cleanupTicker *time.Ticker
	cleanupDone   chan struct{}
}

// NewSQLiteStore creates a new SQLite store with WAL mode enabled
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Create directory if it doesn't exist
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, &errors.ErrDatabaseOpen{Path: dbPath, Err: err}
		}
	}

	// Open database with WAL mode enabled
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)&_pragma=cache_size(2000)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, &errors.ErrDatabaseOpen{Path: dbPath, Err: err}
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, &errors.ErrDatabaseOpen{Path: dbPath, Err: err}
	}

	// Run migrations
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	store := &SQLiteStore{
		db:          db,
		logger:      logging.NewLogger(),
		cleanupDone: make(chan struct{}),
	}
	store.startCleanup()

	return store, nil
}

// runMigrations runs database migrations
func runMigrations(db *sql.DB) error {
	// Create migrations table if not exists
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "create migrations table", Err: err}
	}

	// Get current migration version
	var currentVersion int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "get current migration version", Err: err}
	}

	// Define migrations
	migrations := []struct {
		version int
		up      string
	}{
		{
			version: 1,
			up: `
				CREATE TABLE IF NOT EXISTS credentials (
					user_id TEXT PRIMARY KEY,
					email TEXT NOT NULL DEFAULT '',
					session_id TEXT NOT NULL UNIQUE,
					access_token TEXT NOT NULL DEFAULT '',
					refresh_token TEXT NOT NULL DEFAULT '',
					token_expires_at DATETIME,
					last_refresh_at DATETIME,
					last_activity_at DATETIME,
					is_persistent INTEGER NOT NULL DEFAULT 0,
					auto_refresh_enabled INTEGER NOT NULL DEFAULT 0,
					is_active INTEGER NOT NULL DEFAULT 1,
					deactivated_reason TEXT NOT NULL DEFAULT '',
					deactivated_at DATETIME,
					refresh_attempts INTEGER NOT NULL DEFAULT 0,
					max_refresh_failures INTEGER NOT NULL DEFAULT 5,
					drive_quota_total INTEGER,
					drive_quota_used INTEGER,
					last_quota_check DATETIME,
					quota_warning_level TEXT NOT NULL DEFAULT 'none',
					quota_warnings_sent TEXT NOT NULL DEFAULT '[]',
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
				);

				CREATE INDEX IF NOT EXISTS idx_credentials_is_active ON credentials(is_active);
			`,
		},
		{
			version: 2,
			up: `
				CREATE TABLE IF NOT EXISTS oauth_states (
					state TEXT PRIMARY KEY,
					user_id TEXT NOT NULL,
					redirect_uri TEXT NOT NULL DEFAULT '',
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					expires_at DATETIME NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_oauth_states_expires_at ON oauth_states(expires_at);
			`,
		},
	}

	// Run pending migrations
	tx, err := db.Begin()
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "begin transaction", Err: err}
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, m := range migrations {
		if m.version > currentVersion {
			if _, err := tx.Exec(m.up); err != nil {
				return &errors.ErrDatabaseMigration{Version: m.version, Err: err}
			}
			if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
				return &errors.ErrDatabaseMigration{Version: m.version, Err: err}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return &errors.ErrDatabaseQuery{Operation: "commit migrations", Err: err}
	}

	return nil
}

// startCleanup starts the expired OAuth state cleanup goroutine
func (s *SQLiteStore) startCleanup() {
	s.cleanupTicker = time.NewTicker(time.Hour)
	go func() {
		for {
			select {
			case <-s.cleanupTicker.C:
				if _, err := s.DeleteExpiredOAuthStates(time.Now()); err != nil {
					s.logger.Error("oauth state cleanup failed", "error", err.Error())
				}
			case <-s.cleanupDone:
				return
			}
		}
	}()
}

// Close gracefully shuts down the store
func (s *SQLiteStore) Close() error {
	if s.cleanupTicker != nil {
		s.cleanupTicker.Stop()
		close(s.cleanupDone)
	}

	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Credential operations

const credentialColumns = `user_id, email, session_id, access_token, refresh_token,
	token_expires_at, last_refresh_at, last_activity_at,
	is_persistent, auto_refresh_enabled, is_active, deactivated_reason, deactivated_at,
	refresh_attempts, max_refresh_failures,
	drive_quota_total, drive_quota_used, last_quota_check, quota_warning_level, quota_warnings_sent,
	created_at, updated_at`

// SaveCredential inserts or updates a credential keyed by user ID. The
// conflict branch leaves the quota snapshot columns alone so a concurrent
// UpdateQuota is never overwritten by a token refresh.
func (s *SQLiteStore) SaveCredential(cred *models.Credential) error {
	if err := cred.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var owner string
	err := s.db.QueryRow("SELECT user_id FROM credentials WHERE session_id = ?", cred.SessionID).Scan(&owner)
	if err != nil && err != sql.ErrNoRows {
		return &errors.ErrDatabaseQuery{Operation: "check session id", Err: err}
	}
	if err == nil && owner != cred.UserID {
		return &errors.ErrDuplicateSession{SessionID: cred.SessionID}
	}

	warnings, err := json.Marshal(cred.QuotaWarningsSent)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "encode quota warnings", Err: err}
	}

	now := time.Now().UTC()
	createdAt := cred.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err = s.db.Exec(`
		INSERT INTO credentials (`+credentialColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			email = excluded.email,
			session_id = excluded.session_id,
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			token_expires_at = excluded.token_expires_at,
			last_refresh_at = excluded.last_refresh_at,
			last_activity_at = excluded.last_activity_at,
			is_persistent = excluded.is_persistent,
			auto_refresh_enabled = excluded.auto_refresh_enabled,
			is_active = excluded.is_active,
			deactivated_reason = excluded.deactivated_reason,
			deactivated_at = excluded.deactivated_at,
			refresh_attempts = excluded.refresh_attempts,
			max_refresh_failures = excluded.max_refresh_failures,
			updated_at = excluded.updated_at
	`,
		cred.UserID, cred.Email, cred.SessionID, cred.AccessToken, cred.RefreshToken,
		cred.TokenExpiresAt, nullTime(cred.LastRefreshAt), nullTime(cred.LastActivityAt),
		cred.IsPersistent, cred.AutoRefreshEnabled, cred.IsActive, cred.DeactivatedReason, nullTime(cred.DeactivatedAt),
		cred.RefreshAttempts, cred.MaxRefreshFailures,
		nullInt64(cred.DriveQuotaTotal), nullInt64(cred.DriveQuotaUsed), nullTime(cred.LastQuotaCheck),
		string(cred.QuotaWarningLevel), string(warnings),
		createdAt, now,
	)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "save credential", Err: err}
	}
	return nil
}

// UpdateQuota writes the quota snapshot of an existing credential
func (s *SQLiteStore) UpdateQuota(userID string, update QuotaUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	warnings, err := json.Marshal(update.Warnings)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "encode quota warnings", Err: err}
	}

	res, err := s.db.Exec(`
		UPDATE credentials SET
			drive_quota_total = ?,
			drive_quota_used = ?,
			last_quota_check = ?,
			quota_warning_level = ?,
			quota_warnings_sent = ?,
			updated_at = ?
		WHERE user_id = ?
	`, nullInt64(update.Total), nullInt64(update.Used), update.CheckedAt,
		string(update.Level), string(warnings), time.Now().UTC(), userID)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "update quota", Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "update quota", Err: err}
	}
	if affected == 0 {
		return &errors.ErrNotFound{Entity: "credential", Key: userID}
	}
	return nil
}

// GetCredential retrieves a credential by user ID
func (s *SQLiteStore) GetCredential(userID string) (*models.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow("SELECT "+credentialColumns+" FROM credentials WHERE user_id = ?", userID)
	cred, err := scanCredential(row)
	if err == sql.ErrNoRows {
		return nil, &errors.ErrNotFound{Entity: "credential", Key: userID}
	}
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "get credential", Err: err}
	}
	return cred, nil
}

// GetCredentialBySession retrieves a credential by its persistent session ID
func (s *SQLiteStore) GetCredentialBySession(sessionID string) (*models.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow("SELECT "+credentialColumns+" FROM credentials WHERE session_id = ?", sessionID)
	cred, err := scanCredential(row)
	if err == sql.ErrNoRows {
		return nil, &errors.ErrNotFound{Entity: "credential", Key: sessionID}
	}
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "get credential by session", Err: err}
	}
	return cred, nil
}

// ListCredentials returns all credentials
func (s *SQLiteStore) ListCredentials() ([]*models.Credential, error) {
	return s.listCredentials("SELECT " + credentialColumns + " FROM credentials")
}

// ListActiveCredentials returns only credentials with is_active set
func (s *SQLiteStore) ListActiveCredentials() ([]*models.Credential, error) {
	return s.listCredentials("SELECT " + credentialColumns + " FROM credentials WHERE is_active = 1")
}

func (s *SQLiteStore) listCredentials(query string) ([]*models.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "list credentials", Err: err}
	}
	defer rows.Close()

	var result []*models.Credential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, &errors.ErrDatabaseQuery{Operation: "scan credential", Err: err}
		}
		result = append(result, cred)
	}
	if err := rows.Err(); err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "list credentials", Err: err}
	}
	return result, nil
}

// DeleteCredential removes a credential by user ID
func (s *SQLiteStore) DeleteCredential(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM credentials WHERE user_id = ?", userID)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "delete credential", Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "delete credential", Err: err}
	}
	if affected == 0 {
		return &errors.ErrNotFound{Entity: "credential", Key: userID}
	}
	return nil
}

// OAuth state operations

// SaveOAuthState persists a pending OAuth authorization nonce
func (s *SQLiteStore) SaveOAuthState(state *models.OAuthState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO oauth_states (state, user_id, redirect_uri, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(state) DO UPDATE SET
			user_id = excluded.user_id,
			redirect_uri = excluded.redirect_uri,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
	`, state.State, state.UserID, state.RedirectURI, state.CreatedAt, state.ExpiresAt)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "save oauth state", Err: err}
	}
	return nil
}

// ConsumeOAuthState retrieves and deletes a state nonce in a single operation
func (s *SQLiteStore) ConsumeOAuthState(state string) (*models.OAuthState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st models.OAuthState
	err := s.db.QueryRow(`
		SELECT state, user_id, redirect_uri, created_at, expires_at
		FROM oauth_states WHERE state = ?
	`, state).Scan(&st.State, &st.UserID, &st.RedirectURI, &st.CreatedAt, &st.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, &errors.ErrNotFound{Entity: "oauth state", Key: state}
	}
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "get oauth state", Err: err}
	}

	if _, err := s.db.Exec("DELETE FROM oauth_states WHERE state = ?", state); err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "delete oauth state", Err: err}
	}

	if st.Expired(time.Now()) {
		return nil, &errors.ErrNotFound{Entity: "oauth state", Key: state}
	}
	return &st, nil
}

// DeleteExpiredOAuthStates removes nonces that expired before now
func (s *SQLiteStore) DeleteExpiredOAuthStates(now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM oauth_states WHERE expires_at < ?", now)
	if err != nil {
		return 0, &errors.ErrDatabaseQuery{Operation: "cleanup oauth states", Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, &errors.ErrDatabaseQuery{Operation: "cleanup oauth states", Err: err}
	}
	return int(affected), nil
}

// Scan helpers

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCredential(row rowScanner) (*models.Credential, error) {
	var (
		cred           models.Credential
		lastRefresh    sql.NullTime
		lastActivity   sql.NullTime
		deactivatedAt  sql.NullTime
		quotaTotal     sql.NullInt64
		quotaUsed      sql.NullInt64
		lastQuotaCheck sql.NullTime
		warningLevel   string
		warnings       string
	)

	err := row.Scan(
		&cred.UserID, &cred.Email, &cred.SessionID, &cred.AccessToken, &cred.RefreshToken,
		&cred.TokenExpiresAt, &lastRefresh, &lastActivity,
		&cred.IsPersistent, &cred.AutoRefreshEnabled, &cred.IsActive, &cred.DeactivatedReason, &deactivatedAt,
		&cred.RefreshAttempts, &cred.MaxRefreshFailures,
		&quotaTotal, &quotaUsed, &lastQuotaCheck, &warningLevel, &warnings,
		&cred.CreatedAt, &cred.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if lastRefresh.Valid {
		cred.LastRefreshAt = &lastRefresh.Time
	}
	if lastActivity.Valid {
		cred.LastActivityAt = &lastActivity.Time
	}
	if deactivatedAt.Valid {
		cred.DeactivatedAt = &deactivatedAt.Time
	}
	if quotaTotal.Valid {
		cred.DriveQuotaTotal = &quotaTotal.Int64
	}
	if quotaUsed.Valid {
		cred.DriveQuotaUsed = &quotaUsed.Int64
	}
	if lastQuotaCheck.Valid {
		cred.LastQuotaCheck = &lastQuotaCheck.Time
	}
	cred.QuotaWarningLevel = models.WarningLevel(warningLevel)

	if warnings != "" {
		if err := json.Unmarshal([]byte(warnings), &cred.QuotaWarningsSent); err != nil {
			return nil, err
		}
	}

	return &cred, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullInt64(n *int64) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *n, Valid: true}
}
