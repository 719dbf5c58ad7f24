package cli

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/drivesentry/drivesentry/internal/models"
)

func TestRootCommand(t *testing.T) {
	assert.NotNil(t, RootCmd)
	assert.Equal(t, "drivesentry", RootCmd.Use)
	assert.Contains(t, RootCmd.Long, "DriveSentry")
}

func TestVersionCommand(t *testing.T) {
	assert.NotNil(t, versionCmd)
	assert.Equal(t, "version", versionCmd.Use)
}

func TestGetGlobalFlags(t *testing.T) {
	InitCLI()

	flags := GetGlobalFlags()
	assert.Equal(t, "config.yaml", flags.Config)
	assert.Equal(t, "./data/drivesentry.db", flags.DBPath)
	assert.False(t, flags.Verbose)
}

func TestInitCLIIdempotent(t *testing.T) {
	InitCLI()
	InitCLI()
	assert.True(t, cliInitialized)
}

func TestGetVersionInfo(t *testing.T) {
	info := GetVersionInfo()
	assert.NotEmpty(t, info.Version)
	assert.NotEmpty(t, info.GoVersion)
	assert.NotEmpty(t, info.OS)
	assert.NotEmpty(t, info.Arch)
}

func TestRegisteredCommands(t *testing.T) {
	InitCLI()

	names := map[string]bool{}
	for _, cmd := range RootCmd.Commands() {
		names[cmd.Name()] = true
	}
	assert.True(t, names["serve"], "serve command missing")
	assert.True(t, names["status"], "status command missing")
	assert.True(t, names["check"], "check command missing")
	assert.True(t, names["version"], "version command missing")
}

func TestDisplayCredential(t *testing.T) {
	now := time.Now()
	total := int64(100 << 30)
	used := int64(90 << 30)
	lastCheck := now.Add(-time.Hour)

	cred := &models.Credential{
		UserID:             "admin",
		Email:              "admin@example.com",
		SessionID:          "session-1",
		AccessToken:        "secret",
		TokenExpiresAt:     now.Add(30 * time.Minute),
		IsActive:           true,
		MaxRefreshFailures: 3,
		DriveQuotaTotal:    &total,
		DriveQuotaUsed:     &used,
		LastQuotaCheck:     &lastCheck,
		QuotaWarningLevel:  models.WarningHigh,
	}

	d := displayCredential(cred, now)
	assert.Equal(t, "admin", d.UserID)
	assert.True(t, d.Active)
	assert.True(t, d.TokenValid)
	assert.InDelta(t, 90.0, d.UsagePercent, 0.01)
	assert.Equal(t, string(models.WarningHigh), d.WarningLevel)
	assert.Equal(t, "30m0s", d.ExpiresIn)
}

func TestDisplayCredentialExpiredAndUnchecked(t *testing.T) {
	now := time.Now()
	cred := &models.Credential{
		UserID:             "admin",
		SessionID:          "session-1",
		TokenExpiresAt:     now.Add(-time.Minute),
		IsActive:           false,
		DeactivatedReason:  models.DeactivatedRevoked,
		MaxRefreshFailures: 3,
	}

	d := displayCredential(cred, now)
	assert.False(t, d.Active)
	assert.Equal(t, models.DeactivatedRevoked, d.DeactivatedReason)
	assert.Equal(t, "expired", d.ExpiresIn)
	assert.Equal(t, string(models.WarningNone), d.WarningLevel)
	assert.Zero(t, d.UsagePercent)
	assert.Empty(t, d.LastQuotaCheck)
}

func TestEnvDuration(t *testing.T) {
	t.Setenv("DS_TEST_TIMEOUT", "45s")
	assert.Equal(t, 45*time.Second, envDuration("DS_TEST_TIMEOUT", time.Minute))

	t.Setenv("DS_TEST_TIMEOUT", "not-a-duration")
	assert.Equal(t, time.Minute, envDuration("DS_TEST_TIMEOUT", time.Minute))

	assert.Equal(t, time.Minute, envDuration("DS_TEST_UNSET", time.Minute))
}
