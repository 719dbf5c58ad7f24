package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/drivesentry/drivesentry/internal/models"
	"github.com/drivesentry/drivesentry/internal/quota"
	"github.com/drivesentry/drivesentry/internal/store"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:     "status",
	Aliases: []string{"st"},
	Short:   "Show the stored credential and quota state",
	Long: `Show the state of every stored credential without contacting the
storage provider. Token values are never printed.

Example:
  drivesentry status --db ./data/drivesentry.db`,
	RunE: runStatus,
}

func init() {
	RootCmd.AddCommand(statusCmd)
}

// credentialDisplay is the printable view of a credential
type credentialDisplay struct {
	UserID            string  `json:"user_id"`
	Email             string  `json:"email"`
	SessionID         string  `json:"session_id"`
	Active            bool    `json:"active"`
	DeactivatedReason string  `json:"deactivated_reason,omitempty"`
	TokenValid        bool    `json:"token_valid"`
	ExpiresIn         string  `json:"expires_in"`
	RefreshAttempts   int     `json:"refresh_attempts"`
	UsagePercent      float64 `json:"usage_percent"`
	WarningLevel      string  `json:"warning_level"`
	LastQuotaCheck    string  `json:"last_quota_check,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	s, err := store.NewSQLiteStore(globalFlags.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer s.Close()

	creds, err := s.ListCredentials()
	if err != nil {
		return fmt.Errorf("failed to list credentials: %w", err)
	}

	now := time.Now()
	rows := make([]credentialDisplay, 0, len(creds))
	for _, c := range creds {
		rows = append(rows, displayCredential(c, now))
	}

	if globalFlags.JSON {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(rows)
	}

	if len(rows) == 0 {
		fmt.Println("No credentials stored. Run the OAuth flow first.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "USER\tEMAIL\tSESSION\tACTIVE\tEXPIRES IN\tUSAGE\tWARNING\tLAST CHECK")
	for _, r := range rows {
		active := "yes"
		if !r.Active {
			active = "no (" + r.DeactivatedReason + ")"
		}
		lastCheck := r.LastQuotaCheck
		if lastCheck == "" {
			lastCheck = "never"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%.1f%%\t%s\t%s\n",
			r.UserID,
			r.Email,
			r.SessionID,
			active,
			r.ExpiresIn,
			r.UsagePercent,
			r.WarningLevel,
			lastCheck,
		)
	}
	return w.Flush()
}

func displayCredential(c *models.Credential, now time.Time) credentialDisplay {
	d := credentialDisplay{
		UserID:            c.UserID,
		Email:             c.Email,
		SessionID:         c.SessionID,
		Active:            c.IsActive,
		DeactivatedReason: c.DeactivatedReason,
		TokenValid:        c.TokenValid(now),
		RefreshAttempts:   c.RefreshAttempts,
		UsagePercent:      quota.UsagePercent(c.DriveQuotaUsed, c.DriveQuotaTotal),
		WarningLevel:      string(c.QuotaWarningLevel),
	}
	if c.QuotaWarningLevel == "" {
		d.WarningLevel = string(models.WarningNone)
	}
	if remaining := c.TokenExpiresAt.Sub(now); remaining > 0 {
		d.ExpiresIn = remaining.Truncate(time.Second).String()
	} else {
		d.ExpiresIn = "expired"
	}
	if c.LastQuotaCheck != nil {
		d.LastQuotaCheck = c.LastQuotaCheck.Format(time.RFC3339)
	}
	return d
}
