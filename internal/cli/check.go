package cli

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/drivesentry/drivesentry/internal/config"
	"github.com/drivesentry/drivesentry/internal/store"
)

// checkCmd represents the check command
var checkCmd = &cobra.Command{
	Use:     "check",
	Aliases: []string{"c", "health"},
	Short:   "Zero-config health check",
	Long: `Perform a zero-config health check of the DriveSentry installation.

This command checks:
- Database connectivity
- Configuration validity
- Stored credential state

Example:
  drivesentry check`,
	RunE: runCheck,
}

func init() {
	RootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	if globalFlags.Verbose {
		log.Println("Starting health check...")
	}

	results := []CheckResult{
		checkDatabase(),
		checkConfig(),
		checkCredential(),
	}

	return outputCheckResults(results)
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func checkDatabase() CheckResult {
	result := CheckResult{
		Name:   "Database",
		Status: "OK",
	}

	s, err := store.NewSQLiteStore(globalFlags.DBPath)
	if err != nil {
		result.Status = "FAIL"
		result.Message = fmt.Sprintf("Failed to connect to database: %v", err)
		return result
	}
	defer s.Close()

	result.Message = fmt.Sprintf("Database connected successfully at: %s", globalFlags.DBPath)
	return result
}

func checkConfig() CheckResult {
	result := CheckResult{
		Name:   "Configuration",
		Status: "OK",
	}

	loader := config.NewLoader(globalFlags.Config)
	cfg, err := loader.Load()
	if err != nil {
		result.Status = "FAIL"
		result.Message = fmt.Sprintf("Failed to load configuration: %v", err)
		return result
	}

	result.Message = fmt.Sprintf("Configuration valid (version: %s)", cfg.Version)
	result.Details = fmt.Sprintf("Server: %s:%d, Monitor interval: %s", cfg.Server.Host, cfg.Server.HTTPPort, cfg.Monitor.CheckInterval)
	return result
}

func checkCredential() CheckResult {
	result := CheckResult{
		Name:   "Credential",
		Status: "OK",
	}

	s, err := store.NewSQLiteStore(globalFlags.DBPath)
	if err != nil {
		result.Status = "FAIL"
		result.Message = fmt.Sprintf("Failed to open database: %v", err)
		return result
	}
	defer s.Close()

	creds, err := s.ListCredentials()
	if err != nil {
		result.Status = "FAIL"
		result.Message = fmt.Sprintf("Failed to list credentials: %v", err)
		return result
	}

	if len(creds) == 0 {
		result.Status = "WARNING"
		result.Message = "No credential stored, run the OAuth flow first"
		return result
	}

	active := 0
	for _, c := range creds {
		if c.IsActive {
			active++
		}
	}
	result.Message = fmt.Sprintf("%d credentials stored, %d active", len(creds), active)
	if active == 0 {
		result.Status = "WARNING"
		result.Details = "All credentials are deactivated, re-authorization required"
	}
	return result
}

func outputCheckResults(results []CheckResult) error {
	if globalFlags.JSON {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(results)
	}
	return outputCheckResultsTable(results)
}

func outputCheckResultsTable(results []CheckResult) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CHECK\tSTATUS\tMESSAGE\tDETAILS")

	allPassed := true
	for _, r := range results {
		statusIcon := "✓"
		if r.Status == "FAIL" {
			statusIcon = "✗"
			allPassed = false
		} else if r.Status == "WARNING" {
			statusIcon = "!"
		}

		details := r.Details
		if details == "" {
			details = "-"
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			r.Name,
			statusIcon+" "+r.Status,
			r.Message,
			details,
		)
	}

	if err := w.Flush(); err != nil {
		log.Printf("Error flushing tabwriter: %v", err)
	}

	fmt.Println()
	if !allPassed {
		fmt.Println("✗ Some checks failed. Please review the output above.")
		return fmt.Errorf("health check failed")
	}
	fmt.Println("✓ All checks passed!")
	return nil
}
