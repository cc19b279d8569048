package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/foxbiz/better-keep-sub001/audit"
)

var (
	auditSince        string
	auditUntil        string
	auditAction       string
	auditDevice       string
	auditFailuresOnly bool
	auditRecoveryOnly bool
	auditLimit        int
	auditOffset       int
	auditOutput       string
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the key-custody audit trail",
	Long: `Query the audit trail of key-custody operations on this account: device
registrations, approvals, revocations, recovery key usage, and unwrap
attempts.

Requires audit logging to be enabled (audit.enabled in the config file or
the --audit flag).`,
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query audit events with filters",
	Long: `Query audit events with various filtering options.

Examples:
  # Everything recorded for the account
  keepctl audit query

  # Failed operations in the last 24 hours
  keepctl audit query --failures-only --since 24h

  # Recovery key activity in a date range
  keepctl audit query --recovery-only --since "2026-01-01T00:00:00Z" --until "2026-01-31T23:59:59Z"

  # What one device has been doing
  keepctl audit query --device 5b9cfa32`,
	RunE: runAuditQuery,
}

var auditSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show per-action audit statistics",
	Long: `Aggregate the audit trail into per-action totals.

Examples:
  # Whole recorded history
  keepctl audit summary

  # Only the last week
  keepctl audit summary --since 168h`,
	RunE: runAuditSummary,
}

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export audit events as JSON lines",
	Long: `Write every matching audit event as one JSON object per line, suitable for
archiving or feeding into log tooling.`,
	RunE: runAuditExport,
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditQueryCmd)
	auditCmd.AddCommand(auditSummaryCmd)
	auditCmd.AddCommand(auditExportCmd)

	for _, cmd := range []*cobra.Command{auditQueryCmd, auditSummaryCmd, auditExportCmd} {
		cmd.Flags().StringVar(&auditSince, "since", "", "only events after this time (RFC3339 or a duration like 24h)")
		cmd.Flags().StringVar(&auditUntil, "until", "", "only events before this time (RFC3339 or a duration like 1h)")
	}

	auditQueryCmd.Flags().StringVar(&auditAction, "action", "", "filter by action name (e.g. approve_device)")
	auditQueryCmd.Flags().StringVar(&auditDevice, "device", "", "filter by device id")
	auditQueryCmd.Flags().BoolVar(&auditFailuresOnly, "failures-only", false, "only failed operations")
	auditQueryCmd.Flags().BoolVar(&auditRecoveryOnly, "recovery-only", false, "only recovery key operations")
	auditQueryCmd.Flags().IntVar(&auditLimit, "limit", 50, "maximum number of events to show")
	auditQueryCmd.Flags().IntVar(&auditOffset, "offset", 0, "number of events to skip")
	auditQueryCmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	auditExportCmd.Flags().StringVarP(&auditOutput, "output", "o", "", "write to a file instead of stdout")
}

// requireAuditEnabled rejects audit commands early when nothing was ever
// recorded, instead of silently returning zero events.
func requireAuditEnabled() error {
	if !viper.GetBool("audit.enabled") {
		return fmt.Errorf("audit logging is disabled: enable it with --audit or audit.enabled in the config file")
	}
	return nil
}

func buildAuditQuery() (audit.QueryOptions, error) {
	account, err := stack.AccountID()
	if err != nil {
		return audit.QueryOptions{}, fmt.Errorf("failed to resolve account: %w", err)
	}
	options := audit.QueryOptions{
		AccountID:      account,
		Action:         auditAction,
		DeviceID:       auditDevice,
		RecoveryAccess: auditRecoveryOnly,
		Limit:          auditLimit,
		Offset:         auditOffset,
	}

	if auditSince != "" {
		since, err := parseSinceFlag(auditSince)
		if err != nil {
			return options, fmt.Errorf("invalid --since value: %w", err)
		}
		options.Since = since
	}
	if auditUntil != "" {
		until, err := parseSinceFlag(auditUntil)
		if err != nil {
			return options, fmt.Errorf("invalid --until value: %w", err)
		}
		options.Until = until
	}
	if auditFailuresOnly {
		failed := false
		options.Success = &failed
	}
	return options, nil
}

func runAuditQuery(cmd *cobra.Command, args []string) error {
	if err := requireAuditEnabled(); err != nil {
		return err
	}

	options, err := buildAuditQuery()
	if err != nil {
		return err
	}

	result, err := auditLogger.Query(options)
	if err != nil {
		return fmt.Errorf("failed to query audit trail: %w", err)
	}

	if jsonOutput {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(result)
	}

	if len(result.Events) == 0 {
		fmt.Println("No audit events match the filters.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tDEVICE\tRESULT\tERROR")
	for _, event := range result.Events {
		outcome := "ok"
		if !event.Success {
			outcome = "FAILED"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			event.Timestamp.Format(time.RFC3339),
			event.Action,
			shortID(event.DeviceID),
			outcome,
			event.Error,
		)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Printf("\nShowing %d of %d matching events", len(result.Events), result.Filtered)
	if result.HasMore {
		fmt.Printf(" (more available, use --offset %d)", auditOffset+len(result.Events))
	}
	fmt.Println()
	return nil
}

func runAuditSummary(cmd *cobra.Command, args []string) error {
	if err := requireAuditEnabled(); err != nil {
		return err
	}

	options, err := buildAuditQuery()
	if err != nil {
		return err
	}
	// The summary walks the whole matching range.
	options.Limit = 0
	options.Offset = 0

	result, err := auditLogger.Query(options)
	if err != nil {
		return fmt.Errorf("failed to query audit trail: %w", err)
	}
	if len(result.Events) == 0 {
		fmt.Println("No audit events recorded.")
		return nil
	}

	type actionStats struct {
		total    int
		failures int
	}
	stats := make(map[string]*actionStats)
	var failures int
	var first, last time.Time
	for _, event := range result.Events {
		entry := stats[event.Action]
		if entry == nil {
			entry = &actionStats{}
			stats[event.Action] = entry
		}
		entry.total++
		if !event.Success {
			entry.failures++
			failures++
		}
		if first.IsZero() || event.Timestamp.Before(first) {
			first = event.Timestamp
		}
		if event.Timestamp.After(last) {
			last = event.Timestamp
		}
	}

	actions := make([]string, 0, len(stats))
	for action := range stats {
		actions = append(actions, action)
	}
	sort.Strings(actions)

	fmt.Printf("Account: %s\n", options.AccountID)
	fmt.Printf("Range:   %s to %s\n", first.Format(time.RFC3339), last.Format(time.RFC3339))
	fmt.Printf("Events:  %d total, %d failed\n\n", len(result.Events), failures)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ACTION\tTOTAL\tFAILED")
	for _, action := range actions {
		entry := stats[action]
		fmt.Fprintf(w, "%s\t%d\t%d\n", action, entry.total, entry.failures)
	}
	return w.Flush()
}

func runAuditExport(cmd *cobra.Command, args []string) error {
	if err := requireAuditEnabled(); err != nil {
		return err
	}

	options, err := buildAuditQuery()
	if err != nil {
		return err
	}
	options.Limit = 0
	options.Offset = 0

	result, err := auditLogger.Query(options)
	if err != nil {
		return fmt.Errorf("failed to query audit trail: %w", err)
	}

	out := os.Stdout
	if auditOutput != "" {
		file, err := os.OpenFile(auditOutput, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
		if err != nil {
			return fmt.Errorf("failed to open output file: %w", err)
		}
		defer func() { _ = file.Close() }()
		out = file
	}

	encoder := json.NewEncoder(out)
	for _, event := range result.Events {
		if err := encoder.Encode(event); err != nil {
			return fmt.Errorf("failed to write event: %w", err)
		}
	}

	if auditOutput != "" {
		fmt.Printf("Exported %d events to %s\n", len(result.Events), auditOutput)
	}
	return nil
}
