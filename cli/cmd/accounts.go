package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Inspect accounts in the configured store",
	Long: `Inspect and maintain the accounts that have documents in the configured
store backend. These commands work on the store directly and do not need a
device identity.`,
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts with stored documents",
	RunE:  runAccountsList,
}

var accountsPurgeCmd = &cobra.Command{
	Use:   "purge <account-id>",
	Short: "Delete every document of an account",
	Long: `Remove all device records and the recovery key of an account from the store.
Devices of that account lose the ability to unwrap the master key; content
sealed under it becomes unreadable unless a device still holds it cached.`,
	Args: cobra.ExactArgs(1),
	RunE: runAccountsPurge,
}

var (
	accountsDetails bool
	accountsForce   bool
)

func init() {
	rootCmd.AddCommand(accountsCmd)
	accountsCmd.AddCommand(accountsListCmd)
	accountsCmd.AddCommand(accountsPurgeCmd)

	accountsListCmd.Flags().BoolVar(&accountsDetails, "details", false, "open each account and report device counts")
	accountsListCmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	accountsPurgeCmd.Flags().BoolVar(&accountsForce, "force", false, "skip confirmation prompt")
}

// accountsStoreScope returns the account used to open the maintenance
// store. Account-level operations ignore the scope, so any value works.
func accountsStoreScope() string {
	if account := viper.GetString("keep.account"); account != "" {
		return account
	}
	if account := os.Getenv("KEEP_ACCOUNT"); account != "" {
		return account
	}
	return "default"
}

type accountSummary struct {
	AccountID   string `json:"account_id"`
	Devices     int    `json:"devices,omitempty"`
	Pending     int    `json:"pending,omitempty"`
	RecoveryKey bool   `json:"recovery_key,omitempty"`
}

func runAccountsList(cmd *cobra.Command, args []string) error {
	store, err := createDocStore(accountsStoreScope())
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() { _ = store.Close() }()

	accounts, err := store.ListAccounts()
	if err != nil {
		return fmt.Errorf("failed to list accounts: %w", err)
	}

	if len(accounts) == 0 {
		if !jsonOutput {
			fmt.Println("No accounts found in the configured store.")
			return nil
		}
		return json.NewEncoder(os.Stdout).Encode([]accountSummary{})
	}

	summaries := make([]accountSummary, 0, len(accounts))
	for _, accountID := range accounts {
		summary := accountSummary{AccountID: accountID}
		if accountsDetails {
			if err := fillAccountDetails(&summary); err != nil {
				logger.Warn("could not inspect account",
					zap.String("account", accountID),
					zap.Error(err))
			}
		}
		summaries = append(summaries, summary)
	}

	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(summaries)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	if accountsDetails {
		fmt.Fprintln(w, "ACCOUNT\tDEVICES\tPENDING\tRECOVERY KEY")
		for _, summary := range summaries {
			recovery := "no"
			if summary.RecoveryKey {
				recovery = "yes"
			}
			fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", summary.AccountID, summary.Devices, summary.Pending, recovery)
		}
	} else {
		fmt.Fprintln(w, "ACCOUNT")
		for _, summary := range summaries {
			fmt.Fprintf(w, "%s\n", summary.AccountID)
		}
	}
	return w.Flush()
}

// fillAccountDetails opens a store scoped to the summary's account and
// counts its documents.
func fillAccountDetails(summary *accountSummary) error {
	scoped, err := createDocStore(summary.AccountID)
	if err != nil {
		return err
	}
	defer func() { _ = scoped.Close() }()

	docs, err := scoped.ListDevices()
	if err != nil {
		return err
	}
	summary.Devices = len(docs)
	// The store hands back opaque documents; peek at the status field only.
	for _, doc := range docs {
		var probe struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(doc.Data, &probe); err == nil && probe.Status == "pending" {
			summary.Pending++
		}
	}

	exists, err := scoped.RecoveryKeyExists()
	if err != nil {
		return err
	}
	summary.RecoveryKey = exists
	return nil
}

func runAccountsPurge(cmd *cobra.Command, args []string) error {
	target := args[0]

	if !accountsForce {
		prompt := fmt.Sprintf("Delete every document of account '%s'? Content sealed under its master key becomes unreadable.", target)
		if !promptConfirmation(prompt) {
			fmt.Println("Operation cancelled.")
			return nil
		}
	}

	store, err := createDocStore(accountsStoreScope())
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() { _ = store.Close() }()

	if err := store.DeleteAccount(target); err != nil {
		return fmt.Errorf("failed to purge account: %w", err)
	}

	fmt.Printf("%s Account %s purged from the store\n", color.GreenString("✓"), target)
	return nil
}
