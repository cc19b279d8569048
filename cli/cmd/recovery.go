package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/atotto/clipboard"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var recoveryCmd = &cobra.Command{
	Use:   "recovery",
	Short: "Manage the account recovery passphrase",
	Long: `Manage the passphrase-wrapped copy of the account master key. The recovery
key is the only way back in when every approved device is lost.`,
}

var recoveryCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a recovery key",
	Long: `Wrap the account master key under a passphrase and store it alongside the
device records. Only one recovery key exists per account; use 'update' to
change the passphrase.`,
	RunE: runRecoveryCreate,
}

var recoveryVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check a recovery passphrase",
	Long:  `Prove that a passphrase opens the account recovery key, without using it.`,
	RunE:  runRecoveryVerify,
}

var recoveryUpdateCmd = &cobra.Command{
	Use:   "update",
	Short: "Change the recovery passphrase",
	RunE:  runRecoveryUpdate,
}

var recoveryRemoveCmd = &cobra.Command{
	Use:   "remove",
	Short: "Delete the recovery key",
	Long: `Delete the account recovery key after proving the current passphrase.
Without it, losing every approved device makes the account unrecoverable.`,
	RunE: runRecoveryRemove,
}

var recoveryHintCmd = &cobra.Command{
	Use:   "hint",
	Short: "Show the recovery passphrase hint",
	RunE:  runRecoveryHint,
}

var recoveryExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the recovery key as a bundle",
	Long: `Print the recovery key as a single portable string for offline safekeeping.
The bundle stays passphrase-wrapped; exporting does not weaken it.`,
	RunE: runRecoveryExport,
}

var recoveryImportCmd = &cobra.Command{
	Use:   "import [bundle]",
	Short: "Import a recovery key bundle",
	Long: `Restore a previously exported recovery bundle into the account store. Reads
the bundle from the argument, from --file, or from stdin.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRecoveryImport,
}

var recoveryRecoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Recover account access on this device",
	Long: `Prove the recovery passphrase and register this installation as a fresh
approved device. Unless skip_primary_on_recovery is set, every other device
is removed afterwards and must register and be approved again from here.`,
	RunE: runRecoveryRecover,
}

var (
	recoveryHint       string
	recoveryPassphrase string
	recoveryCurrent    string
	recoveryNew        string
	recoveryOutput     string
	recoveryCopy       bool
	recoveryFile       string
	recoveryForce      bool
)

func init() {
	rootCmd.AddCommand(recoveryCmd)

	recoveryCmd.AddCommand(recoveryCreateCmd)
	recoveryCmd.AddCommand(recoveryVerifyCmd)
	recoveryCmd.AddCommand(recoveryUpdateCmd)
	recoveryCmd.AddCommand(recoveryRemoveCmd)
	recoveryCmd.AddCommand(recoveryHintCmd)
	recoveryCmd.AddCommand(recoveryExportCmd)
	recoveryCmd.AddCommand(recoveryImportCmd)
	recoveryCmd.AddCommand(recoveryRecoverCmd)

	recoveryCreateCmd.Flags().StringVar(&recoveryHint, "hint", "", "hint stored next to the recovery key")
	recoveryCreateCmd.Flags().StringVar(&recoveryPassphrase, "passphrase", "", "passphrase (prompted when omitted)")

	recoveryVerifyCmd.Flags().StringVar(&recoveryPassphrase, "passphrase", "", "passphrase (prompted when omitted)")

	recoveryUpdateCmd.Flags().StringVar(&recoveryCurrent, "current-passphrase", "", "current passphrase (prompted when omitted)")
	recoveryUpdateCmd.Flags().StringVar(&recoveryNew, "new-passphrase", "", "new passphrase (prompted when omitted)")
	recoveryUpdateCmd.Flags().StringVar(&recoveryHint, "hint", "", "hint stored next to the recovery key")

	recoveryRemoveCmd.Flags().StringVar(&recoveryPassphrase, "passphrase", "", "passphrase (prompted when omitted)")
	recoveryRemoveCmd.Flags().BoolVar(&recoveryForce, "force", false, "skip confirmation prompt")

	recoveryExportCmd.Flags().StringVar(&recoveryPassphrase, "passphrase", "", "passphrase (prompted when omitted)")
	recoveryExportCmd.Flags().StringVarP(&recoveryOutput, "output", "o", "", "write the bundle to a file instead of stdout")
	recoveryExportCmd.Flags().BoolVar(&recoveryCopy, "copy", false, "copy the bundle to the clipboard")

	recoveryImportCmd.Flags().StringVarP(&recoveryFile, "file", "f", "", "read the bundle from a file")

	recoveryRecoverCmd.Flags().StringVar(&recoveryPassphrase, "passphrase", "", "passphrase (prompted when omitted)")
}

func runRecoveryCreate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if err := requireUsable(cmd); err != nil {
		return err
	}

	passphrase := recoveryPassphrase
	if passphrase == "" {
		var err error
		passphrase, err = promptNewPassphrase("Recovery passphrase")
		if err != nil {
			return err
		}
	}

	if err := stack.Recovery().Create(ctx, passphrase, recoveryHint); err != nil {
		return fmt.Errorf("failed to create recovery key: %w", err)
	}

	fmt.Printf("%s Recovery key created\n", color.GreenString("✓"))
	fmt.Println("Store the passphrase somewhere safe. It is the only way back in if every device is lost.")
	return nil
}

func runRecoveryVerify(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	passphrase, err := resolvePassphrase("Recovery passphrase: ")
	if err != nil {
		return err
	}

	ok, err := stack.Recovery().Verify(ctx, passphrase)
	if err != nil {
		return fmt.Errorf("failed to verify recovery passphrase: %w", err)
	}
	if !ok {
		fmt.Printf("%s Passphrase does not match\n", color.RedString("✗"))
		return fmt.Errorf("recovery passphrase does not match")
	}

	fmt.Printf("%s Passphrase matches\n", color.GreenString("✓"))
	return nil
}

func runRecoveryUpdate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	current := recoveryCurrent
	if current == "" {
		var err error
		current, err = readPassphrase("Current passphrase: ")
		if err != nil {
			return err
		}
	}
	replacement := recoveryNew
	if replacement == "" {
		var err error
		replacement, err = promptNewPassphrase("New passphrase")
		if err != nil {
			return err
		}
	}

	if err := stack.Recovery().Update(ctx, current, replacement, recoveryHint); err != nil {
		return fmt.Errorf("failed to update recovery key: %w", err)
	}

	fmt.Printf("%s Recovery passphrase updated\n", color.GreenString("✓"))
	return nil
}

func runRecoveryRemove(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if !recoveryForce {
		if !promptConfirmation("Delete the recovery key? Losing every device afterwards makes the account unrecoverable.") {
			fmt.Println("Operation cancelled.")
			return nil
		}
	}

	passphrase, err := resolvePassphrase("Recovery passphrase: ")
	if err != nil {
		return err
	}

	if err := stack.Recovery().Remove(ctx, passphrase); err != nil {
		return fmt.Errorf("failed to remove recovery key: %w", err)
	}

	fmt.Printf("%s Recovery key removed\n", color.GreenString("✓"))
	return nil
}

func runRecoveryHint(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	exists, err := stack.Recovery().HasRecoveryKey(ctx)
	if err != nil {
		return fmt.Errorf("failed to check recovery key: %w", err)
	}
	if !exists {
		fmt.Println("No recovery key is set for this account.")
		return nil
	}

	hint, err := stack.Recovery().Hint(ctx)
	if err != nil {
		return fmt.Errorf("failed to load recovery hint: %w", err)
	}
	if hint == "" {
		fmt.Println("The recovery key has no hint.")
		return nil
	}
	fmt.Printf("Hint: %s\n", hint)
	return nil
}

func runRecoveryExport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	passphrase, err := resolvePassphrase("Recovery passphrase: ")
	if err != nil {
		return err
	}

	bundle, err := stack.Recovery().Export(ctx, passphrase)
	if err != nil {
		return fmt.Errorf("failed to export recovery key: %w", err)
	}

	if recoveryCopy {
		if err := clipboard.WriteAll(bundle); err != nil {
			logger.Warn("clipboard unavailable", zap.Error(err))
			return fmt.Errorf("failed to copy bundle to clipboard: %w", err)
		}
		fmt.Printf("%s Recovery bundle copied to clipboard\n", color.GreenString("✓"))
		return nil
	}

	if recoveryOutput != "" {
		if err := os.WriteFile(recoveryOutput, []byte(bundle+"\n"), 0o600); err != nil {
			return fmt.Errorf("failed to write bundle: %w", err)
		}
		fmt.Printf("%s Recovery bundle written to %s\n", color.GreenString("✓"), recoveryOutput)
		return nil
	}

	fmt.Println(bundle)
	return nil
}

func runRecoveryImport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	var bundle string
	switch {
	case len(args) == 1:
		bundle = args[0]
	case recoveryFile != "":
		data, err := os.ReadFile(recoveryFile)
		if err != nil {
			return fmt.Errorf("failed to read bundle file: %w", err)
		}
		bundle = string(data)
	default:
		data, err := readAllStdin()
		if err != nil {
			return fmt.Errorf("failed to read bundle from stdin: %w", err)
		}
		bundle = string(data)
	}
	bundle = strings.TrimSpace(bundle)
	if bundle == "" {
		return fmt.Errorf("no recovery bundle provided")
	}

	if err := stack.Recovery().Import(ctx, bundle); err != nil {
		return fmt.Errorf("failed to import recovery bundle: %w", err)
	}

	fmt.Printf("%s Recovery bundle imported\n", color.GreenString("✓"))
	return nil
}

func runRecoveryRecover(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	hint, err := stack.Recovery().Hint(ctx)
	if err == nil && hint != "" {
		fmt.Printf("Hint: %s\n", hint)
	}

	passphrase, err := resolvePassphrase("Recovery passphrase: ")
	if err != nil {
		return err
	}

	device, err := stack.Orchestrator().RecoverWithPassphrase(ctx, passphrase, "", "", nil)
	if err != nil {
		return fmt.Errorf("recovery failed: %w", err)
	}

	fmt.Printf("%s Account recovered on this device (%s)\n", color.GreenString("✓"), shortID(device.ID))
	if !viper.GetBool("keep.skip_primary_on_recovery") {
		fmt.Println("Every other device was removed; they must register again and be approved from here.")
	}
	return nil
}

// resolvePassphrase returns the --passphrase flag value or prompts for one.
func resolvePassphrase(prompt string) (string, error) {
	if recoveryPassphrase != "" {
		return recoveryPassphrase, nil
	}
	return readPassphrase(prompt)
}
