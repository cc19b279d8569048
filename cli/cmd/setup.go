package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	e2ee "github.com/foxbiz/better-keep-sub001"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Set this device up for the account",
	Long: `Register this device on the account. On an empty account the device becomes
the first trust anchor immediately; on an account with existing devices it
joins the approval queue.

With --fresh, an inaccessible account (no approved devices, no usable
recovery key) is abandoned and rebuilt around this device. Content sealed
under the old master key becomes permanently unreadable.`,
	RunE: runSetup,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out on this device",
	Long: `Tear down the local session. With --remember the device identity survives so
the next sign-in skips the approval queue; without it every local secret is
destroyed and the next sign-in starts from a blank device.`,
	RunE: runLogout,
}

var (
	setupFresh     bool
	setupName      string
	logoutRemember bool
)

func init() {
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(logoutCmd)

	setupCmd.Flags().BoolVar(&setupFresh, "fresh", false, "abandon the old account key material and start over")
	setupCmd.Flags().StringVar(&setupName, "name", "", "device name (default: configured name or hostname)")
	setupCmd.Flags().BoolVar(&devicesForce, "force", false, "skip confirmation prompt")

	logoutCmd.Flags().BoolVar(&logoutRemember, "remember", false, "keep the device identity for a cheap next sign-in")
}

func runSetup(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	status, err := stack.Orchestrator().Initialize(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize custody state: %w", err)
	}

	if setupFresh {
		if status != e2ee.StatusNotSetUp && status != e2ee.StatusNeedsRecovery {
			return fmt.Errorf("--fresh is only available when the account is inaccessible (status: %s)", status)
		}
		if !devicesForce {
			if !promptConfirmation("Abandon the existing account key material? All previously encrypted content becomes unreadable.") {
				fmt.Println("Operation cancelled.")
				return nil
			}
		}
		device, err := stack.Orchestrator().StartFresh(ctx, setupName, "", nil)
		if err != nil {
			return fmt.Errorf("failed to start fresh: %w", err)
		}
		fmt.Printf("%s Account rebuilt around this device (%s)\n", color.GreenString("✓"), shortID(device.ID))
		return nil
	}

	switch status {
	case e2ee.StatusReady, e2ee.StatusVerifying:
		fmt.Printf("%s Device is set up and ready\n", color.GreenString("✓"))
	case e2ee.StatusPendingApproval:
		fmt.Printf("%s Device registered, waiting for approval\n", color.YellowString("!"))
		fmt.Println("Approve it from another device, then run 'keepctl devices wait'.")
	case e2ee.StatusNeedsRecovery:
		fmt.Printf("%s Account has no approved devices\n", color.RedString("✗"))
		fmt.Println("Run 'keepctl recovery recover' with the recovery passphrase, or 'keepctl setup --fresh' to start over.")
	case e2ee.StatusRevoked:
		fmt.Printf("%s This device was revoked\n", color.RedString("✗"))
		fmt.Println("Run 'keepctl devices request-reapproval' or recover with the passphrase.")
	case e2ee.StatusNotSetUp:
		// Unreachable with a device name configured; auto-registration
		// runs during Initialize.
		fmt.Println("Device is not registered. Set keep.device_name (or --device-name) and retry.")
	default:
		fmt.Printf("Status: %s\n", status)
	}
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if err := stack.Orchestrator().SetRememberDevice(logoutRemember); err != nil {
		return fmt.Errorf("failed to set the remember flag: %w", err)
	}

	if err := stack.Orchestrator().Logout(ctx); err != nil {
		return fmt.Errorf("logout failed: %w", err)
	}

	if logoutRemember {
		fmt.Printf("%s Signed out; device identity kept for the next sign-in\n", color.GreenString("✓"))
	} else {
		fmt.Printf("%s Signed out; all local key material destroyed\n", color.GreenString("✓"))
	}
	return nil
}
