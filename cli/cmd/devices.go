package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	e2ee "github.com/foxbiz/better-keep-sub001"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "Manage trusted devices",
	Long: `Manage the devices registered on this account: list them, approve pending
registrations, revoke access, and wait for this device's own approval.`,
}

var devicesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered devices",
	Long:  `List every device record on the account with its trust status.`,
	RunE:  runDevicesList,
}

var devicesApproveCmd = &cobra.Command{
	Use:   "approve <device-id>",
	Short: "Approve a pending device",
	Long: `Wrap the account master key for a pending device, granting it access to
encrypted content. The device id may be abbreviated to a unique prefix.`,
	Args: cobra.ExactArgs(1),
	RunE: runDevicesApprove,
}

var devicesRevokeCmd = &cobra.Command{
	Use:   "revoke <device-id>",
	Short: "Revoke a device",
	Long: `Remove a device's record and its wrapped master key. The device keeps any
content it already decrypted but can never unwrap the key again.`,
	Args: cobra.ExactArgs(1),
	RunE: runDevicesRevoke,
}

var devicesResetCmd = &cobra.Command{
	Use:   "reset <device-id>",
	Short: "Reset a device to pending",
	Long:  `Strip a device's wrapped key and return it to the approval queue.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runDevicesReset,
}

var devicesPromoteCmd = &cobra.Command{
	Use:   "promote",
	Short: "Make this the only approved device",
	Long: `Remove every other device record, leaving this device as the account's
single trust anchor. Other devices will have to be re-approved from here.`,
	RunE: runDevicesPromote,
}

var devicesReapprovalCmd = &cobra.Command{
	Use:   "request-reapproval",
	Short: "Put this device back in the approval queue",
	Long: `Re-register this device as pending after it was revoked or its record was
removed. Another approved device must approve it again.`,
	RunE: runDevicesReapproval,
}

var devicesWaitCmd = &cobra.Command{
	Use:   "wait",
	Short: "Wait for this device to be approved",
	Long:  `Block until another device approves this one, then unwrap the master key.`,
	RunE:  runDevicesWait,
}

var (
	devicesForce bool
	waitTimeout  time.Duration
)

func init() {
	rootCmd.AddCommand(devicesCmd)

	devicesCmd.AddCommand(devicesListCmd)
	devicesCmd.AddCommand(devicesApproveCmd)
	devicesCmd.AddCommand(devicesRevokeCmd)
	devicesCmd.AddCommand(devicesResetCmd)
	devicesCmd.AddCommand(devicesPromoteCmd)
	devicesCmd.AddCommand(devicesReapprovalCmd)
	devicesCmd.AddCommand(devicesWaitCmd)

	devicesListCmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	devicesRevokeCmd.Flags().BoolVar(&devicesForce, "force", false, "skip confirmation prompt")
	devicesPromoteCmd.Flags().BoolVar(&devicesForce, "force", false, "skip confirmation prompt")
	devicesWaitCmd.Flags().DurationVar(&waitTimeout, "timeout", 0, "give up after this long (0 = wait forever)")
}

func runDevicesList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	devices, err := stack.Trust().ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("failed to list devices: %w", err)
	}

	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(devices)
	}

	if len(devices) == 0 {
		fmt.Println("No devices registered.")
		return nil
	}

	ownID, _ := stack.Trust().CurrentDeviceID()
	masterID, err := stack.Trust().MasterDeviceID(ctx)
	if err != nil {
		masterID = ""
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tPLATFORM\tSTATUS\tCREATED\tAPPROVED\t")

	for _, device := range devices {
		approved := "-"
		if device.ApprovedAt != nil {
			approved = device.ApprovedAt.Format("2006-01-02 15:04")
		}

		var marks []string
		if device.ID == ownID {
			marks = append(marks, "this device")
		}
		if device.ID == masterID {
			marks = append(marks, "master")
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(device.ID),
			device.Name,
			device.Platform,
			statusLabel(device.Status),
			device.CreatedAt.Format("2006-01-02 15:04"),
			approved,
			strings.Join(marks, ", "),
		)
	}

	return w.Flush()
}

func runDevicesApprove(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if err := requireUsable(cmd); err != nil {
		return err
	}

	device, err := findDevice(ctx, args[0])
	if err != nil {
		return err
	}
	if !device.Pending() {
		return fmt.Errorf("device %s is %s, only pending devices can be approved", shortID(device.ID), device.Status)
	}

	if err := stack.Trust().ApproveDevice(ctx, device.ID); err != nil {
		return fmt.Errorf("failed to approve device: %w", err)
	}

	fmt.Printf("%s Approved device %s", color.GreenString("✓"), shortID(device.ID))
	if device.Name != "" {
		fmt.Printf(" (%s)", device.Name)
	}
	fmt.Println()
	return nil
}

func runDevicesRevoke(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if err := requireUsable(cmd); err != nil {
		return err
	}

	device, err := findDevice(ctx, args[0])
	if err != nil {
		return err
	}

	if !devicesForce {
		name := device.Name
		if name == "" {
			name = shortID(device.ID)
		}
		if !promptConfirmation(fmt.Sprintf("Revoke device '%s'? It will lose access to all encrypted content.", name)) {
			fmt.Println("Operation cancelled.")
			return nil
		}
	}

	if err := stack.Trust().RevokeDevice(ctx, device.ID); err != nil {
		return fmt.Errorf("failed to revoke device: %w", err)
	}

	fmt.Printf("%s Revoked device %s\n", color.GreenString("✓"), shortID(device.ID))
	return nil
}

func runDevicesReset(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	device, err := findDevice(ctx, args[0])
	if err != nil {
		return err
	}

	if err := stack.Trust().ResetDeviceToPending(ctx, device.ID); err != nil {
		return fmt.Errorf("failed to reset device: %w", err)
	}

	fmt.Printf("%s Device %s returned to the approval queue\n", color.GreenString("✓"), shortID(device.ID))
	return nil
}

func runDevicesPromote(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if err := requireUsable(cmd); err != nil {
		return err
	}

	if !devicesForce {
		if !promptConfirmation("Remove every other device from this account?") {
			fmt.Println("Operation cancelled.")
			return nil
		}
	}

	if err := stack.Trust().SetCurrentDeviceAsPrimary(ctx); err != nil {
		return fmt.Errorf("failed to promote this device: %w", err)
	}

	fmt.Printf("%s This device is now the account's only trust anchor\n", color.GreenString("✓"))
	return nil
}

func runDevicesReapproval(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if _, err := stack.Orchestrator().Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize custody state: %w", err)
	}

	if err := stack.Trust().RequestReapproval(ctx); err != nil {
		return fmt.Errorf("failed to request reapproval: %w", err)
	}

	fmt.Printf("%s Reapproval requested. Approve this device from another device, then run 'keepctl devices wait'.\n",
		color.GreenString("✓"))
	return nil
}

func runDevicesWait(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if waitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, waitTimeout)
		defer cancel()
	}

	status, err := stack.Orchestrator().Initialize(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize custody state: %w", err)
	}
	if status.Usable() {
		fmt.Printf("%s Device is already approved\n", color.GreenString("✓"))
		return nil
	}
	if status != e2ee.StatusPendingApproval {
		return fmt.Errorf("device is not waiting for approval (status: %s)", status)
	}

	changes := stack.Orchestrator().WatchStatus(ctx)

	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Suffix = " Waiting for approval from another device..."
	// Ignore color errors - continue without colored spinner if it fails.
	_ = s.Color("cyan")
	if !verboseFlag {
		s.Start()
	}
	defer s.Stop()

	for {
		select {
		case next, ok := <-changes:
			if !ok {
				return ctx.Err()
			}
			logger.Info("status change", zap.String("status", string(next)))
			switch next {
			case e2ee.StatusReady:
				s.FinalMSG = color.GreenString("✓") + " Device approved, master key unwrapped\n"
				return nil
			case e2ee.StatusRevoked:
				s.FinalMSG = color.RedString("✗") + " Approval was denied\n"
				return fmt.Errorf("device was revoked while waiting")
			case e2ee.StatusError:
				s.FinalMSG = color.RedString("✗") + " Error while waiting for approval\n"
				return fmt.Errorf("custody state machine reported an error")
			}
		case <-ctx.Done():
			s.FinalMSG = color.YellowString("!") + " Stopped waiting\n"
			return ctx.Err()
		}
	}
}

// findDevice resolves a full device id or a unique prefix to a record.
func findDevice(ctx context.Context, idOrPrefix string) (*e2ee.DeviceRecord, error) {
	devices, err := stack.Trust().ListDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	var matches []*e2ee.DeviceRecord
	for _, device := range devices {
		if device.ID == idOrPrefix {
			return device, nil
		}
		if strings.HasPrefix(device.ID, idOrPrefix) {
			matches = append(matches, device)
		}
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("no device matches %q", idOrPrefix)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("device id %q is ambiguous (%d matches), use more characters", idOrPrefix, len(matches))
	}
}
