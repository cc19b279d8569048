package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	e2ee "github.com/foxbiz/better-keep-sub001"
)

var statusWatch bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show custody status for this device",
	Long: `Initialize the custody state machine and report where this device stands:
whether it holds a usable master key, is waiting for approval, has been
revoked, or the account needs passphrase recovery.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().BoolVar(&statusWatch, "watch", false, "keep running and print status transitions")
	statusCmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
}

type statusReport struct {
	Status           e2ee.Status `json:"status"`
	Usable           bool        `json:"usable"`
	DeviceID         string      `json:"device_id,omitempty"`
	DeviceName       string      `json:"device_name,omitempty"`
	MasterDevice     bool        `json:"master_device"`
	MemoryProtection string      `json:"memory_protection"`
	RecoveryKey      bool        `json:"recovery_key"`
	RecoveryHint     string      `json:"recovery_hint,omitempty"`
	Devices          int         `json:"devices"`
	PendingDevices   int         `json:"pending_devices"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	status, err := stack.Orchestrator().Initialize(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize custody state: %w", err)
	}

	report := statusReport{
		Status:           status,
		Usable:           status.Usable(),
		MemoryProtection: stack.MemoryProtection().String(),
	}

	if id, err := stack.Trust().CurrentDeviceID(); err == nil {
		report.DeviceID = id
	}

	devices, err := stack.Trust().ListDevices(ctx)
	if err != nil {
		logger.Warn("could not list devices", zap.Error(err))
	} else {
		report.Devices = len(devices)
		for _, device := range devices {
			if device.Pending() {
				report.PendingDevices++
			}
			if device.ID == report.DeviceID {
				report.DeviceName = device.Name
			}
		}
	}

	if report.DeviceID != "" {
		if master, err := stack.Trust().IsMasterDevice(ctx); err == nil {
			report.MasterDevice = master
		}
	}

	if exists, err := stack.Recovery().HasRecoveryKey(ctx); err == nil {
		report.RecoveryKey = exists
		if exists {
			if hint, err := stack.Recovery().Hint(ctx); err == nil {
				report.RecoveryHint = hint
			}
		}
	}

	if jsonOutput {
		if err := json.NewEncoder(os.Stdout).Encode(report); err != nil {
			return err
		}
	} else {
		printStatusReport(report)
	}

	if statusWatch {
		return followStatus(cmd)
	}
	return nil
}

func printStatusReport(report statusReport) {
	fmt.Println("Custody Status")
	fmt.Println("==============")
	fmt.Printf("Status: %s\n", orchestratorStatusLabel(report.Status))
	fmt.Printf("Usable: %v\n", report.Usable)
	if report.DeviceID != "" {
		fmt.Printf("Device: %s", report.DeviceID)
		if report.DeviceName != "" {
			fmt.Printf(" (%s)", report.DeviceName)
		}
		fmt.Println()
		fmt.Printf("Master Device: %v\n", report.MasterDevice)
	} else {
		fmt.Println("Device: not registered")
	}
	fmt.Printf("Memory Protection: %s\n", report.MemoryProtection)
	fmt.Printf("Recovery Key: %v\n", report.RecoveryKey)
	if report.RecoveryHint != "" {
		fmt.Printf("Recovery Hint: %s\n", report.RecoveryHint)
	}
	fmt.Printf("Devices: %d (pending: %d)\n", report.Devices, report.PendingDevices)
}

// followStatus streams state transitions until interrupted.
func followStatus(cmd *cobra.Command) error {
	ctx := cmd.Context()
	changes := stack.Orchestrator().WatchStatus(ctx)

	fmt.Println("\nWatching for status changes (Ctrl+C to stop)...")
	for {
		select {
		case status, ok := <-changes:
			if !ok {
				return nil
			}
			logger.Info("status change", zap.String("status", string(status)))
			fmt.Printf("status: %s\n", orchestratorStatusLabel(status))
		case <-ctx.Done():
			return nil
		}
	}
}
