package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/viper"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	e2ee "github.com/foxbiz/better-keep-sub001"
)

func getConfigFilePath(global bool) string {
	if global {
		// System-wide config (e.g., /etc/keepctl/config.yaml)
		return "/etc/keepctl/config.yaml"
	}

	if cfgFile != "" {
		return cfgFile
	}

	// User config
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".keepctl.yaml")
}

func ensureConfigDir(configFile string) error {
	dir := filepath.Dir(configFile)
	return os.MkdirAll(dir, 0700)
}

func isValidConfigKey(key string) bool {
	validKeys := []string{
		"keep.account",
		"keep.device_name",
		"keep.device_platform",
		"keep.approval_poll",
		"keep.master_policy",
		"keep.skip_primary_on_recovery",
		"keep.disable_argon2",
		"keep.memory_lock",
		"store.type",
		"store.path",
		"store.watch_poll",
		"store.s3.endpoint",
		"store.s3.region",
		"store.s3.bucket",
		"store.s3.key_prefix",
		"store.s3.access_key_id",
		"store.s3.secret_access_key",
		"store.s3.use_ssl",
		"store.mongodb.uri",
		"store.mongodb.database",
		"store.mongodb.collection",
		"store.postgres.dsn",
		"keystore.type",
		"keystore.service_name",
		"keystore.file_dir",
		"keystore.file_password",
		"keystore.path",
		"keystore.key_b64",
		"audit.enabled",
		"audit.type",
		"audit.options.file_path",
		"audit.options.db_path",
		"audit.options.tag",
		"audit.log_level",
	}

	for _, validKey := range validKeys {
		if key == validKey {
			return true
		}
	}
	return false
}

func convertStringValue(value string) (interface{}, error) {
	if value == "true" || value == "false" {
		return value == "true", nil
	}

	if strings.Contains(value, ".") {
		if f, err := parseFloat(value); err == nil {
			return f, nil
		}
	} else {
		if i, err := parseInt(value); err == nil {
			return i, nil
		}
	}

	return value, nil
}

func unsetNestedKey(config map[string]interface{}, key string) error {
	parts := strings.Split(key, ".")

	current := config
	for i, part := range parts[:len(parts)-1] {
		if next, ok := current[part].(map[string]interface{}); ok {
			current = next
		} else {
			return fmt.Errorf("key path not found at %s", strings.Join(parts[:i+1], "."))
		}
	}

	delete(current, parts[len(parts)-1])
	return nil
}

func getConfigTemplate(template string) map[string]interface{} {
	switch template {
	case "minimal":
		return map[string]interface{}{
			"keep": map[string]interface{}{
				"account": "",
			},
			"store": map[string]interface{}{
				"type": "filesystem",
				"path": ".keep",
			},
		}
	case "full":
		return map[string]interface{}{
			"keep": map[string]interface{}{
				"account":                  "",
				"device_name":              "",
				"approval_poll":            "30s",
				"master_policy":            false,
				"skip_primary_on_recovery": false,
				"disable_argon2":           false,
				"memory_lock":              false,
			},
			"store": map[string]interface{}{
				"type": "filesystem",
				"path": ".keep",
				"s3": map[string]interface{}{
					"endpoint":   "",
					"bucket":     "",
					"region":     "us-east-1",
					"key_prefix": "keep/",
					"use_ssl":    true,
				},
				"mongodb": map[string]interface{}{
					"uri":      "",
					"database": "keep",
				},
				"postgres": map[string]interface{}{
					"dsn": "",
				},
			},
			"keystore": map[string]interface{}{
				"type":         "keyring",
				"service_name": "keepctl",
			},
			"audit": map[string]interface{}{
				"enabled": false,
				"type":    "file",
				"options": map[string]interface{}{
					"file_path": "audit.log",
				},
			},
		}
	default: // "default"
		return map[string]interface{}{
			"keep": map[string]interface{}{
				"account": "",
			},
			"store": map[string]interface{}{
				"type": "filesystem",
				"path": ".keep",
			},
			"keystore": map[string]interface{}{
				"type": "keyring",
			},
			"audit": map[string]interface{}{
				"enabled": false,
				"type":    "file",
				"options": map[string]interface{}{
					"file_path": "audit.log",
				},
			},
		}
	}
}

func validateConfiguration() []string {
	var errors []string

	storeType := viper.GetString("store.type")
	validStoreTypes := []string{"memory", "filesystem", "s3", "mongodb", "postgres"}
	if !contains(validStoreTypes, storeType) {
		errors = append(errors, fmt.Sprintf("invalid store type: %s (must be one of: %s)",
			storeType, strings.Join(validStoreTypes, ", ")))
	}

	switch storeType {
	case "filesystem":
		if path := viper.GetString("store.path"); path == "" {
			errors = append(errors, "store path is required when using the filesystem store")
		}
	case "s3":
		if bucket := viper.GetString("store.s3.bucket"); bucket == "" {
			errors = append(errors, "S3 bucket is required when using the S3 store")
		}
	case "mongodb":
		if uri := viper.GetString("store.mongodb.uri"); uri == "" {
			errors = append(errors, "MongoDB URI is required when using the MongoDB store")
		}
	case "postgres":
		if dsn := viper.GetString("store.postgres.dsn"); dsn == "" {
			errors = append(errors, "PostgreSQL DSN is required when using the Postgres store")
		}
	}

	keystoreType := strings.ReplaceAll(viper.GetString("keystore.type"), "_", "")
	validKeystoreTypes := []string{"memory", "keyring", "sealedfile"}
	if !contains(validKeystoreTypes, keystoreType) {
		errors = append(errors, fmt.Sprintf("invalid keystore type: %s (must be one of: memory, keyring, sealed_file)",
			keystoreType))
	}
	if keystoreType == "sealedfile" {
		if viper.GetString("keystore.path") == "" {
			errors = append(errors, "keystore path is required when using the sealed_file keystore")
		}
		if viper.GetString("keystore.key_b64") == "" {
			errors = append(errors, "keystore key_b64 is required when using the sealed_file keystore")
		}
	}

	if viper.GetBool("audit.enabled") {
		auditType := viper.GetString("audit.type")
		validAuditTypes := []string{"file", "sqlite", "syslog"}
		if !contains(validAuditTypes, auditType) {
			errors = append(errors, fmt.Sprintf("invalid audit type: %s (must be one of: %s)",
				auditType, strings.Join(validAuditTypes, ", ")))
		}

		if auditType == "file" {
			if filePath := viper.GetString("audit.options.file_path"); filePath == "" {
				errors = append(errors, "audit file path is required when using file audit")
			}
		}
		if auditType == "sqlite" {
			if dbPath := viper.GetString("audit.options.db_path"); dbPath == "" {
				errors = append(errors, "audit db path is required when using sqlite audit")
			}
		}
	}

	if poll := viper.GetString("keep.approval_poll"); poll != "" {
		if _, err := parseDuration(poll); err != nil {
			errors = append(errors, fmt.Sprintf("invalid approval poll interval: %s", poll))
		}
	}

	return errors
}

func getConfigKeyDescriptions() map[string]string {
	return map[string]string{
		"keep.account":                  "Account identifier all custody records belong to",
		"keep.device_name":              "Name for this device in trust records (default: hostname)",
		"keep.device_platform":          "Platform label for this device (default: runtime OS)",
		"keep.approval_poll":            "Poll cadence while waiting for approval (duration)",
		"keep.master_policy":            "Restrict approve/revoke to the master device",
		"keep.skip_primary_on_recovery": "Keep other devices registered after recovery",
		"keep.disable_argon2":           "Treat Argon2id as unavailable for recovery keys",
		"keep.memory_lock":              "Lock process memory against swapping",
		"store.type":                    "Document store backend (memory, filesystem, s3, mongodb, postgres)",
		"store.path":                    "Base path for the filesystem store",
		"store.watch_poll":              "Poll cadence for stores without push watches (duration)",
		"store.s3.endpoint":             "S3 endpoint URL",
		"store.s3.region":               "S3 region",
		"store.s3.bucket":               "S3 bucket name",
		"store.s3.key_prefix":           "S3 key prefix",
		"store.s3.access_key_id":        "S3 access key ID",
		"store.s3.secret_access_key":    "S3 secret access key",
		"store.s3.use_ssl":              "Use SSL for S3 connections",
		"store.mongodb.uri":             "MongoDB connection URI",
		"store.mongodb.database":        "MongoDB database name",
		"store.mongodb.collection":      "MongoDB collection name",
		"store.postgres.dsn":            "PostgreSQL connection DSN",
		"keystore.type":                 "Device keystore backend (keyring, sealed_file, memory)",
		"keystore.service_name":         "Keyring service name",
		"keystore.file_dir":             "Keyring file-backend directory",
		"keystore.file_password":        "Keyring file-backend unlock password",
		"keystore.path":                 "Sealed keystore file path",
		"keystore.key_b64":              "Sealed keystore key (base64, 32 bytes)",
		"audit.enabled":                 "Enable audit logging",
		"audit.type":                    "Audit sink type (file, sqlite, syslog)",
		"audit.options.file_path":       "Audit log file path",
		"audit.options.db_path":         "Audit SQLite database path",
		"audit.options.tag":             "Syslog tag",
		"audit.log_level":               "Audit log level",
	}
}

// contains checks if a string slice contains a specific string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// parseInt attempts to parse a string as an integer
func parseInt(s string) (int, error) {
	return strconv.Atoi(s)
}

// parseFloat attempts to parse a string as a float64
func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(s, 64)
}

// printConfigTable prints configuration in table format
func printConfigTable() error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "KEY\tVALUE\tSOURCE")
	fmt.Fprintln(w, "---\t-----\t------")

	settings := viper.AllSettings()
	var keys []string

	flattenKeys(settings, "", &keys)
	sort.Strings(keys)

	for _, key := range keys {
		value := viper.Get(key)
		source := "default"
		if viper.ConfigFileUsed() != "" {
			source = filepath.Base(viper.ConfigFileUsed())
		}

		envKey := "KEEP_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if os.Getenv(envKey) != "" {
			source = "environment"
		}

		if isSensitiveConfigKey(key) {
			value = "[REDACTED]"
		}

		fmt.Fprintf(w, "%s\t%v\t%s\n", key, value, source)
	}

	return nil
}

// printConfigJSON prints configuration in JSON format
func printConfigJSON() error {
	config := viper.AllSettings()
	maskSensitiveValues(config)

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config to JSON: %w", err)
	}

	fmt.Println(string(data))
	return nil
}

// printConfigYAML prints configuration in YAML format
func printConfigYAML() error {
	config := viper.AllSettings()
	maskSensitiveValues(config)

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	fmt.Print(string(data))
	return nil
}

// printConfigKeysTable prints available configuration keys in table format
func printConfigKeysTable(keys map[string]string) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "KEY\tDESCRIPTION")
	fmt.Fprintln(w, "---\t-----------")

	sortedKeys := make([]string, 0, len(keys))
	for key := range keys {
		sortedKeys = append(sortedKeys, key)
	}
	sort.Strings(sortedKeys)

	for _, key := range sortedKeys {
		fmt.Fprintf(w, "%s\t%s\n", key, keys[key])
	}

	return nil
}

// printConfigKeysYAML prints available configuration keys in YAML format
func printConfigKeysYAML(keys map[string]string) error {
	data, err := yaml.Marshal(keys)
	if err != nil {
		return fmt.Errorf("failed to marshal keys to YAML: %w", err)
	}

	fmt.Print(string(data))
	return nil
}

// printConfigKeysJSON prints available configuration keys in JSON format
func printConfigKeysJSON(keys map[string]string) error {
	data, err := json.MarshalIndent(keys, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal keys to JSON: %w", err)
	}

	fmt.Println(string(data))
	return nil
}

// flattenKeys recursively flattens nested maps into dot-notation keys
func flattenKeys(m map[string]interface{}, prefix string, keys *[]string) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}

		if nested, ok := v.(map[string]interface{}); ok {
			flattenKeys(nested, key, keys)
		} else {
			*keys = append(*keys, key)
		}
	}
}

// isSensitiveConfigKey checks if a configuration key contains sensitive data
func isSensitiveConfigKey(key string) bool {
	sensitiveKeys := []string{"passphrase", "password", "secret", "key_b64", "token", "auth", "dsn", "uri"}
	lowerKey := strings.ToLower(key)

	for _, sensitive := range sensitiveKeys {
		if strings.Contains(lowerKey, sensitive) {
			return true
		}
	}
	return false
}

// maskSensitiveValues recursively masks sensitive values in configuration
func maskSensitiveValues(config map[string]interface{}) {
	for key, value := range config {
		if isSensitiveConfigKey(key) {
			config[key] = "[REDACTED]"
		} else if nested, ok := value.(map[string]interface{}); ok {
			maskSensitiveValues(nested)
		}
	}
}

// getDefaultEditor returns the default text editor for the current platform
func getDefaultEditor() string {
	if editor := os.Getenv("EDITOR"); editor != "" {
		return editor
	}
	if visual := os.Getenv("VISUAL"); visual != "" {
		return visual
	}

	switch runtime.GOOS {
	case "windows":
		editors := []string{"notepad++.exe", "notepad.exe", "code.exe"}
		for _, editor := range editors {
			if _, err := exec.LookPath(editor); err == nil {
				return editor
			}
		}
		return "notepad.exe"
	case "darwin":
		editors := []string{"code", "nano", "vim", "vi"}
		for _, editor := range editors {
			if _, err := exec.LookPath(editor); err == nil {
				return editor
			}
		}
		return "nano"
	default:
		editors := []string{"nano", "vim", "vi", "emacs", "code"}
		for _, editor := range editors {
			if _, err := exec.LookPath(editor); err == nil {
				return editor
			}
		}
		return "vi"
	}
}

// executeEditor launches the specified editor with the given file
func executeEditor(editor, file string) error {
	var cmd *exec.Cmd

	switch {
	case strings.Contains(editor, "code"):
		// VS Code - wait for the window to be closed
		cmd = exec.Command(editor, "--wait", file)
	case strings.Contains(editor, "notepad++"):
		cmd = exec.Command(editor, "-multiInst", "-notabbar", file)
	default:
		cmd = exec.Command(editor, file)
	}

	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	return cmd.Run()
}

// promptConfirmation prompts the user for yes/no confirmation
func promptConfirmation(message string) bool {
	fmt.Printf("%s (y/N): ", message)
	var response string
	fmt.Scanln(&response)
	response = strings.ToLower(strings.TrimSpace(response))
	return response == "y" || response == "yes"
}

// fileExists checks if a file exists
func fileExists(filename string) bool {
	_, err := os.Stat(filename)
	return !os.IsNotExist(err)
}

func parseDuration(s string) (time.Duration, error) {
	return time.ParseDuration(s)
}

// readPassphrase prompts for a passphrase without echoing input. Falls back
// to a plain line read when stdin is not a terminal (piped input, tests).
func readPassphrase(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())

	if !term.IsTerminal(fd) {
		var passphrase string
		if _, err := fmt.Scanln(&passphrase); err != nil {
			return "", fmt.Errorf("failed to read passphrase: %w", err)
		}
		return passphrase, nil
	}

	fmt.Fprint(os.Stderr, prompt)
	passphrase, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr) // newline after hidden input
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}

	return string(passphrase), nil
}

// promptNewPassphrase reads a passphrase twice and verifies both entries
// match before returning it.
func promptNewPassphrase(prompt string) (string, error) {
	passphrase, err := readPassphrase(prompt)
	if err != nil {
		return "", err
	}
	confirm, err := readPassphrase("Repeat passphrase: ")
	if err != nil {
		return "", err
	}
	if passphrase != confirm {
		return "", fmt.Errorf("passphrases do not match")
	}
	return passphrase, nil
}

// readAllStdin consumes stdin until EOF.
func readAllStdin() ([]byte, error) {
	return io.ReadAll(os.Stdin)
}

// shortID truncates a UUID for table display.
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// statusLabel renders a device status with color when stdout is a terminal.
func statusLabel(status e2ee.DeviceStatus) string {
	switch status {
	case e2ee.DeviceStatusApproved:
		return color.GreenString(string(status))
	case e2ee.DeviceStatusPending:
		return color.YellowString(string(status))
	case e2ee.DeviceStatusRevoked:
		return color.RedString(string(status))
	default:
		return string(status)
	}
}

// orchestratorStatusLabel colors a custody status for human output.
func orchestratorStatusLabel(status e2ee.Status) string {
	switch status {
	case e2ee.StatusReady, e2ee.StatusVerifying:
		return color.GreenString(string(status))
	case e2ee.StatusPendingApproval, e2ee.StatusNotSetUp:
		return color.YellowString(string(status))
	case e2ee.StatusRevoked, e2ee.StatusNeedsRecovery, e2ee.StatusError:
		return color.RedString(string(status))
	default:
		return string(status)
	}
}
