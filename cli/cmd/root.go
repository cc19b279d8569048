package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	e2ee "github.com/foxbiz/better-keep-sub001"
	"github.com/foxbiz/better-keep-sub001/audit"
	"github.com/foxbiz/better-keep-sub001/keystore"
	"github.com/foxbiz/better-keep-sub001/persist"
)

var (
	cfgFile     string
	accountID   string
	verboseFlag bool
	jsonOutput  bool

	stack       *e2ee.Stack
	auditLogger audit.Logger
	logger      = zap.NewNop()
)

// staticIdentity satisfies e2ee.Identity for a CLI session: the account is
// whatever the operator configured, and there is no auth server to sign out
// from. The orchestrator still clears local state on logout.
type staticIdentity struct {
	accountID string
}

func (s staticIdentity) AccountID() (string, error) { return s.accountID, nil }
func (s staticIdentity) SignOut() error             { return nil }

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "keepctl",
	Short: "Device trust and key custody for end-to-end encrypted notes",
	Long: `keepctl operates the client-side key custody subsystem of an end-to-end
encrypted notes account: registering and approving devices, managing the
passphrase recovery key, and sealing or opening encrypted content. The
account master key never leaves this machine unwrapped.`,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		_ = logger.Sync()
		if stack == nil {
			return nil
		}
		err := stack.Close()
		stack = nil
		return err
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	// Assigned here rather than in the rootCmd literal: initializeStack
	// reaches rootCmd through stackExempt, which would otherwise form an
	// initialization cycle.
	rootCmd.PersistentPreRunE = initializeStack

	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().SetNormalizeFunc(normalizeFlagName)

	// Global flags - consistent with config file structure
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.keepctl.yaml)")
	rootCmd.PersistentFlags().StringVarP(&accountID, "account", "a", "", "account identifier")
	rootCmd.PersistentFlags().String("device-name", "", "name for this device in trust records (default: hostname)")
	rootCmd.PersistentFlags().String("store-type", "", "document store backend (memory, filesystem, s3, mongodb, postgres)")
	rootCmd.PersistentFlags().String("store-path", "", "base path for the filesystem store")
	rootCmd.PersistentFlags().String("keystore-type", "", "device keystore backend (keyring, sealed_file, memory)")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "verbose logging to stderr")

	bindFlagOrPanic("keep.account", "account")
	bindFlagOrPanic("keep.device_name", "device-name")
	bindFlagOrPanic("store.type", "store-type")
	bindFlagOrPanic("store.path", "store-path")
	bindFlagOrPanic("keystore.type", "keystore-type")

	// Audit flags
	rootCmd.PersistentFlags().Bool("audit", false, "enable audit logging")
	rootCmd.PersistentFlags().String("audit-type", "", "audit sink type (file, sqlite, syslog)")
	rootCmd.PersistentFlags().String("audit-file", "", "audit log file path")

	bindFlagOrPanic("audit.enabled", "audit")
	bindFlagOrPanic("audit.type", "audit-type")
	bindFlagOrPanic("audit.options.file_path", "audit-file")

	// S3 flags (for direct CLI usage)
	rootCmd.PersistentFlags().String("s3-endpoint", "", "S3 endpoint URL")
	rootCmd.PersistentFlags().String("s3-region", "", "S3 region")
	rootCmd.PersistentFlags().String("s3-bucket", "", "S3 bucket name")
	rootCmd.PersistentFlags().String("s3-prefix", "", "S3 key prefix")
	rootCmd.PersistentFlags().String("s3-access-key", "", "S3 access key ID")
	rootCmd.PersistentFlags().String("s3-secret-key", "", "S3 secret access key")
	rootCmd.PersistentFlags().Bool("s3-use-ssl", true, "Use SSL for S3 connections")

	bindFlagOrPanic("store.s3.endpoint", "s3-endpoint")
	bindFlagOrPanic("store.s3.region", "s3-region")
	bindFlagOrPanic("store.s3.bucket", "s3-bucket")
	bindFlagOrPanic("store.s3.key_prefix", "s3-prefix")
	bindFlagOrPanic("store.s3.access_key_id", "s3-access-key")
	bindFlagOrPanic("store.s3.secret_access_key", "s3-secret-key")
	bindFlagOrPanic("store.s3.use_ssl", "s3-use-ssl")

	// Mongo / Postgres flags
	rootCmd.PersistentFlags().String("mongo-uri", "", "MongoDB connection URI")
	rootCmd.PersistentFlags().String("mongo-db", "", "MongoDB database name")
	rootCmd.PersistentFlags().String("pg-dsn", "", "PostgreSQL connection DSN")

	bindFlagOrPanic("store.mongodb.uri", "mongo-uri")
	bindFlagOrPanic("store.mongodb.database", "mongo-db")
	bindFlagOrPanic("store.postgres.dsn", "pg-dsn")
}

// normalizeFlagName lets operators write --device_name and --device-name
// interchangeably, matching the config file's underscore keys.
func normalizeFlagName(f *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

func bindFlagOrPanic(configKey, flagName string) {
	if err := viper.BindPFlag(configKey, rootCmd.PersistentFlags().Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", flagName, err))
	}
}

func initConfig() {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/keepctl")

		viper.SetConfigType("yaml")
		viper.SetConfigName(".keepctl")
	}

	viper.SetEnvPrefix("KEEP")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}
}

func setDefaults() {
	viper.SetDefault("keep.device_platform", "")
	viper.SetDefault("keep.approval_poll", "30s")
	viper.SetDefault("keep.master_policy", false)
	viper.SetDefault("keep.skip_primary_on_recovery", false)
	viper.SetDefault("keep.disable_argon2", false)
	viper.SetDefault("keep.memory_lock", false)

	viper.SetDefault("store.type", "filesystem")
	viper.SetDefault("store.path", ".keep")
	viper.SetDefault("store.s3.region", "us-east-1")
	viper.SetDefault("store.s3.key_prefix", "keep/")
	viper.SetDefault("store.s3.use_ssl", true)
	viper.SetDefault("store.mongodb.database", "keep")

	viper.SetDefault("keystore.type", "keyring")
	viper.SetDefault("keystore.service_name", "keepctl")

	viper.SetDefault("audit.enabled", false)
	viper.SetDefault("audit.type", "file")
	viper.SetDefault("audit.options.file_path", "audit.log")
}

// stackExempt reports whether a command works without the custody stack:
// config and completion never touch stores, accounts builds its own.
func stackExempt(cmd *cobra.Command) bool {
	for c := cmd; c != nil && c != rootCmd; c = c.Parent() {
		switch c.Name() {
		case "help", "completion", "__complete", "config", "accounts":
			return true
		}
	}
	return false
}

func initializeStack(cmd *cobra.Command, args []string) error {
	if err := initLogger(); err != nil {
		return err
	}
	if stackExempt(cmd) {
		return nil
	}

	account := viper.GetString("keep.account")
	if account == "" {
		account = os.Getenv("KEEP_ACCOUNT")
	}
	if account == "" {
		return fmt.Errorf("account is required. Use --account, the keep.account config key or the KEEP_ACCOUNT environment variable")
	}

	deviceName := viper.GetString("keep.device_name")
	if deviceName == "" {
		deviceName = hostname()
	}

	options := e2ee.Options{
		DeviceName:            deviceName,
		DevicePlatform:        viper.GetString("keep.device_platform"),
		EnforceMasterPolicy:   viper.GetBool("keep.master_policy"),
		ApprovalPollInterval:  viper.GetDuration("keep.approval_poll"),
		SkipPrimaryOnRecovery: viper.GetBool("keep.skip_primary_on_recovery"),
		DisableArgon2:         viper.GetBool("keep.disable_argon2"),
		EnableMemoryLock:      viper.GetBool("keep.memory_lock"),
	}

	// Keep the audit trail next to a filesystem store unless placed explicitly.
	if viper.GetString("audit.options.file_path") == "audit.log" &&
		viper.GetString("store.type") == "filesystem" {
		viper.Set("audit.options.file_path", filepath.Join(viper.GetString("store.path"), "audit.log"))
	}

	var err error
	auditLogger, err = createAuditLogger(account)
	if err != nil {
		return fmt.Errorf("failed to create audit logger: %w", err)
	}

	keys, err := createKeyStore(account)
	if err != nil {
		return fmt.Errorf("failed to open device keystore: %w", err)
	}

	store, err := createDocStore(account)
	if err != nil {
		return fmt.Errorf("failed to open document store: %w", err)
	}

	logger.Debug("building custody stack",
		zap.String("account", account),
		zap.String("store", viper.GetString("store.type")),
		zap.String("keystore", viper.GetString("keystore.type")),
		zap.String("device_name", deviceName),
		zap.Any("flags", sanitizeFlags(cmd)))

	stack, err = e2ee.New(options, staticIdentity{accountID: account}, keys, store, auditLogger)
	if err != nil {
		return fmt.Errorf("failed to assemble custody stack: %w", err)
	}

	logger.Info("custody stack ready",
		zap.String("account", account),
		zap.String("memory_protection", stack.MemoryProtection().String()))
	return nil
}

func initLogger() error {
	if !verboseFlag {
		logger = zap.NewNop()
		return nil
	}
	config := zap.NewDevelopmentConfig()
	config.DisableStacktrace = true
	l, err := config.Build()
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	logger = l
	return nil
}

func createAuditLogger(account string) (audit.Logger, error) {
	return audit.NewLogger(&audit.Config{
		Enabled:   viper.GetBool("audit.enabled"),
		AccountID: account,
		Type:      audit.ConfigType(viper.GetString("audit.type")),
		Options: map[string]interface{}{
			"file_path": viper.GetString("audit.options.file_path"),
			"db_path":   viper.GetString("audit.options.db_path"),
			"tag":       viper.GetString("audit.options.tag"),
		},
		LogLevel: viper.GetString("audit.log_level"),
	})
}

func createKeyStore(account string) (keystore.Store, error) {
	// Accept sealed_file as well as sealedfile, matching the underscore
	// style of the other config keys.
	storeType := strings.ReplaceAll(strings.ToLower(viper.GetString("keystore.type")), "_", "")
	config := keystore.StoreConfig{
		Type: keystore.StoreType(storeType),
		Config: map[string]interface{}{
			"service_name":  viper.GetString("keystore.service_name"),
			"file_dir":      viper.GetString("keystore.file_dir"),
			"file_password": viper.GetString("keystore.file_password"),
			"path":          viper.GetString("keystore.path"),
			"key_b64":       viper.GetString("keystore.key_b64"),
		},
	}
	return keystore.NewStore(config, account)
}

func createDocStore(account string) (persist.Store, error) {
	storeType := strings.ToLower(viper.GetString("store.type"))

	config := persist.StoreConfig{Type: persist.StoreType(storeType)}
	switch config.Type {
	case persist.StoreTypeMemory:
		config.Config = nil
	case persist.StoreTypeFileSystem:
		config.Config = map[string]interface{}{
			"base_path": viper.GetString("store.path"),
		}
	case persist.StoreTypeS3:
		config.Config = map[string]interface{}{
			"endpoint":          viper.GetString("store.s3.endpoint"),
			"region":            viper.GetString("store.s3.region"),
			"bucket":            viper.GetString("store.s3.bucket"),
			"key_prefix":        viper.GetString("store.s3.key_prefix"),
			"access_key_id":     viper.GetString("store.s3.access_key_id"),
			"secret_access_key": viper.GetString("store.s3.secret_access_key"),
			"use_ssl":           viper.GetBool("store.s3.use_ssl"),
			"watch_poll":        viper.GetString("store.watch_poll"),
		}
	case persist.StoreTypeMongoDB:
		config.Config = map[string]interface{}{
			"uri":        viper.GetString("store.mongodb.uri"),
			"database":   viper.GetString("store.mongodb.database"),
			"collection": viper.GetString("store.mongodb.collection"),
			"watch_poll": viper.GetString("store.watch_poll"),
		}
	case persist.StoreTypePostgres:
		config.Config = map[string]interface{}{
			"dsn":        viper.GetString("store.postgres.dsn"),
			"watch_poll": viper.GetString("store.watch_poll"),
		}
	default:
		return nil, fmt.Errorf("unsupported store type: %s. Supported types: memory, filesystem, s3, mongodb, postgres", storeType)
	}

	return persist.NewStore(config, account)
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		logger.Warn("could not determine hostname", zap.Error(err))
		return "unknown-device"
	}
	return name
}

// requireUsable initializes the orchestrator and fails with guidance when
// this device cannot decrypt yet.
func requireUsable(cmd *cobra.Command) error {
	status, err := stack.Orchestrator().Initialize(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to initialize custody state: %w", err)
	}
	if status.Usable() {
		return nil
	}

	switch status {
	case e2ee.StatusPendingApproval:
		return fmt.Errorf("this device is waiting for approval. Approve it from another device, then run 'keepctl devices wait'")
	case e2ee.StatusRevoked:
		return fmt.Errorf("this device has been revoked. Run 'keepctl devices request-reapproval' or recover with 'keepctl recovery recover'")
	case e2ee.StatusNeedsRecovery:
		return fmt.Errorf("no usable device remains. Run 'keepctl recovery recover' or start over with 'keepctl setup --fresh'")
	case e2ee.StatusNotSetUp:
		return fmt.Errorf("this account has no device set up here. Run 'keepctl setup'")
	default:
		return fmt.Errorf("device is not usable (status: %s)", status)
	}
}

func sanitizeFlags(cmd *cobra.Command) map[string]interface{} {
	flags := make(map[string]interface{})
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if flag.Changed {
			if isSensitiveFlag(flag.Name) {
				flags[flag.Name] = "[REDACTED]"
			} else {
				flags[flag.Name] = flag.Value.String()
			}
		}
	})
	return flags
}

func isSensitiveFlag(name string) bool {
	sensitive := []string{"passphrase", "password", "secret", "key", "token"}
	lower := strings.ToLower(name)
	for _, s := range sensitive {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// parseSinceFlag accepts either a duration ("48h") or an RFC3339 timestamp.
func parseSinceFlag(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	if d, err := time.ParseDuration(value); err == nil {
		t := time.Now().Add(-d)
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("invalid time %q: use a duration like 48h or an RFC3339 timestamp", value)
	}
	return &t, nil
}
