// Package cli builds the standard service command tree: serve, migrate,
// healthcheck, config and version, plus service-specific subcommands.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nimburion/txbound/pkg/config"
	"github.com/nimburion/txbound/pkg/migrate"
	"github.com/nimburion/txbound/pkg/observability/logger"
	"github.com/nimburion/txbound/pkg/version"
)

const (
	policiesAnnotationPrefix = "policies."
	defaultPolicyContext     = "run"
)

// CommandPolicy tells deployment tooling when a command may run.
type CommandPolicy string

const (
	PolicyAlways    CommandPolicy = "always"
	PolicyOnce      CommandPolicy = "once"
	PolicyMigration CommandPolicy = "migration"
	PolicyRun       CommandPolicy = "run"
	PolicyManual    CommandPolicy = "manual"
	PolicyOnDemand  CommandPolicy = "on_demand"
)

// ServiceCommandOptions defines callbacks for service-specific logic.
type ServiceCommandOptions struct {
	Name        string
	Description string
	ConfigPath  string
	EnvPrefix   string

	// Required: server startup logic.
	RunServer func(ctx context.Context, cfg *config.Config, log logger.Logger) error

	// Optional: migration operations for "migrate up|down|status".
	MigrationOperations func(ctx context.Context, cfg *config.Config, log logger.Logger) (migrate.Operations, func() error, error)

	// Optional: dependency health checks.
	CheckDependencies func(ctx context.Context, cfg *config.Config, log logger.Logger) error

	// Optional: additional custom commands. They can load configuration
	// through LoadConfig on the returned root.
	CustomCommands func(load ConfigLoader) []*cobra.Command
}

// ConfigLoader loads configuration and builds the logger for a command.
type ConfigLoader func(cmd *cobra.Command) (*config.Config, logger.Logger, error)

// NewServiceCommand creates the command tree.
func NewServiceCommand(opts ServiceCommandOptions) *cobra.Command {
	if opts.EnvPrefix == "" {
		opts.EnvPrefix = config.DefaultEnvPrefix
	}

	rootCmd := &cobra.Command{
		Use:           opts.Name,
		Short:         opts.Description,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	SetCommandPolicies(rootCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})

	var cfgPath, serviceNameOverride string
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config-file", "c", opts.ConfigPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&serviceNameOverride, "service-name", "", "service name override")

	load := func(cmd *cobra.Command) (*config.Config, logger.Logger, error) {
		return LoadConfigAndLogger(cfgPath, opts.EnvPrefix, opts.Name, serviceNameOverride)
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			info := version.Current(opts.Name)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Service:    %s\n", info.Service)
			fmt.Fprintf(out, "Version:    %s\n", info.Version)
			fmt.Fprintf(out, "Commit:     %s\n", info.Commit)
			fmt.Fprintf(out, "Build Time: %s\n", info.BuildTime)
			fmt.Fprintf(out, "Go:         %s\n", info.GoVersion)
		},
	}
	SetCommandPolicies(versionCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})
	rootCmd.AddCommand(versionCmd)

	if opts.RunServer != nil {
		serveCmd := &cobra.Command{
			Use:   "serve",
			Short: "Start the HTTP server",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, log, err := load(cmd)
				if err != nil {
					return err
				}
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				return opts.RunServer(ctx, cfg, log)
			},
		}
		SetCommandPolicies(serveCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyRun})
		rootCmd.AddCommand(serveCmd)
	}

	if opts.MigrationOperations != nil {
		rootCmd.AddCommand(newMigrateCommand(opts, load))
	}

	if opts.CheckDependencies != nil {
		healthCmd := &cobra.Command{
			Use:   "healthcheck",
			Short: "Check connectivity to the database and event bus",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, log, err := load(cmd)
				if err != nil {
					return err
				}
				return opts.CheckDependencies(cmd.Context(), cfg, log)
			},
		}
		SetCommandPolicies(healthCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})
		rootCmd.AddCommand(healthCmd)
	}

	rootCmd.AddCommand(newConfigCommand(load))

	if opts.CustomCommands != nil {
		for _, customCmd := range opts.CustomCommands(load) {
			ensureDefaultPolicy(customCmd)
			rootCmd.AddCommand(customCmd)
		}
	}

	return rootCmd
}

func newMigrateCommand(opts ServiceCommandOptions, load ConfigLoader) *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration commands",
	}
	SetCommandPolicies(migrateCmd, map[string]CommandPolicy{"migration": PolicyMigration})

	sub := func(name, short string, policy CommandPolicy) *cobra.Command {
		c := &cobra.Command{
			Use:   name + " [steps]",
			Short: short,
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, log, err := load(cmd)
				if err != nil {
					return err
				}
				ops, closeFn, err := opts.MigrationOperations(cmd.Context(), cfg, log)
				if err != nil {
					return err
				}
				defer func() {
					if err := closeFn(); err != nil {
						log.Warn("failed to close migration resources", "error", err)
					}
				}()
				return migrate.Run(cmd.Context(), append([]string{name}, args...), migrate.Options{
					ServiceName: cfg.Service.Name,
					Logger:      log,
				}, ops)
			},
		}
		SetCommandPolicies(c, map[string]CommandPolicy{"migration": policy})
		return c
	}
	migrateCmd.AddCommand(
		sub("up", "Run pending migrations", PolicyRun),
		sub("down", "Roll back migrations (default 1 step)", PolicyOnce),
		sub("status", "Show migration status", PolicyRun),
	)
	return migrateCmd
}

func newConfigCommand(load ConfigLoader) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management commands",
	}
	SetCommandPolicies(configCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})

	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, _, err := load(cmd); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	})

	var showSecrets bool
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := load(cmd)
			if err != nil {
				return err
			}
			if !showSecrets {
				cfg = cfg.Redacted()
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	showCmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "show credentials embedded in URLs")
	configCmd.AddCommand(showCmd)

	for _, c := range configCmd.Commands() {
		SetCommandPolicies(c, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})
	}
	return configCmd
}

// SetCommandPolicies stores policies on command annotations using the
// "policies." prefix.
func SetCommandPolicies(cmd *cobra.Command, policies map[string]CommandPolicy) {
	if cmd == nil {
		return
	}
	if cmd.Annotations == nil {
		cmd.Annotations = make(map[string]string)
	}
	for _, key := range policyAnnotationKeys(cmd.Annotations) {
		delete(cmd.Annotations, key)
	}
	for context, policy := range policies {
		if trimmed := strings.TrimSpace(context); trimmed != "" {
			cmd.Annotations[policiesAnnotationPrefix+trimmed] = string(policy)
		}
	}
}

// GetCommandPolicies returns command policies from annotations.
func GetCommandPolicies(cmd *cobra.Command) map[string]string {
	out := map[string]string{}
	if cmd == nil {
		return out
	}
	for key, value := range cmd.Annotations {
		context, ok := strings.CutPrefix(key, policiesAnnotationPrefix)
		if ok && strings.TrimSpace(context) != "" {
			out[context] = value
		}
	}
	return out
}

func ensureDefaultPolicy(cmd *cobra.Command) {
	if cmd != nil && len(GetCommandPolicies(cmd)) == 0 {
		SetCommandPolicies(cmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})
	}
}

func policyAnnotationKeys(annotations map[string]string) []string {
	keys := make([]string, 0, len(annotations))
	for key := range annotations {
		if strings.HasPrefix(key, policiesAnnotationPrefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// LoadConfigAndLogger loads and validates configuration, then builds the
// zap logger it describes.
func LoadConfigAndLogger(cfgPath, envPrefix, defaultServiceName, serviceNameOverride string) (*config.Config, logger.Logger, error) {
	cfg, err := config.NewViperLoader(cfgPath, envPrefix).Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	cfg.Service.Name = resolveServiceNameValue(cfg.Service.Name, defaultServiceName, serviceNameOverride)

	log, err := logger.NewZapLogger(logger.Config{
		Level:  logger.LogLevel(cfg.Observability.LogLevel),
		Format: logger.LogFormat(cfg.Observability.LogFormat),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create logger: %w", err)
	}
	if strings.EqualFold(cfg.Observability.LogLevel, string(logger.DebugLevel)) {
		log.Debug("effective configuration", "config", fmt.Sprintf("%+v", *cfg.Redacted()))
	}
	return cfg, log.With("service", cfg.Service.Name), nil
}

// Execute runs the command and exits with status 1 on error.
func Execute(cmd *cobra.Command) {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func resolveServiceNameValue(currentConfigName, defaultServiceName, serviceNameOverride string) string {
	if override := strings.TrimSpace(serviceNameOverride); override != "" {
		return override
	}
	if configured := strings.TrimSpace(currentConfigName); configured != "" {
		return configured
	}
	if fallback := strings.TrimSpace(defaultServiceName); fallback != "" {
		return fallback
	}
	return "app"
}
