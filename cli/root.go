package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/crmkit/knowledge/pkg/config"
	"github.com/crmkit/knowledge/pkg/logger"
)

// configKeyAnnotation binds a flag to a dotted configuration key. Flags
// carrying it override YAML and defaults when set explicitly.
const configKeyAnnotation = "config_key"

type loaderKey struct{}

// RootCmd builds the knowledge command tree.
func RootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "knowledge",
		Short:         "CRM knowledge base ingestion and retrieval",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return setupContext(cmd)
		},
	}
	pf := root.PersistentFlags()
	pf.String("config", "knowledge.yaml", "Path to the YAML configuration file")
	pf.String("env-file", ".env", "Path to an env file loaded before configuration")
	pf.String("log-level", "", "Log level (debug, info, warn, error, disabled)")
	pf.Bool("log-json", false, "Emit logs as JSON")
	pf.StringP("output", "o", "", "Output format: text or json (default: text on a terminal, json otherwise)")
	bindConfigKey(pf, "log-level", "runtime.log_level")
	bindConfigKey(pf, "log-json", "runtime.log_json")
	root.AddCommand(
		ServeCmd(),
		MigrateCmd(),
		IngestCmd(),
		SearchCmd(),
		ConfigCmd(),
		VersionCmd(),
	)
	return root
}

// Execute runs the root command and reports failures on stderr.
func Execute(ctx context.Context) int {
	cmd := RootCmd()
	if err := cmd.ExecuteContext(ctx); err != nil {
		printError(cmd, err)
		return 1
	}
	return 0
}

func bindConfigKey(flags *pflag.FlagSet, name, key string) {
	if err := flags.SetAnnotation(name, configKeyAnnotation, []string{key}); err != nil {
		panic(fmt.Sprintf("cli: bind flag %s: %v", name, err))
	}
}

// cliOverrides collects explicitly set flags bound to configuration keys.
func cliOverrides(cmd *cobra.Command) map[string]any {
	overrides := make(map[string]any)
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		keys := f.Annotations[configKeyAnnotation]
		if len(keys) == 0 || !f.Changed {
			return
		}
		overrides[keys[0]] = f.Value.String()
	})
	return overrides
}

func setupContext(cmd *cobra.Command) error {
	envFile, _ := cmd.Flags().GetString("env-file")
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}
	configFile, _ := cmd.Flags().GetString("config")
	svc := config.NewService()
	ctx := cmd.Context()
	cfg, err := svc.Load(ctx, config.NewYAMLProvider(configFile), config.NewCLIProvider(cliOverrides(cmd)))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	log := logger.NewLogger(logger.RuntimeConfig(cfg.Runtime.LogLevel, cfg.Runtime.LogJSON, cmd.ErrOrStderr()))
	logger.SetDefault(log)
	ctx = logger.ContextWithLogger(ctx, log)
	ctx = config.ContextWithConfig(ctx, cfg)
	ctx = context.WithValue(ctx, loaderKey{}, svc)
	cmd.SetContext(ctx)
	log.Debug("Configuration loaded", "file", configFile, "environment", cfg.Runtime.Environment)
	return nil
}

func configService(ctx context.Context) config.Service {
	if svc, ok := ctx.Value(loaderKey{}).(config.Service); ok {
		return svc
	}
	return nil
}
