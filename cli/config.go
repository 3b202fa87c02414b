package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/crmkit/knowledge/pkg/config"
)

// ConfigCmd inspects the effective configuration.
func ConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration inspection",
	}
	cmd.AddCommand(configShowCmd(), configSourceCmd())
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.FromContext(cmd.Context())
			format, err := outputFormat(cmd)
			if err != nil {
				return err
			}
			if format == formatJSON {
				return printJSON(cmd, cfg)
			}
			out, err := redactedYAML(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

func configSourceCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "source <key>...",
		Short:   "Show which source provided each configuration key",
		Example: "  knowledge config source server.port embedder.model",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc := configService(cmd.Context())
			if svc == nil {
				return fmt.Errorf("configuration service not initialized")
			}
			w := cmd.OutOrStdout()
			for _, key := range args {
				printField(w, key, svc.GetSource(key))
			}
			return nil
		},
	}
}

// redactedYAML renders cfg as YAML through its JSON form so SensitiveString
// values stay redacted.
func redactedYAML(cfg *config.Config) ([]byte, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode configuration: %w", err)
	}
	var tree map[string]any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("decode configuration: %w", err)
	}
	return yaml.Marshal(tree)
}
