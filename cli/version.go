package cli

import (
	"github.com/spf13/cobra"

	"github.com/crmkit/knowledge/pkg/version"
)

// VersionCmd prints build information.
func VersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		// build info needs no configuration
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := version.Get()
			format, err := outputFormat(cmd)
			if err != nil {
				return err
			}
			if format == formatJSON {
				return printJSON(cmd, info)
			}
			w := cmd.OutOrStdout()
			printField(w, "version", info.Version)
			printField(w, "commit", info.CommitHash)
			printField(w, "built", info.BuildDate)
			return nil
		},
	}
}
