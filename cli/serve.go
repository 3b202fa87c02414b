package cli

import (
	"fmt"

	"github.com/common-nighthawk/go-figure"
	"github.com/spf13/cobra"

	"github.com/crmkit/knowledge/engine/infra/server"
	"github.com/crmkit/knowledge/pkg/logger"
	"github.com/crmkit/knowledge/pkg/version"
)

// ServeCmd starts the HTTP API.
func ServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start", "server"},
		Short:   "Start the knowledge HTTP API",
		Args:    cobra.NoArgs,
		RunE:    runServe,
	}
	f := cmd.Flags()
	f.String("host", "", "Interface to bind")
	f.Int("port", 0, "Port to listen on")
	f.String("db-driver", "", "Chunk store driver (postgres or memory)")
	f.String("redis-mode", "", "Lock backend (local, embedded or distributed)")
	f.Bool("auto-migrate", false, "Apply database migrations on startup")
	f.Bool("metrics", false, "Expose Prometheus metrics")
	bindConfigKey(f, "host", "server.host")
	bindConfigKey(f, "port", "server.port")
	bindConfigKey(f, "db-driver", "database.driver")
	bindConfigKey(f, "redis-mode", "redis.mode")
	bindConfigKey(f, "auto-migrate", "database.auto_migrate")
	bindConfigKey(f, "metrics", "monitoring.enabled")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if isTerminal(cmd.ErrOrStderr()) {
		banner := figure.NewFigure("knowledge", "small", true)
		fmt.Fprintln(cmd.ErrOrStderr(), titleStyle.Render(banner.String()))
	}
	logger.FromContext(ctx).Info("Starting knowledge server", "version", version.Get().Version)
	srv, err := server.NewServer(ctx)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	return srv.Run()
}
