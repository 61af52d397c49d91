package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gridline-ai/obsomatch/cmd/obsomatch/ui"
	"github.com/gridline-ai/obsomatch/internal/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ops HTTP server",
	Long:  "Serve health probes, catalog statistics, token usage and letter lookups over HTTP.",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	rt, err := buildRuntime(ctx, false)
	if err != nil {
		return err
	}
	defer rt.close()

	server := api.NewServer(rt.letters, rt.catalog, rt.cfg.Server, rt.logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		ui.Message("Received %s, shutting down", sig)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), rt.cfg.Server.GracefulShutdown)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
