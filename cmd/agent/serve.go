package agent

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/1mcp-app/agent/internal/gateway"
	"github.com/1mcp-app/agent/pkg/logging"
)

var (
	serveConfigPath string
	serveTransport  string
	serveHost       string
	servePort       int
	serveSessionDir string
	serveDebug      bool
	serveLogFormat  string
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the aggregator gateway",
		Long: `Loads the server configuration, connects every configured downstream
MCP server, and starts the inbound endpoint on the requested transport.
The configuration file is watched; edits are applied live without
restarting the process.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	cmd.Flags().StringVar(&serveConfigPath, "config", defaultConfigPath(), "path to the server configuration file")
	cmd.Flags().StringVar(&serveTransport, "transport", gateway.TransportStreamableHTTP, "inbound transport: stdio, sse, or streamable-http")
	cmd.Flags().StringVar(&serveHost, "host", "127.0.0.1", "host to bind the HTTP transports to")
	cmd.Flags().IntVar(&servePort, "port", 3051, "port to bind the HTTP transports to")
	cmd.Flags().StringVar(&serveSessionDir, "session-dir", "", "directory for persisted inbound sessions (disabled if empty)")
	cmd.Flags().BoolVar(&serveDebug, "debug", false, "enable debug logging")
	cmd.Flags().StringVar(&serveLogFormat, "log-format", "text", "log output format: text or json")

	return cmd
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "mcp.json"
	}
	return dir + "/1mcp/mcp.json"
}

func runServe(cmd *cobra.Command, args []string) error {
	level := logging.LevelInfo
	if serveDebug {
		level = logging.LevelDebug
	}
	logging.Init(serveLogFormat, level, os.Stderr)

	gw, err := gateway.New(gateway.Config{
		ConfigPath: serveConfigPath,
		Transport:  serveTransport,
		Host:       serveHost,
		Port:       servePort,
		SessionDir: serveSessionDir,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize gateway: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	<-ctx.Done()
	logging.Info("agent", "shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return gw.Stop(shutdownCtx)
}
