package cli

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/remoteagent/gateway/internal/config"
	"github.com/remoteagent/gateway/internal/gateway"
)

var gatewayCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the remote agent gateway",
	Long: `Start the WebSocket gateway: one long-lived server brokering a
bidirectional, JSON-framed conversation between clients and a single
embedded conversational-AI session per connection.

Default: ws://127.0.0.1:18790`,
	RunE: runGateway,
}

var (
	gatewayPort    int
	gatewayBind    string
	gatewayVerbose bool
)

func init() {
	gatewayCmd.Flags().IntVarP(&gatewayPort, "port", "p", 0, "Gateway listen port (overrides config)")
	gatewayCmd.Flags().StringVar(&gatewayBind, "bind", "", "Bind mode: loopback or all (overrides config)")
	gatewayCmd.Flags().BoolVarP(&gatewayVerbose, "verbose", "v", false, "Enable verbose logging")
}

func runGateway(cmd *cobra.Command, args []string) error {
	level := slog.LevelInfo
	if gatewayVerbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Warn("config load warning, using defaults", "error", err)
		cfg = config.Default()
	}

	if cmd.Flags().Changed("port") {
		cfg.Gateway.Port = gatewayPort
	}
	if cmd.Flags().Changed("bind") {
		cfg.Gateway.Bind = gatewayBind
	}

	slog.Info("starting remote agent gateway",
		"version", version,
		"port", cfg.Gateway.Port,
		"bind", cfg.Gateway.Bind,
		"model", cfg.Agent.Model,
	)

	srv, err := gateway.NewServer(cfg, logger)
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}

	slog.Info("gateway ready", "address", srv.Address())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	slog.Info("received shutdown signal", "signal", sig)
	return srv.Shutdown()
}
