package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/arcflow/reqmux/pkg/reqmux"
)

const version = "0.1.0"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "reqmuxd",
	Short: "reqmuxd - request/response multiplexer daemon",
	Long: `reqmuxd bootstraps a reqmux Pool of peer processes and multiplexed
channels from a configuration file or environment, and keeps it running
until signaled.`,
	Version: version,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the multiplexer pool and run until signaled",
	RunE:  runStart,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the reqmuxd version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(version)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a reqmux config file (yaml/json/toml)")
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := reqmux.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := reqmux.NewLogger(cfg.Logging)

	socketMgr := reqmux.NewSocketManager(cfg.Socket)
	if err := socketMgr.EnsureSocketDir(); err != nil {
		return fmt.Errorf("failed to prepare socket directory: %w", err)
	}
	// Clear socket files a previous, uncleanly-terminated run may have left
	// behind so Pool.Start doesn't trip over a stale listener.
	if err := socketMgr.CleanupAllSockets(); err != nil {
		logger.Warn("failed to clean up stale socket files", "error", err)
	}
	socketBase := socketMgr.GenerateSocketPath("peer")

	channelOptions := map[string]interface{}{
		"max_frame_size": cfg.Protocol.MaxFrameSize,
	}
	if cfg.Socket.HMACSecret != "" {
		channelOptions["hmac_secret"] = reqmux.SecretFromString(cfg.Socket.HMACSecret)
	}

	pool, err := reqmux.NewPool(reqmux.PoolOptions{
		Config:            cfg.Pool,
		MultiplexerConfig: cfg.AsMultiplexerConfig(),
		Process: reqmux.PeerProcessConfig{
			Executable:   cfg.Process.Executable,
			Args:         cfg.Process.Args,
			Env:          cfg.Process.Env,
			StartTimeout: cfg.Pool.StartTimeout,
			SocketPath:   socketBase,
		},
		ChannelKind:    cfg.Socket.Kind,
		ChannelOptions: channelOptions,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to construct pool: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := pool.Start(ctx); err != nil {
		return fmt.Errorf("failed to start pool: %w", err)
	}
	logger.Info("reqmuxd started", "channels", cfg.Pool.Channels)

	for i := 0; i < cfg.Pool.Channels; i++ {
		socketPath := fmt.Sprintf("%s-%d", socketBase, i)
		if err := socketMgr.SetSocketPermissions(socketPath); err != nil {
			logger.Warn("failed to set socket permissions", "socket", socketPath, "error", err)
		}
	}

	<-ctx.Done()
	logger.Info("reqmuxd shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Protocol.ConnectionTimeout)
	defer cancel()

	if err := pool.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	if err := socketMgr.CleanupAllSockets(); err != nil {
		logger.Warn("failed to clean up socket files on shutdown", "error", err)
	}
	return nil
}
