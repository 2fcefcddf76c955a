package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/exastris/exastris/internal/conf"
	"github.com/exastris/exastris/internal/errors"
	"github.com/exastris/exastris/internal/logger"
	"github.com/exastris/exastris/internal/mcpserver"
	"github.com/exastris/exastris/internal/server"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "exastris",
	Short: "ExAstris - chat command bot that repeats Bluesky posts into chat",
	Long: `ExAstris - chat command bot that repeats Bluesky posts into chat.

ExAstris connects to Feishu and Discord, answers commands addressed to it and
shows posts from followed Bluesky accounts in the channels that asked for them.

Examples:
  exastris                 # Connect and run the bot
  exastris run             # Same as above
  exastris mcp             # Serve read-only MCP tools over stdio`,
	SilenceUsage: true,
	RunE:         runBot,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the configured chat servers and run the bot",
	RunE:  runBot,
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve subscriptions, servers and commands as MCP tools over stdio",
	RunE:  runMCP,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "bootstrap YAML path (overrides EXASTRIS_CONFIG)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(mcpCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads and validates the configuration
func loadConfig(cmd *cobra.Command) (*conf.Config, error) {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		os.Setenv("EXASTRIS_CONFIG", path)
	}

	cfg, err := conf.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return cfg, nil
}

func runBot(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := logger.Initialize(cfg.LogJSON, cfg.LogLevel); err != nil {
		return errors.Wrap(err, "failed to initialize logger")
	}
	defer logger.Sync()

	log := logger.Named("main")
	source := cfg.Bootstrap.Source
	if source == "" {
		source = "built-in defaults"
	}
	log.Infow("Starting ExAstris", "version", version, "bootstrap", source, "db", cfg.DBPath,
		"feishu", cfg.FeishuEnabled(), "discord", cfg.DiscordEnabled())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := server.NewApp(ctx, cfg)
	if err != nil {
		log.Errorw("Failed to start", "error", err)
		return err
	}
	defer app.Close()

	if err := app.Run(ctx); err != nil {
		log.Errorw("Stopped with error", "error", err)
		return err
	}
	log.Infow("Stopped")
	return nil
}

func runMCP(cmd *cobra.Command, args []string) error {
	// stdout carries the protocol, so the logger stays silent
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	inspector, err := server.NewInspector(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "exastris mcp: %v\n", err)
		return err
	}
	defer inspector.Close()

	return mcpserver.NewServer(inspector.Usecases(), version).Run(ctx)
}
