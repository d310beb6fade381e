package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/buildtrace/buildtrace/internal/config"
	"github.com/buildtrace/buildtrace/internal/home"
	"github.com/buildtrace/buildtrace/internal/server"
)

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the BuildTrace server",
	Long: `Start the BuildTrace HTTP server.

This starts the HTTP API, the SQLite-backed task bus, the stage workers,
and the job orchestrator in one process. Configuration changes to
config.yaml are picked up without a restart.

Examples:
  buildtrace serve                    # Start on default port 8585
  buildtrace serve --port 3000        # Start on custom port
  buildtrace serve --host 0.0.0.0     # Bind to all interfaces`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		// Set up logger
		logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))

		// Get home directory
		h, err := home.New(homeDir)
		if err != nil {
			return err
		}
		if err := h.EnsureExists(); err != nil {
			return err
		}

		// Load configuration, falling back to the home config file
		cfgPath := cfgFile
		if cfgPath == "" && h.ConfigExists() {
			cfgPath = h.ConfigPath()
		}
		mgr, err := config.NewManager(cfgPath)
		if err != nil {
			return err
		}
		mgr.WatchConfig()

		host := serveHost
		port := servePort
		if !cmd.Flags().Changed("host") && mgr.Get().Server.Host != "" {
			host = mgr.Get().Server.Host
		}
		if !cmd.Flags().Changed("port") && mgr.Get().Server.Port != 0 {
			port = mgr.Get().Server.Port
		}

		srv, err := server.New(server.Config{
			Host:          host,
			Port:          port,
			Home:          h,
			ConfigManager: mgr,
			Logger:        logger,
		})
		if err != nil {
			return err
		}

		// Start server (blocks until shutdown)
		return srv.Start(ctx)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the home directory and a default config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := home.New(homeDir)
		if err != nil {
			return err
		}
		if err := h.EnsureExists(); err != nil {
			return err
		}
		if h.ConfigExists() {
			fmt.Printf("config already exists at %s\n", h.ConfigPath())
			return nil
		}
		if err := config.WriteDefault(h.ConfigPath()); err != nil {
			return err
		}
		fmt.Printf("wrote default config to %s\n", h.ConfigPath())
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "127.0.0.1", "Host to bind to")
	serveCmd.Flags().IntVar(&servePort, "port", 8585, "Port to listen on")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initCmd)
}
