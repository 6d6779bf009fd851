package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/grahama1970/cc-executor/internal/config"
	"github.com/grahama1970/cc-executor/internal/logging"
	"github.com/grahama1970/cc-executor/internal/server"
	"github.com/grahama1970/cc-executor/internal/timing"
)

const version = "1.0.0"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cc-executor",
		Short: "WebSocket execution service for long-running AI agent tasks",
		Long: `cc-executor runs commands as supervised subprocesses in their own process
groups, streams their output over a persistent WebSocket as JSON-RPC
notifications, and predicts per-task timeouts from historical timing data.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newVersionCommand())

	viper.SetConfigName("cc-executor")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("$HOME/.cc-executor")
	viper.AddConfigPath(".")

	return rootCmd
}

func newServeCommand() *cobra.Command {
	var (
		configPath string
		host       string
		port       int
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the execution server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				// Fall back to the viper search path ($HOME/.cc-executor,
				// then the working directory).
				if err := viper.ReadInConfig(); err == nil {
					configPath = viper.ConfigFileUsed()
				}
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("host") {
				cfg.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			if debug {
				cfg.Debug = true
			}

			return runServer(cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&host, "host", "localhost", "listen host")
	cmd.Flags().IntVarP(&port, "port", "p", 8003, "listen port")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")

	return cmd
}

func runServer(cfg *config.Config) error {
	if cfg.Debug {
		logging.SetGlobalLevel(logging.DEBUG)
	}
	logger := logging.NewComponentLogger("Server")

	store, err := timing.NewFileStore(cfg.TimingDir, logging.NewComponentLogger("Timing"))
	if err != nil {
		return fmt.Errorf("open timing store: %w", err)
	}

	srv, err := server.New(cfg, store, nil, logger)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	// Graceful shutdown on interrupt: live process groups are cancelled so
	// no worker outlives the service.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Received %s, shutting down", sig)
		if err := srv.Stop(); err != nil {
			logger.Error("Shutdown error: %v", err)
		}
	}()

	return srv.Start()
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("cc-executor %s\n", version)
		},
	}
}
