package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/highbeam/session-relay/internal/config"
	"github.com/highbeam/session-relay/internal/daemon"
	"github.com/highbeam/session-relay/internal/delivery"
	"github.com/highbeam/session-relay/internal/ipc"
	"github.com/highbeam/session-relay/internal/logger"
	"github.com/highbeam/session-relay/internal/report"
	"github.com/highbeam/session-relay/internal/store"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "sessionrelay",
		Short: "Relay agent session activity to chat",
		Long: "sessionrelay tails an agent's session logs and posts batched, " +
			"human-readable activity summaries to a chat channel.",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.sessionrelay/config.{yaml,json})")

	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(stopCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(pingCmd())
	rootCmd.AddCommand(flushCmd())
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(renderCmd())
	rootCmd.AddCommand(deliveriesCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.ConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func startCmd() *cobra.Command {
	var (
		allHistory bool
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the relay daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if allHistory {
				cfg.ProcessAllHistory = true
			}
			if verbose {
				cfg.Verbose = true
			}
			logger.Configure(cfg.Verbose, os.Stderr)

			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			client := ipc.NewClient(cfg.SocketPath)
			if err := client.Ping(); err == nil {
				return errors.New("daemon is already running")
			}

			return daemon.New(cfg, logger.For("daemon")).Start(context.Background())
		},
	}

	cmd.Flags().BoolVar(&allHistory, "all-history", false, "Relay existing log content on first sight instead of starting at the end")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	return cmd
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the relay daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			client := ipc.NewClient(cfg.SocketPath)
			if err := client.RequestStop(); err != nil {
				return fmt.Errorf("stop daemon: %w", err)
			}

			fmt.Println("daemon stopping")
			return nil
		},
	}
}

func pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check if daemon is alive",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			client := ipc.NewClient(cfg.SocketPath)
			if err := client.Ping(); err != nil {
				fmt.Println("daemon is not running")
				return err
			}

			fmt.Println("daemon is alive")
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			client := ipc.NewClient(cfg.SocketPath)
			status, err := client.Status()
			if err != nil {
				return fmt.Errorf("daemon not running or unreachable: %w", err)
			}

			if jsonOutput {
				fmt.Println(report.FormatJSON(status))
			} else {
				fmt.Print(report.FormatStatus(status))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func flushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Send every pending batch now",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			client := ipc.NewClient(cfg.SocketPath)
			res, err := client.Flush()
			if err != nil {
				return fmt.Errorf("flush: %w", err)
			}
			fmt.Print(report.FormatFlush(res))
			if res.Error != "" {
				return errors.New(res.Error)
			}
			return nil
		},
	}
}

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <text>",
		Short: "Send one message through the configured sink",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			logger.Configure(cfg.Verbose, os.Stderr)

			var journal delivery.Journal
			if s, err := store.New(cfg.DBPath); err == nil {
				defer s.Close()
				journal = s
			}

			m := delivery.New(delivery.OptionsFromConfig(cfg), journal, nil, logger.For("delivery"))
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			err = m.Send(ctx, strings.Join(args, " "))
			m.Wait()
			if err != nil {
				return fmt.Errorf("send: %w", err)
			}
			fmt.Println("sent")
			return nil
		},
	}
}

func deliveriesCmd() *cobra.Command {
	var (
		limit      int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "deliveries",
		Short: "Show recent delivery attempts from the journal",
		Long: `Show recent delivery attempts, newest first.

Reads the SQLite journal directly -- the daemon does not need to be running.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			s, err := store.New(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open journal: %w", err)
			}
			defer s.Close()

			rows, err := s.RecentDeliveries(limit)
			if err != nil {
				return fmt.Errorf("read journal: %w", err)
			}
			if jsonOutput {
				fmt.Println(report.FormatJSON(rows))
			} else {
				fmt.Print(report.FormatDeliveries(rows, time.Now()))
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of rows to show")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}
