// Package main provides the CLI entry point for the NetspherePirates P2P relay.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/afii369/NetspherePirates/internal/config"
	"github.com/afii369/NetspherePirates/internal/loadtest"
	"github.com/afii369/NetspherePirates/internal/logging"
	"github.com/afii369/NetspherePirates/internal/server"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "relay",
		Short: "NetspherePirates P2P relay server",
		Long: `relay runs the UDP relay that lets game clients form P2P groups.

Clients connect, create or join a group and receive membership
notifications with per-pair keys. Traffic between members that cannot
reach each other directly is forwarded through the relay.`,
		Version: Version,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(loadtestCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads path, or returns defaults when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func runCmd() *cobra.Command {
	var (
		configPath string
		listen     string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the relay",
		Long:  "Start the relay with the specified configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.UDP.Address = listen
			}
			if logLevel != "" {
				cfg.Server.LogLevel = logLevel
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := logging.NewLogger(cfg.Server.LogLevel, cfg.Server.LogFormat)
			srv, err := server.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to create relay: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			fmt.Printf("Starting relay %s...\n", Version)
			if err := srv.Start(ctx); err != nil {
				return fmt.Errorf("failed to start relay: %w", err)
			}

			fmt.Printf("Listening on: %s\n", srv.LocalAddr())
			fmt.Printf("Max message length: %s\n", humanize.Bytes(uint64(cfg.UDP.MaxMessageLength)))
			fmt.Printf("Max sessions: %s (idle timeout %s)\n",
				humanize.Comma(int64(cfg.Sessions.MaxSessions)), cfg.Sessions.IdleTimeout)
			if addr := srv.HealthAddr(); addr != nil {
				fmt.Printf("Metrics: http://%s%s\n", addr, cfg.Metrics.Path)
			}

			<-ctx.Done()
			fmt.Println("\nReceived signal, shutting down...")

			// Socket drain plus health server shutdown.
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.UDP.ShutdownTimeout+5*time.Second)
			defer cancel()

			if err := srv.StopWithContext(shutdownCtx); err != nil {
				fmt.Printf("Shutdown error: %v\n", err)
				return err
			}

			fmt.Println("Relay stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (defaults are used when empty)")
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Override udp.address")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override server.log_level")

	return cmd
}

func configCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long:  "Print the configuration after defaults and environment expansion are applied.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), cfg.String())
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")

	return cmd
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <config>",
		Short: "Validate a configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", args[0])
			return nil
		},
	}
}

func loadtestCmd() *cobra.Command {
	var (
		target      string
		concurrency int
		duration    time.Duration
		hold        time.Duration
		payloadSize int
	)

	cmd := &cobra.Command{
		Use:   "loadtest",
		Short: "Generate session churn and relay traffic against a running relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			sender, err := loadtest.Dial(ctx, target, 0, 2*time.Second)
			if err != nil {
				return err
			}
			defer sender.Close()
			if err := sender.Connect(); err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer sender.Disconnect()

			groupID, err := sender.CreateGroup(false)
			if err != nil {
				return fmt.Errorf("create group: %w", err)
			}
			if err := sender.JoinGroup(groupID); err != nil {
				return fmt.Errorf("join group: %w", err)
			}
			fmt.Fprintf(out, "Group %d created on %s\n", groupID, target)

			churn, err := loadtest.NewConnectionChurnTester(concurrency, duration, hold).
				Run(ctx, loadtest.RelayMemberConnect(target, groupID, 0, 2*time.Second))
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Churn: %s sessions (%s failed), %.1f/s, connect %.2fms avg\n",
				humanize.Comma(churn.TotalConnections), humanize.Comma(churn.FailedConnects),
				churn.ChurnRate, churn.AvgConnectTimeMs)

			receiver, err := loadtest.Dial(ctx, target, 0, 500*time.Millisecond)
			if err != nil {
				return err
			}
			defer receiver.Close()
			if err := receiver.Connect(); err != nil {
				return fmt.Errorf("connect receiver: %w", err)
			}
			defer receiver.Disconnect()
			if err := receiver.JoinGroup(groupID); err != nil {
				return fmt.Errorf("join receiver: %w", err)
			}

			tp, err := loadtest.NewThroughputTester(duration, payloadSize).Run(ctx, sender, receiver)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Relay: %s sent, %s received (%s), %.0f msg/s, loss %.1f%%\n",
				humanize.Comma(tp.Sent), humanize.Comma(tp.Received), humanize.Bytes(uint64(tp.TotalBytes)),
				tp.MessagesPerSecond, tp.LossRatio*100)
			return nil
		},
	}

	cmd.Flags().StringVarP(&target, "target", "t", "127.0.0.1:28012", "Relay UDP address")
	cmd.Flags().IntVar(&concurrency, "concurrency", 8, "Concurrent churn workers")
	cmd.Flags().DurationVar(&duration, "duration", 5*time.Second, "Duration of each phase")
	cmd.Flags().DurationVar(&hold, "hold", 10*time.Millisecond, "How long each churn session stays in the group")
	cmd.Flags().IntVar(&payloadSize, "payload-size", 512, "Relay payload size in bytes")

	return cmd
}
