package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/loykin/craftd"
	"github.com/loykin/craftd/internal/config"
	"github.com/loykin/craftd/internal/logger"
	"github.com/loykin/craftd/internal/metrics"
	"github.com/loykin/craftd/internal/server"
)

var version = "dev"

var (
	cfgPath  string
	logLevel string
)

func main() {
	root := &cobra.Command{
		Use:           "craftd",
		Short:         "Supervise a long-running game server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "craftd.toml", "path to the TOML config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.AddCommand(
		startCmd(), stopCmd(), restartCmd(), statusCmd(),
		commandCmd(), consoleCmd(), eventsCmd(), watchCmd(), versionCmd(),
	)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func setup() (*craftd.Manager, *config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	log := logger.New(parseLevel(logLevel))
	slog.SetDefault(log)
	mgr, err := craftd.New(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	return mgr, cfg, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, _, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = mgr.Close() }()
			if err := mgr.Start(); err != nil {
				return err
			}
			fmt.Println("server started")
			return nil
		},
	}
}

func stopCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, _, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = mgr.Close() }()
			if err := mgr.Stop(force); err != nil {
				return err
			}
			fmt.Println("server stopped")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "skip the graceful console stop")
	return cmd
}

func restartCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, _, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = mgr.Close() }()
			if err := mgr.Restart(force); err != nil {
				return err
			}
			fmt.Println("server restarted")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "skip the graceful console stop")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the full status report as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, _, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = mgr.Close() }()
			if mgr.IsRunning() {
				// Refresh the sample so the report is current.
				if _, err := mgr.Sample(); err != nil {
					slog.Warn("could not sample resources", "error", err)
				}
			}
			return printJSON(mgr.Status())
		},
	}
}

func commandCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "command <text...>",
		Short: "Send a console command to the server",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, _, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = mgr.Close() }()
			return mgr.SendCommand(strings.Join(args, " "))
		},
	}
}

func consoleCmd() *cobra.Command {
	var lines int
	cmd := &cobra.Command{
		Use:   "console",
		Short: "Show the tail of the server console log",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, _, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = mgr.Close() }()
			tail, err := mgr.ConsoleTail(lines)
			if err != nil {
				return err
			}
			for _, line := range tail {
				fmt.Println(line)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "number of trailing lines to show")
	return cmd
}

func eventsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent lifecycle events",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, _, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = mgr.Close() }()
			events, err := mgr.RecentEvents(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(events)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum events to show")
	return cmd
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Run the watchdog (and status API) until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, cfg, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = mgr.Close() }()

			if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
				return err
			}
			if !mgr.IsRunning() {
				if err := mgr.Start(); err != nil {
					return err
				}
			}
			mgr.Watch()

			var api *server.Server
			if cfg.HTTP.Listen != "" {
				api = server.New(mgr, slog.Default())
				if err := api.Start(cfg.HTTP.Listen); err != nil {
					mgr.Unwatch()
					return err
				}
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			s := <-sig
			slog.Info("shutting down", "signal", s.String())

			if api != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = api.Shutdown(ctx)
				cancel()
			}
			mgr.Unwatch()
			// The server itself stays up; craftd reattaches on the next run.
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the craftd version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("craftd", version)
		},
	}
}
