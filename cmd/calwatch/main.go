package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"calwatch/internal/config"
	appLog "calwatch/internal/log"
)

const version = "0.1.0"

// shutdownGrace bounds how long running jobs and requests get on exit.
const shutdownGrace = 15 * time.Second

var (
	configPath string
	listenAddr string
)

var rootCmd = &cobra.Command{
	Use:           "calwatch",
	Short:         "Watch calendars and announce verified changes",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Secrets may live in a .env next to the binary; absence is fine.
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			appLog.Warn("failed to load .env", "error", err.Error())
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler, operator API and config watcher",
	RunE:  runServe,
}

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Run one polling cycle, print its report and exit",
	RunE:  runPoll,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate the config file",
	RunE:  runValidate,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "/etc/calwatch/config.yaml", "Path to config file")
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "HTTP listen address (overrides config if set)")
	rootCmd.AddCommand(serveCmd, pollCmd, validateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		appLog.Error("calwatch failed", err)
		os.Exit(1)
	}
}

// loadConfig loads, overrides from the environment, validates and applies
// the log level.
func loadConfig() (*config.Config, error) {
	conf, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", configPath, err)
	}
	conf.ApplyEnv(os.Getenv)
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configPath, err)
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))
	return conf, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	appLog.Info("calwatch starting", "version", version)

	conf, err := loadConfig()
	if err != nil {
		return err
	}
	if listenAddr != "" {
		conf.Listen = listenAddr
	}

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"state_dir", conf.StateDir,
		"sources", len(conf.Sources),
		"poll", conf.Schedule.Poll,
		"verify_delay", conf.Verification.Delay.String(),
		"webhook", conf.Notify.WebhookURL != "",
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, conf)
	if err != nil {
		return err
	}
	defer a.close()

	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	go a.dispatcher.Run(dispatchCtx, a.verifier.Confirmed())

	go func() {
		if err := config.Watch(ctx, configPath, 0, func(nc *config.Config) { a.reload(ctx, nc) }); err != nil {
			appLog.Error("config watcher stopped", err, "path", configPath)
		}
	}()

	a.scheduler.Start()
	go func() {
		if err := a.scheduler.RunNow("poll"); err != nil {
			appLog.Error("initial poll failed", err)
		}
	}()

	serveErr := a.server().Serve(ctx, conf.Listen, shutdownGrace)
	if serveErr != nil {
		appLog.Error("HTTP server failed", serveErr)
		stop()
	}

	<-ctx.Done()
	appLog.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	a.scheduler.Stop(stopCtx)
	a.publishHeld(stopCtx)

	// Deliver what is still queued, then stop.
	stopDispatch()
	select {
	case <-a.dispatcher.Done():
	case <-stopCtx.Done():
		appLog.Warn("notification queue not drained before exit")
	}

	appLog.Info("calwatch exiting")
	return serveErr
}

func runPoll(cmd *cobra.Command, _ []string) error {
	conf, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, conf)
	if err != nil {
		return err
	}
	defer a.close()

	rep := a.monitor.Poll(ctx)
	out := struct {
		Cycle   any `json:"cycle"`
		Health  any `json:"health"`
		Sources any `json:"sources"`
	}{rep, a.health.Summary(), a.monitor.SourceInfos()}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func runValidate(cmd *cobra.Command, _ []string) error {
	conf, err := loadConfig()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "config OK: %d sources, timezone %s\n", len(conf.Sources), conf.Timezone)
	return nil
}
