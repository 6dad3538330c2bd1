// Command callwire is a headless duplex audio client for the voice backend.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/callwire/internal/app"
	"github.com/MrWong99/callwire/internal/config"
	"github.com/MrWong99/callwire/internal/control"
	"github.com/MrWong99/callwire/internal/observe"
	"github.com/MrWong99/callwire/internal/report"
)

var version = "0.1.0"

var (
	cfgFile string
	envFile string
)

var rootCmd = &cobra.Command{
	Use:           "callwire",
	Short:         "Headless voice call client",
	Long:          `callwire streams the microphone to a voice backend, plays the replies and fetches the post-call report.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if envFile != "" {
			return config.LoadDotEnv(envFile)
		}
		return config.LoadDotEnv()
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a call and serve the control surface",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if code := run(cmd.Context()); code != 0 {
			return fmt.Errorf("exit status %d", code)
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "callwire v%s\n", version)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the configuration",
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration and print the effective values",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(cfg)
	},
}

var statusAddr string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of a running client",
	RunE: func(cmd *cobra.Command, _ []string) error {
		addr := statusAddr
		if addr == "" {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			addr = cfg.Server.ListenAddr
		}
		return printStatus(cmd.Context(), cmd.OutOrStdout(), "http://"+addr+"/status")
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to the YAML configuration file (defaults and environment only when empty)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "environment file to load (default .env when present)")
	statusCmd.Flags().StringVar(&statusAddr, "addr", "", "control server address (default server.listen_addr)")

	configCmd.AddCommand(configCheckCmd)
	rootCmd.AddCommand(runCmd, versionCmd, configCmd, statusCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "callwire: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) int {
	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "callwire: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(level))

	slog.Info("callwire starting",
		"version", version,
		"config", cfgFile,
		"listen_addr", cfg.Server.ListenAddr,
		"backend", cfg.Backend.BaseURL,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Config watcher ────────────────────────────────────────────────────────
	if cfgFile != "" {
		w, err := config.NewWatcher(cfgFile, func(_, _ *config.Config, d config.ConfigDiff) {
			if d.LogLevelChanged {
				level.Set(slogLevel(d.NewLogLevel))
				slog.Info("log level changed", "level", d.NewLogLevel)
			}
			if len(d.RestartRequired) > 0 {
				slog.Warn("configuration changes take effect after restart", "sections", d.RestartRequired)
			}
		})
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	// ── Telemetry ─────────────────────────────────────────────────────────────
	provider, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(cfg,
		app.WithMetrics(observe.DefaultMetrics()),
		app.WithMetricsHandler(provider.MetricsHandler()),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("client ready, press Ctrl+C to shut down", "control", "http://"+cfg.Server.ListenAddr)

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// printStatus fetches the control server's status and prints it.
func printStatus(ctx context.Context, w io.Writer, url string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("control server unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("control server answered %s", resp.Status)
	}

	var v control.StatusView
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}
	rating := v.Rating
	if rating == "" {
		switch {
		case v.ReportLoading:
			rating = "pending"
		case v.Report == report.StateFailed:
			rating = "unavailable"
		default:
			rating = "-"
		}
	}
	fmt.Fprintf(w, "session   %s\n", v.SessionID)
	fmt.Fprintf(w, "phase     %s\n", v.Phase)
	fmt.Fprintf(w, "link      %s\n", v.Status)
	fmt.Fprintf(w, "audio     %s\n", onOff(v.AudioEnabled))
	fmt.Fprintf(w, "video     %s\n", onOff(v.VideoEnabled))
	fmt.Fprintf(w, "speaking  %v\n", v.RemotePlaying)
	fmt.Fprintf(w, "rating    %s\n", rating)
	return nil
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
