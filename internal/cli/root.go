// Package cli provides the command-line interface for the realtime service.
package cli

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"portfolio-realtime/internal/config"
	"portfolio-realtime/internal/logging"
)

// Version information
const (
	Version   = "0.1.0"
	BuildDate = "2026-10-01"
)

// App holds what every command shares. Config is loaded before any command
// runs; validation is left to the commands that need a valid one.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	app := &App{Logger: logging.NewLogger()}

	rootCmd := &cobra.Command{
		Use:   "realtime",
		Short: "Real-time portfolio analysis and alerting",
		Long: `realtime streams market data to authenticated WebSocket clients, keeps
portfolios revalued on every tick, and publishes insights, rebalancing
recommendations and alerts as they change.

Configuration comes from an optional file (--config), a .env file and
REALTIME_* environment variables, e.g. REALTIME_AUTH_JWT_SECRET.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			if debug, _ := cmd.Flags().GetBool("debug"); debug {
				cfg.Log.Level = "debug"
			}
			app.Config = cfg
			app.Logger = logging.NewLoggerWithConfig(cfg.Log)
			return nil
		},
	}

	rootCmd.PersistentFlags().String("config", "", "config file (yaml, toml or json)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newServeCmd(app))
	rootCmd.AddCommand(newStatusCmd(app))
	rootCmd.AddCommand(newTokenCmd(app))
	rootCmd.AddCommand(newConfigCmd(app))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			info := map[string]string{"version": Version, "build_date": BuildDate}
			return output.Emit(info, func() {
				output.Printf("realtime v%s\n", Version)
				output.Dim("Build date: %s", BuildDate)
			})
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "Show and validate the effective configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			redacted := app.Config.Redacted()
			return output.Emit(redacted, func() { showConfig(output, &redacted) })
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Config.Validate(); err != nil {
				if output.IsJSON() {
					_ = output.JSON(map[string]interface{}{"valid": false, "error": err.Error()})
				} else {
					output.Error("Configuration validation failed: %v", err)
				}
				return err
			}
			return output.Emit(map[string]bool{"valid": true}, func() {
				output.Success("Configuration is valid")
			})
		},
	})

	return cmd
}

func showConfig(output *Output, cfg *config.Config) {
	output.KeyValues("Server", [][2]string{
		{"mode", cfg.Mode},
		{"addr", cfg.Server.Addr},
		{"max_connections", fmt.Sprint(cfg.Server.MaxConnections)},
		{"auth_grace_period", cfg.Server.AuthGracePeriod.String()},
		{"heartbeat_interval", cfg.Server.HeartbeatInterval.String()},
		{"inactivity_timeout", cfg.Server.InactivityTimeout.String()},
		{"max_symbols_per_request", fmt.Sprint(cfg.Server.MaxSymbols)},
	})
	output.KeyValues("Auth", [][2]string{
		{"jwt_secret", cfg.Auth.JWTSecret},
		{"issuer", cfg.Auth.Issuer},
		{"audience", cfg.Auth.Audience},
		{"required_scope", cfg.Auth.RequiredScope},
		{"admin_scope", cfg.Auth.AdminScope},
		{"allowed_origins", fmt.Sprint(cfg.Security.AllowedOrigins)},
	})
	output.KeyValues("Analysis", [][2]string{
		{"interval", cfg.Analysis.Interval.String()},
		{"workers", fmt.Sprint(cfg.Analysis.Workers)},
		{"benchmark_symbol", cfg.Analysis.Benchmark},
		{"alert_cooldown", cfg.Analysis.AlertCooldown.String()},
		{"concentration_threshold", fmt.Sprint(cfg.Analysis.ConcentrationThreshold)},
	})
	output.KeyValues("Market", [][2]string{
		{"providers", fmt.Sprint(cfg.Market.Providers)},
		{"poll_interval", cfg.Market.PollInterval.String()},
		{"symbols", fmt.Sprint(cfg.Market.Symbols)},
		{"kafka.enabled", fmt.Sprint(cfg.Market.Kafka.Enabled)},
		{"hours.timezone", cfg.Market.Hours.Timezone},
	})
	output.KeyValues("Storage", [][2]string{
		{"store.path", cfg.Store.Path},
		{"events.kafka.enabled", fmt.Sprint(cfg.Events.Kafka.Enabled)},
		{"audit.dir", cfg.Audit.LogDir},
		{"log.level", cfg.Log.Level},
	})
}
