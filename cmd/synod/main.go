package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jllopis/synod/pkg/config"
	"github.com/jllopis/synod/pkg/telemetry"
)

var version = "dev"

type globalFlags struct {
	ConfigPath string
	Sets       []string
	JSON       bool
	User       string
}

var (
	global   globalFlags
	cfg      *config.Config
	shutdown telemetry.ShutdownFunc
)

var rootCmd = &cobra.Command{
	Use:   "synod",
	Short: "Synod multi-team deliberation orchestrator",
	Long: `Synod runs a fixed workflow of colored teams over an objective:
competing proposals, adversarial critique gated by critic verdicts, innovation,
a findings broadcast and a final security review. Teams remember the paths they
took so known failures are not repeated, and every denial, approval and
degraded result lands in the audit log.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.LoadWithCLI(cliConfigArgs())
		if err != nil {
			return err
		}
		cfg = loaded
		slog.SetDefault(telemetry.ConfigureSlog(os.Stderr, cfg.Log.Level, cfg.Log.Format))
		shutdown, err = telemetry.InitFromConfig("synod", version, cfg.Telemetry)
		return err
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if shutdown == nil {
			return nil
		}
		return shutdown(context.Background())
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addPersistentFlags()
	registerCommands()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		printError(os.Stderr, err, global.JSON)
		os.Exit(1)
	}
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringVar(&global.ConfigPath, "config", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringArrayVar(&global.Sets, "set", nil, "override a config key (key=value, repeatable)")
	rootCmd.PersistentFlags().BoolVar(&global.JSON, "json", false, "output JSON")
	rootCmd.PersistentFlags().StringVar(&global.User, "user", envOr("SYNOD_USER", "operator"), "acting user for RBAC and approvals")
}

func registerCommands() {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(pathsCmd())
	rootCmd.AddCommand(pruneCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(toolsCmd())
	rootCmd.AddCommand(versionCmd())
}

// cliConfigArgs rebuilds the argument form config.LoadWithCLI parses.
func cliConfigArgs() []string {
	var args []string
	if global.ConfigPath != "" {
		args = append(args, "--config", global.ConfigPath)
	}
	for _, s := range global.Sets {
		args = append(args, "--set", s)
	}
	return args
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		RunE: func(cmd *cobra.Command, args []string) error {
			if global.JSON {
				return printJSON(map[string]string{"version": version})
			}
			fmt.Printf("synod %s\n", version)
			return nil
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
