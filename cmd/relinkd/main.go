// Package main provides the relinkd bridge daemon CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/actual-software/relink/internal/config"
)

var (
	// Version is the application version, set at build time.
	Version = "dev"
	// BuildTime is the build timestamp, set at build time.
	BuildTime = "unknown"
	// GitCommit is the git commit hash, set at build time.
	GitCommit = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "relinkd",
		Short: "relinkd - resilient connection bridge daemon",
		Long: `relinkd maintains self-healing websocket connections to remote services
and exposes them over a newline-delimited JSON interface on stdio.`,
		RunE: run,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file")
	rootCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.Flags().BoolP("quiet", "q", false, "Suppress all logging output")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		// Ignoring error: writing to stderr in error path.
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	return newApp(cmd).run()
}

// versionCmd creates the version command.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("relinkd\n")
			fmt.Printf("Version: %s\n", Version)
			fmt.Printf("Build Time: %s\n", BuildTime)
			fmt.Printf("Git Commit: %s\n", GitCommit)
		},
	}
}

// configCmd creates the config command group.
func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		RunE:  runConfigShow,
	})

	return cmd
}

// runConfigShow loads the configuration with defaults applied and prints it.
func runConfigShow(cmd *cobra.Command, _ []string) error {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return fmt.Errorf("failed to get config flag: %w", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to render configuration: %w", err)
	}

	fmt.Print(string(data))

	return nil
}
