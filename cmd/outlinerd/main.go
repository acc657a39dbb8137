// Command outlinerd runs the outliner sync engine as a daemon.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"outliner-backend/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	configDir   string
	environment string

	rootCmd = &cobra.Command{
		Use:   "outlinerd",
		Short: "Outliner node hierarchy sync engine",
		Long: `outlinerd keeps an in-memory outline consistent with its durable store,
applies changes streamed from other clients and forwards local events.`,
		SilenceUsage: true,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "config", "directory holding base and per-environment config files")
	rootCmd.PersistentFlags().StringVar(&environment, "env", string(config.Development), "deployment environment (development, staging, production)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLoader() *config.Loader {
	return config.NewLoader(configDir, config.Environment(environment))
}
