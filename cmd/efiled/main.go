// Command efiled runs the MeF e-file service and its operator tooling.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/RossTaxPrep/efile_layer/internal/config"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "efiled",
	Short: "IRS Modernized e-File transmission service",
	Long: `efiled validates tax return documents, transmits them to the IRS
Modernized e-File (MeF) A2A services and reconciles acknowledgments back
onto stored transmissions.

Configuration is read from --config (YAML), then .env, then the environment.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("EFILE_CONFIG"), "path to the YAML configuration file")
	rootCmd.AddCommand(serveCmd, migrateCmd, validateCmd, reconcileCmd, harnessCmd, versionCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
