// Command meshd runs and inspects a mesh node.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jrc1883/meshbrain/config"
)

var (
	configPath string
	flags      configFlags

	// cfg is loaded once by the root command before any subcommand runs.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "meshd",
	Short: "meshd - multi-agent coordination node",
	Long: `meshd coordinates a set of worker agents over a shared message bus:
it enforces the objective's guardrails at check-in, relays insights between
agents and runs structured consensus sessions when agents diverge.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}
		loaded, err := loadConfig(configPath, os.LookupEnv, &flags, cmd.Flags())
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	flags.AddFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(serveCmd, probeCmd, sessionsCmd, requestCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
