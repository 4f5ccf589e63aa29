package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/jrc1883/meshbrain"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the meshd version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "meshd %s (%s %s/%s)\n", meshbrain.Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}
