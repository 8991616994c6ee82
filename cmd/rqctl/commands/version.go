package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var buildVersion, buildCommit string

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("rqctl %s (%s)\n", buildVersion, buildCommit)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
