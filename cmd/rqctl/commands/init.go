package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hyperq/librq/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a sample configuration file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "rqctl.yaml"
		if len(args) == 1 {
			path = args[0]
		}
		if err := config.WriteSample(path, initForce); err != nil {
			return err
		}
		fmt.Println("wrote", path)
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
	rootCmd.AddCommand(initCmd)
}
