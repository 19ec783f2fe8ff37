package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the lemonade-router version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("%s version %s\n", color.New(color.FgCyan, color.Bold).Sprint("lemonade-router"), rootCmd.Version)
		return nil
	},
}
