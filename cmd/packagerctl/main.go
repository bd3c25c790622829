package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"zipball-packager/cmd/packagerctl/commands"
)

var rootCmd = &cobra.Command{
	Use:   "packagerctl",
	Short: "Operator CLI for the zipball packager",
	Long: `packagerctl creates, inspects and retries packaging jobs directly against
the job store and dispatch queue configured in the environment.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(commands.GetCreateCmd())
	rootCmd.AddCommand(commands.GetShowCmd())
	rootCmd.AddCommand(commands.GetListCmd())
	rootCmd.AddCommand(commands.GetRetryCmd())
	rootCmd.AddCommand(commands.GetMetaCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
