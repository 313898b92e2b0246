package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "enclaved",
		Short: "Host daemon for sandboxed out-of-process plugins",
	}

	rootCmd.AddCommand(
		NewStartCommand(),
		NewTrustCommand(),
		NewKeygenCommand(),
		NewSignCommand(),
		NewVersionCommand(),
	)

	return rootCmd
}
