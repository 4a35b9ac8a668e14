package main

import (
	"github.com/spf13/cobra"
)

// newRootCommand creates the stmtrelay command tree. Every command reads its
// configuration from STMTRELAY_* variables and the optional STMTRELAY_CONFIG
// file.
func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stmtrelay",
		Short: "Relay asynchronous SQL statements and their completions",
		Long: `stmtrelay submits SQL statements to an asynchronous statement backend and
correlates each completion notification with the caller protocol that
submitted it: a workflow task token, a provisioning request, or nothing.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newConsumeCommand())
	cmd.AddCommand(newInvokeCommand())

	return cmd
}
