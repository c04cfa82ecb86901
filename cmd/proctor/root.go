package main

import (
	"os"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the proctor command tree.
func NewRootCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "proctor",
		Short:         "Proctor - exam session monitoring",
		Long:          "Proctor watches a webcam during an exam, raises alerts for suspicious behaviour and keeps a session audit log.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.Version = version
	cmd.SetVersionTemplate("proctor version {{.Version}}\n")
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.PersistentFlags().String("config", "proctor.yaml", "configuration file (optional)")

	cmd.AddCommand(
		NewRunCmd(),
		NewWatchCmd(),
		NewSummaryCmd(),
		NewPruneCmd(),
		NewSnapshotCmd(),
		NewHashPasswordCmd(),
	)
	return cmd
}
