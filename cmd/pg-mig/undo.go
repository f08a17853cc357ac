package main

import (
	"github.com/spf13/cobra"
)

var undoCmd = &cobra.Command{
	Use:   "undo <version>",
	Short: "Roll back one version (must be the latest applied everywhere)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := newOrchestrator()
		if err != nil {
			return err
		}
		defer o.Close()
		return o.Undo(cmd.Context(), args[0])
	},
}

func init() {
	rootCmd.AddCommand(undoCmd)
}
