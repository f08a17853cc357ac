package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/clickup/pg-mig/registry"
)

var listDigest bool

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Print the on-disk versions, or the code digest with --digest",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		reg, err := registry.Load(flags.MigDir)
		if err != nil {
			return err
		}
		if listDigest {
			fmt.Fprintln(cmd.OutOrStdout(), reg.Digest())
			return nil
		}
		for _, version := range reg.Versions() {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		}
		return nil
	},
}

func init() {
	listCmd.Flags().BoolVar(&listDigest, "digest", false, "print the code digest instead of versions")
	rootCmd.AddCommand(listCmd)
}
