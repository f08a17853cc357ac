package main

import (
	"path/filepath"

	"github.com/spf13/cobra"

	pgmig "github.com/clickup/pg-mig"
	"github.com/clickup/pg-mig/registry"
)

var chainOut string

// The chain file exists to force a VCS merge conflict when two developers
// add versions at the same time.
var chainCmd = &cobra.Command{
	Use:   "chain",
	Short: "Rewrite the append-only chain file",
	Args:  cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		reg, err := registry.Load(flags.MigDir)
		if err != nil {
			return err
		}
		out := chainOut
		if out == "" {
			out = filepath.Join(flags.MigDir, "chain.txt")
		}
		return pgmig.WriteChainFile(out, reg)
	},
}

func init() {
	chainCmd.Flags().StringVar(&chainOut, "out", "", "chain file path (default <migdir>/chain.txt)")
	rootCmd.AddCommand(chainCmd)
}
