package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	pgmig "github.com/clickup/pg-mig"
)

var makeCmd = &cobra.Command{
	Use:   "make <name>@<prefix>",
	Short: "Scaffold a new up/dn migration pair",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, prefix, ok := strings.Cut(args[0], "@")
		if !ok {
			return errors.Errorf("expected <name>@<prefix>, got %q", args[0])
		}
		up, dn, err := pgmig.Scaffold(flags.MigDir, name, prefix, time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), up)
		fmt.Fprintln(cmd.OutOrStdout(), dn)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(makeCmd)
}
