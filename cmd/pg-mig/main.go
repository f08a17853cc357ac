// Command pg-mig applies ordered schema-change scripts to a sharded
// PostgreSQL fleet. Without a subcommand it runs the apply action.
package main

import (
	"os"

	"github.com/sirupsen/logrus"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		logrus.StandardLogger().Error(err)
		os.Exit(1)
	}
}
