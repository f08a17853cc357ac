package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	pgmig "github.com/clickup/pg-mig"
)

var flags struct {
	MigDir      string
	Hosts       string
	Port        int
	User        string
	Pass        string
	DB          string
	CreateDB    bool
	Parallelism int
	Dry         bool
	Force       bool
	Verbose     bool
}

// rootCmd runs the apply action when called without a subcommand.
var rootCmd = &cobra.Command{
	Use:           "pg-mig",
	Short:         "Sharded PostgreSQL schema migration tool",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(*cobra.Command, []string) {
		if flags.Verbose {
			logrus.SetLevel(logrus.DebugLevel)
		}
	},
	RunE: func(cmd *cobra.Command, _ []string) error {
		o, err := newOrchestrator()
		if err != nil {
			return err
		}
		defer o.Close()
		return o.Apply(cmd.Context())
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.MigDir, "migdir", ".", "migration directory")
	pf.StringVar(&flags.Hosts, "hosts", "", "comma/semicolon separated host specs or DSNs")
	pf.IntVar(&flags.Port, "port", 5432, "default server port")
	pf.StringVar(&flags.User, "user", "postgres", "default user")
	pf.StringVar(&flags.Pass, "pass", "", "default password")
	pf.StringVar(&flags.DB, "db", "", "default database name")
	pf.BoolVar(&flags.CreateDB, "createdb", false, "create missing databases, waiting for the server")
	pf.IntVar(&flags.Parallelism, "parallelism", 0, "workers per host (0 = default)")
	pf.BoolVar(&flags.Dry, "dry", false, "print the plan without mutating anything")
	pf.BoolVar(&flags.Force, "force", false, "run before/after scripts even when skippable")
	pf.BoolVar(&flags.Verbose, "verbose", false, "debug logging")
}

func buildConfig() (pgmig.Config, error) {
	hosts, err := pgmig.ParseHosts(flags.Hosts)
	if err != nil {
		return pgmig.Config{}, err
	}
	return pgmig.Config{
		MigDir:         flags.MigDir,
		Hosts:          hosts,
		Port:           flags.Port,
		User:           flags.User,
		Pass:           flags.Pass,
		DB:             flags.DB,
		CreateDB:       flags.CreateDB,
		WorkersPerHost: flags.Parallelism,
		Dry:            flags.Dry,
		Force:          flags.Force,
	}, nil
}

func newOrchestrator() (*pgmig.Orchestrator, error) {
	cfg, err := buildConfig()
	if err != nil {
		return nil, err
	}
	return pgmig.New(cfg)
}
