package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stanstork/stratum-migrator/internal/config"
)

type flags struct {
	configFile  string
	noProgress  bool
	summaryFile string
}

func newRootCmd() *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:   "mysql-migrator",
		Short: "Copy every database of a MySQL server to another MySQL server",
		Long: `Migrates schemas, rows, views, triggers, procedures and functions from a
source MySQL server to a destination server, database by database and table by
table in parallel, then verifies per-table row counts.

Connection settings come from config.yaml (or --config) and MIGRATOR_* variables.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v := config.New(f.configFile)
			if err := bindFlags(v, cmd.Flags()); err != nil {
				return err
			}
			return run(cmd.Context(), v, f)
		},
	}

	fs := cmd.Flags()
	fs.IntP("batch-size", "b", 2048, "Rows per batch before adaptation")
	fs.BoolP("skip-existing-dbs", "s", false, "Do not migrate databases that already exist on the destination")
	fs.BoolP("keep-existing-dbs", "d", false, "Do not drop destination databases before migrating")
	fs.BoolP("migrate-grants", "g", false, "Copy mysql.user after the data migration")
	fs.IntP("thread-db", "t", config.DefaultThreads(), "Databases migrated in parallel")
	fs.IntP("thread-table", "x", config.DefaultThreads(), "Tables migrated in parallel per database")
	fs.BoolP("check-only", "c", false, "Only compare row counts between both servers")
	fs.Bool("no-wait", false, "Skip the cancellable countdowns before destructive steps")
	fs.StringVar(&f.configFile, "config", "", "Path to the config file")
	fs.BoolVar(&f.noProgress, "no-progress", false, "Disable progress bars")
	fs.StringVar(&f.summaryFile, "summary-file", "", "Write per-database results as JSON to this file")
	return cmd
}

// flagKeys maps CLI flags onto configuration keys so flags override the file
// and the environment.
var flagKeys = map[string]string{
	"batch-size":        "transfer.batch_size",
	"skip-existing-dbs": "run.skip_existing_dbs",
	"keep-existing-dbs": "run.keep_existing_dbs",
	"migrate-grants":    "run.migrate_grants",
	"thread-db":         "run.thread_db",
	"thread-table":      "run.thread_table",
	"check-only":        "run.check_only",
	"no-wait":           "run.no_wait",
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for flag, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return err
		}
	}
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
