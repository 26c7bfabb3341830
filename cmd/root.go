package cmd

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func RootApp() *cli.App {
	return &cli.App{
		Name:  "pulse",
		Usage: "Engagement ledger for a content platform",
		Description: `Pulse ingests high-volume engagement signals (claps, views,
		reading time, comments, follows) and keeps the derived aggregate
		counters on posts and users consistent with the underlying event log.

		Events are written to an SQLite database; expensive side effects run
		on a durable job pipeline with per-lane worker pools, and a periodic
		reconciliation job repairs any counter drift.

		Flags can generally be set via environment variables, e.g.:

		--database => PULSE_DATABASE=pulse.db
		--port => PULSE_PORT=3000
		`,
		Commands: []*cli.Command{
			serveCmd(),
			migrateCmd(),
			rollbackCmd(),
			reconcileCmd(),
			cleanupCmd(),
			moderateCmd(),
		},
		Action: func(ctx *cli.Context) error {
			// Show help if no command is specified
			return ctx.App.Run([]string{"", "help"})
		},
	}
}

func Execute() {
	if err := RootApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func databaseFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:    "database",
		Aliases: []string{"d"},
		Usage:   "SQLite database file",
		EnvVars: []string{"PULSE_DATABASE"},
		Value:   "pulse.db",
	}
}

func configFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to the TOML configuration file",
		EnvVars: []string{"PULSE_CONFIG"},
	}
}
