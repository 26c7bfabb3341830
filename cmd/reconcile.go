package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"pulse/db"
)

func reconcileCmd() *cli.Command {
	return &cli.Command{
		Name:  "reconcile",
		Usage: "Recompute all cached counters from the event tables",
		Description: `Runs the counter reconciliation once and exits.

Recomputes clap, comment and view counts for every post and the follow
counts for every user from the raw event tables, overwriting any cached
counter that drifted. Safe to run while the server is live and safe to
re-run any number of times.`,
		Flags: []cli.Flag{
			databaseFlag(),
		},
		Action: func(ctx *cli.Context) error {
			database, err := db.New(ctx.String("database"))
			if err != nil {
				return err
			}
			defer database.Close()

			corrected, err := database.Reconcile(ctx.Context)
			if err != nil {
				return err
			}

			fmt.Printf("Reconciliation done, corrected %d drifted counters\n", corrected)
			return nil
		},
	}
}
