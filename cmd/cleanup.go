package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"pulse/config"
	"pulse/db"
)

func cleanupCmd() *cli.Command {
	return &cli.Command{
		Name:  "cleanup",
		Usage: "Purge old anonymous views",
		Description: `Deletes anonymous view events older than the retention window
(30 days by default). Authenticated views are kept indefinitely.

Can be run as a cron job, the serve command also schedules it daily.`,
		Flags: []cli.Flag{
			databaseFlag(),
			configFlag(),
		},
		Action: func(ctx *cli.Context) error {
			cfg := config.Default()
			if path := ctx.String("config"); path != "" {
				loaded, err := config.LoadConfig(path)
				if err != nil {
					return err
				}
				cfg = loaded
			}

			database, err := db.New(ctx.String("database"))
			if err != nil {
				return err
			}
			defer database.Close()

			deleted, err := database.CleanupAnonymousViews(ctx.Context, cfg.ViewRetention())
			if err != nil {
				return err
			}

			fmt.Printf("Deleted %d anonymous views\n", deleted)
			return nil
		},
	}
}
