package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"pulse/config"
	"pulse/db"
	"pulse/identity"
	"pulse/ingest"
	"pulse/jobs"
	"pulse/models"
	"pulse/server"
)

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the engagement API",
		Description: `Starts the HTTP server, the job pipeline workers and the
maintenance scheduler.

The ingestion endpoints accept claps, views, reading time samples, comments
and follows; expensive side effects run on the analytics, notification and
email lanes of the durable job pipeline. Counter reconciliation runs
periodically and the anonymous view cleanup fires daily at midnight.`,
		Flags: []cli.Flag{
			databaseFlag(),
			configFlag(),
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to listen on",
				EnvVars: []string{"PULSE_PORT"},
				Value:   3000,
			},
			&cli.StringFlag{
				Name:    "hostname",
				Aliases: []string{"n"},
				Usage:   "The hostname where the server is running",
				EnvVars: []string{"PULSE_HOSTNAME"},
				Value:   "localhost",
			},
			&cli.StringFlag{
				Name:    "jwt-secret",
				Usage:   "Shared secret used to verify bearer tokens from the auth provider",
				EnvVars: []string{"PULSE_JWT_SECRET"},
				Value:   "insecure-dev-secret",
			},
		},
		Action: func(ctx *cli.Context) error {

			fmt.Println("Starting pulse...")

			cfg := config.Default()
			if path := ctx.String("config"); path != "" {
				loaded, err := config.LoadConfig(path)
				if err != nil {
					return err
				}
				cfg = loaded
			}

			if err := db.Migrate(ctx.String("database")); err != nil {
				return err
			}

			database, err := db.New(ctx.String("database"))
			if err != nil {
				return err
			}
			defer database.Close()

			// Channel for passing ingested events to SSE clients
			eventChan := make(chan models.EngagementEvent, 1000)

			resolver := identity.NewResolver(ctx.String("jwt-secret"))
			service := ingest.NewService(database, cfg, eventChan)

			pipeline := jobs.NewPipeline(database, cfg)
			jobs.RegisterHandlers(pipeline, database, cfg, jobs.NewSMTPSender(cfg.SMTP))

			scheduler := jobs.NewScheduler(database, cfg)

			broadcaster := server.NewBroadcaster()
			app := server.Server(&server.ServerConfig{
				Hostname:    ctx.String("hostname"),
				Ingest:      service,
				Resolver:    resolver,
				Broadcaster: broadcaster,
			})

			pipeline.Start(ctx.Context)
			scheduler.Start(ctx.Context)

			// Graceful shutdown
			c := make(chan os.Signal, 1)
			signal.Notify(c, os.Interrupt)
			var wg sync.WaitGroup

			go func() {
				<-c
				fmt.Println("Gracefully shutting down...")
				app.ShutdownWithTimeout(60 * time.Second)
				scheduler.Shutdown()
				pipeline.Shutdown()
				broadcaster.Shutdown()
				defer wg.Add(-1)
			}()

			go func() {
				// Pump ingested events to the SSE broadcaster
				for event := range eventChan {
					broadcaster.Broadcast(event)
				}
			}()

			go func() {
				fmt.Println("Starting server...")
				if err := app.Listen(fmt.Sprintf(":%d", ctx.Int("port"))); err != nil {
					log.Panic(err)
				}
			}()

			wg.Add(1)
			wg.Wait()

			fmt.Println("Done!")

			return nil
		},
	}
}
