package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"pulse/db"
	"pulse/identity"
	"pulse/ingest"
	"pulse/models"
)

type ServerConfig struct {

	// The hostname to use for the server
	Hostname string

	// The ingestion service backing all engagement endpoints
	Ingest *ingest.Service

	// Resolves bearer/session identity for every request
	Resolver *identity.Resolver

	// Broadcast channel to pass engagement events to SSE clients
	Broadcaster *Broadcaster
}

type clapRequest struct {
	Count     int64  `json:"count"`
	SessionID string `json:"sessionId"`
}

type viewRequest struct {
	SessionID string `json:"sessionId"`
}

type readingTimeRequest struct {
	DurationSeconds int64  `json:"durationSeconds"`
	SessionID       string `json:"sessionId"`
}

type commentRequest struct {
	Content  string `json:"content"`
	ParentID *int64 `json:"parentId"`
}

// Returns a fiber.App instance to be used as the HTTP server for the
// engagement API
func Server(config *ServerConfig) *fiber.App {

	bc := config.Broadcaster

	app := fiber.New()

	// Middleware to track the latency of each request
	app.Use(func(c *fiber.Ctx) error {
		// start timer
		start := time.Now()

		// next routes
		err := c.Next()

		// stop timer
		stop := time.Now()

		log.WithFields(log.Fields{
			"method":  c.Method(),
			"route":   c.Route().Path,
			"latency": stop.Sub(start),
		}).Info("Request")
		return err
	})

	app.Use(requestid.New(requestid.ConfigDefault))
	app.Use(compress.New())
	app.Use(cors.New(cors.Config{
		AllowHeaders: "Authorization, Content-Type, Cache-Control",
	}))

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	actor := func(c *fiber.Ctx, sessionID string) models.Actor {
		if sessionID == "" {
			sessionID = c.Get("X-Session-Id")
		}
		return config.Resolver.Resolve(c.Get("Authorization"), sessionID)
	}

	app.Post("/api/posts/:id/clap", func(c *fiber.Ctx) error {
		postID, err := parseID(c, "id")
		if err != nil {
			return c.Status(400).SendString("Invalid post id")
		}

		var req clapRequest
		if err := json.Unmarshal(c.Body(), &req); err != nil {
			return c.Status(400).SendString("Invalid request body")
		}

		total, err := config.Ingest.Clap(c.Context(), postID, actor(c, req.SessionID), req.Count)
		if err != nil {
			return errorStatus(c, err)
		}

		return c.JSON(fiber.Map{"totalClaps": total})
	})

	app.Post("/api/posts/:id/view", func(c *fiber.Ctx) error {
		postID, err := parseID(c, "id")
		if err != nil {
			return c.Status(400).SendString("Invalid post id")
		}

		var req viewRequest
		// A view has no required body, an empty one is fine
		if len(c.Body()) > 0 {
			if err := json.Unmarshal(c.Body(), &req); err != nil {
				return c.Status(400).SendString("Invalid request body")
			}
		}

		// A suppressed duplicate is success with no new row
		if _, err := config.Ingest.View(c.Context(), postID, actor(c, req.SessionID)); err != nil {
			return errorStatus(c, err)
		}

		return c.JSON(fiber.Map{"ok": true})
	})

	app.Post("/api/posts/:id/reading-time", func(c *fiber.Ctx) error {
		postID, err := parseID(c, "id")
		if err != nil {
			return c.Status(400).SendString("Invalid post id")
		}

		var req readingTimeRequest
		if err := json.Unmarshal(c.Body(), &req); err != nil {
			return c.Status(400).SendString("Invalid request body")
		}

		if err := config.Ingest.ReadingTime(c.Context(), postID, actor(c, req.SessionID), req.DurationSeconds); err != nil {
			return errorStatus(c, err)
		}

		return c.JSON(fiber.Map{"ok": true})
	})

	app.Get("/api/posts/:id/counts", func(c *fiber.Ctx) error {
		postID, err := parseID(c, "id")
		if err != nil {
			return c.Status(400).SendString("Invalid post id")
		}

		counts, err := config.Ingest.Counts(c.Context(), postID)
		if err != nil {
			return errorStatus(c, err)
		}

		return c.JSON(counts)
	})

	app.Get("/api/posts/:id/views-per-time", func(c *fiber.Ctx) error {
		postID, err := parseID(c, "id")
		if err != nil {
			return c.Status(400).SendString("Invalid post id")
		}

		// check if time is hour, day or week
		bucket := c.Query("time", "hour")
		if bucket != "hour" && bucket != "day" && bucket != "week" {
			return c.Status(400).SendString("Invalid time")
		}

		viewsPerTime, err := config.Ingest.ViewsPerTime(c.Context(), postID, bucket)
		if err != nil {
			return errorStatus(c, err)
		}

		return c.JSON(viewsPerTime)
	})

	app.Get("/api/posts/:id/comments", func(c *fiber.Ctx) error {
		postID, err := parseID(c, "id")
		if err != nil {
			return c.Status(400).SendString("Invalid post id")
		}

		tree, err := config.Ingest.CommentTree(c.Context(), postID)
		if err != nil {
			return errorStatus(c, err)
		}

		return c.JSON(fiber.Map{"comments": tree})
	})

	app.Post("/api/posts/:id/comments", func(c *fiber.Ctx) error {
		postID, err := parseID(c, "id")
		if err != nil {
			return c.Status(400).SendString("Invalid post id")
		}

		var req commentRequest
		if err := json.Unmarshal(c.Body(), &req); err != nil {
			return c.Status(400).SendString("Invalid request body")
		}

		comment, err := config.Ingest.Comment(c.Context(), postID, actor(c, ""), req.ParentID, req.Content)
		if err != nil {
			return errorStatus(c, err)
		}

		return c.Status(201).JSON(fiber.Map{"comment": comment})
	})

	app.Delete("/api/comments/:id", func(c *fiber.Ctx) error {
		commentID, err := parseID(c, "id")
		if err != nil {
			return c.Status(400).SendString("Invalid comment id")
		}

		if err := config.Ingest.DeleteComment(c.Context(), commentID, actor(c, "")); err != nil {
			return errorStatus(c, err)
		}

		return c.JSON(fiber.Map{"ok": true})
	})

	app.Post("/api/users/:id/follow", func(c *fiber.Ctx) error {
		targetID, err := parseID(c, "id")
		if err != nil {
			return c.Status(400).SendString("Invalid user id")
		}

		if err := config.Ingest.Follow(c.Context(), actor(c, ""), targetID); err != nil {
			return errorStatus(c, err)
		}

		return c.JSON(fiber.Map{"ok": true})
	})

	app.Delete("/api/users/:id/follow", func(c *fiber.Ctx) error {
		targetID, err := parseID(c, "id")
		if err != nil {
			return c.Status(400).SendString("Invalid user id")
		}

		if err := config.Ingest.Unfollow(c.Context(), actor(c, ""), targetID); err != nil {
			return errorStatus(c, err)
		}

		return c.JSON(fiber.Map{"ok": true})
	})

	app.Get("/api/stream", func(c *fiber.Ctx) error {
		c.Set("Content-Type", "text/event-stream")
		c.Set("Cache-Control", "no-cache")
		c.Set("Connection", "keep-alive")
		c.Set("Transfer-Encoding", "chunked")

		// Unique client key
		key := uuid.New().String()
		eventChannel := make(chan models.EngagementEvent, 10) // Buffered channel
		aliveChan := time.NewTicker(5 * time.Second)

		defer aliveChan.Stop()

		// Register the client
		bc.AddClient(key, eventChannel)

		// Cleanup function
		cleanup := func() {
			log.Infof("Cleaning up SSE stream for client: %s", key)
			bc.RemoveClient(key)
		}

		// Use StreamWriter to manage SSE streaming
		c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
			defer cleanup()

			// Send initial event with client key
			fmt.Fprintf(w, "event: init\ndata: %s\n\n", key)
			if err := w.Flush(); err != nil {
				log.Errorf("Failed to send init event: %v", err)
				return
			}

			for {
				select {
				case <-aliveChan.C:
					// Send keep-alive pings
					if _, err := fmt.Fprintf(w, "event: ping\ndata: \n\n"); err != nil {
						log.Warnf("Failed to send ping to client %s: %v", key, err)
						return
					}
					if err := w.Flush(); err != nil {
						log.Warnf("Failed to flush ping for client %s: %v", key, err)
						return
					}

				case event, ok := <-eventChannel:
					if !ok {
						log.Warnf("Event channel closed for client %s", key)
						return
					}
					jsonEvent, err := json.Marshal(event)
					if err != nil {
						log.Errorf("Error marshalling event for client %s: %v", key, err)
						continue
					}
					if _, err := fmt.Fprintf(w, "event: engagement\ndata: %s\n\n", jsonEvent); err != nil {
						log.Warnf("Failed to send engagement event to client %s: %v", key, err)
						return
					}
					if err := w.Flush(); err != nil {
						log.Warnf("Failed to flush engagement event for client %s: %v", key, err)
						return
					}
				}
			}
		}))

		return nil
	})

	return app
}

func parseID(c *fiber.Ctx, param string) (int64, error) {
	id, err := strconv.ParseInt(c.Params(param), 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("invalid id")
	}
	return id, nil
}

// errorStatus maps service errors to HTTP statuses. Engagement writes are
// additive or idempotent, so callers can safely retry anything that maps to
// a 5xx.
func errorStatus(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, ingest.ErrValidation), errors.Is(err, ingest.ErrUnidentified):
		return c.Status(400).SendString(err.Error())
	case errors.Is(err, ingest.ErrPermission), errors.Is(err, ingest.ErrSelfFollow):
		return c.Status(403).SendString(err.Error())
	case errors.Is(err, db.ErrNotFound):
		return c.Status(404).SendString("Not found")
	default:
		log.WithFields(log.Fields{
			"error": err,
		}).Error("Engagement write failed")
		return c.Status(503).SendString("Temporarily unavailable, safe to retry")
	}
}
