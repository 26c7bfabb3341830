package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"pulse/config"
	"pulse/db"
	"pulse/models"
)

// RegisterHandlers binds the default consumers for every lane. All of them
// tolerate duplicate execution: counter increments are repaired by
// reconciliation, cleanup and reconcile are idempotent by construction, and
// a duplicated notification row is an accepted cost of at-least-once
// delivery.
func RegisterHandlers(p *Pipeline, database *db.DB, cfg *config.TomlConfig, sender Sender) {
	h := &handlers{db: database, config: cfg, sender: sender}

	p.Register(models.JobViewCounted, h.viewCounted)
	p.Register(models.JobCleanupViews, h.cleanupViews)
	p.Register(models.JobReconcile, h.reconcile)
	p.Register(models.JobNotifyFollow, h.notify("follow"))
	p.Register(models.JobNotifyClap, h.notify("clap"))
	p.Register(models.JobNotifyComment, h.notifyComment)
	p.Register(models.JobNotifyMention, h.notify("mention"))
	p.Register(models.JobEmailDelivery, h.deliverEmail)
}

type handlers struct {
	db     *db.DB
	config *config.TomlConfig
	sender Sender
}

func (h *handlers) viewCounted(ctx context.Context, job *models.Job) error {
	var payload models.ViewCountedPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("bad view payload: %w", err)
	}
	return h.db.IncrementViewCount(ctx, payload.PostID)
}

func (h *handlers) cleanupViews(ctx context.Context, job *models.Job) error {
	_, err := h.db.CleanupAnonymousViews(ctx, h.config.ViewRetention())
	return err
}

func (h *handlers) reconcile(ctx context.Context, job *models.Job) error {
	corrected, err := h.db.Reconcile(ctx)
	if corrected > 0 {
		log.WithFields(log.Fields{
			"corrected": corrected,
		}).Info("Reconciliation corrected drifted counters")
	}
	return err
}

func (h *handlers) notify(kind string) Handler {
	return func(ctx context.Context, job *models.Job) error {
		var payload models.NotifyPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("bad notify payload: %w", err)
		}
		return h.db.InsertNotification(ctx, payload.RecipientID, kind,
			payload.ActorID, payload.PostID, payload.CommentID)
	}
}

// notifyComment writes the notification row and, when the recipient has an
// email address, hands a rendered message to the email lane.
func (h *handlers) notifyComment(ctx context.Context, job *models.Job) error {
	var payload models.NotifyPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("bad notify payload: %w", err)
	}

	if err := h.db.InsertNotification(ctx, payload.RecipientID, "comment",
		payload.ActorID, payload.PostID, payload.CommentID); err != nil {
		return err
	}

	recipient, err := h.db.GetUser(ctx, payload.RecipientID)
	if err != nil {
		return err
	}
	if recipient.Email == "" {
		return nil
	}

	commenter, err := h.db.GetUser(ctx, payload.ActorID)
	if err != nil {
		return err
	}
	post, err := h.db.GetPost(ctx, payload.PostID)
	if err != nil {
		return err
	}

	email := models.EmailPayload{
		To:      recipient.Email,
		Subject: fmt.Sprintf("New comment on %q", post.Title),
		Text:    fmt.Sprintf("%s commented on your post %q.", commenter.Handle, post.Title),
		HTML:    fmt.Sprintf("<p><b>%s</b> commented on your post <i>%s</i>.</p>", commenter.Handle, post.Title),
	}

	return h.db.Enqueue(ctx, models.LaneEmail, models.JobEmailDelivery, email,
		h.config.Pipeline.Email.MaxAttempts, time.Now())
}

func (h *handlers) deliverEmail(ctx context.Context, job *models.Job) error {
	var payload models.EmailPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("bad email payload: %w", err)
	}
	return h.sender.Send(payload)
}
