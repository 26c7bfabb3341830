package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"pulse/comments"
	"pulse/config"
	"pulse/db"
	"pulse/models"
)

var (
	ErrValidation   = errors.New("validation failed")
	ErrPermission   = errors.New("permission denied")
	ErrSelfFollow   = errors.New("cannot follow yourself")
	ErrUnidentified = errors.New("no user or session identity")
)

var (
	eventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_events_ingested_total",
		Help: "The number of engagement events written, by type",
	}, []string{"type"})

	viewsSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulse_views_suppressed_total",
		Help: "The number of view submissions suppressed by the dedup window",
	})
)

// Service is the ingestion API: it validates and normalizes incoming
// engagement events, applies the per-event-type dedup policy, appends to the
// event tables and hands expensive side effects to the job pipeline.
type Service struct {
	db        *db.DB
	config    *config.TomlConfig
	eventChan chan models.EngagementEvent
}

// NewService wires the ingestion service. eventChan may be nil when no live
// stream consumer is running.
func NewService(database *db.DB, cfg *config.TomlConfig, eventChan chan models.EngagementEvent) *Service {
	return &Service{
		db:        database,
		config:    cfg,
		eventChan: eventChan,
	}
}

func (s *Service) publish(event models.EngagementEvent) {
	if s.eventChan == nil {
		return
	}
	select {
	case s.eventChan <- event: // Non-blocking send
	default:
		log.Warn("Event channel full, dropping stream event")
	}
}

// Clap records an additive clap event. The count is clamped to the per-call
// bound regardless of what the client sent; the accumulated per-session cap
// is the client accumulator's job, the server only ever trusts the bounded
// per-call delta. Returns the live clap total including the new event.
func (s *Service) Clap(ctx context.Context, postID int64, actor models.Actor, count int64) (int64, error) {
	if !actor.Identified() {
		return 0, fmt.Errorf("%w: clap requires a user or session", ErrUnidentified)
	}
	if count < 1 {
		return 0, fmt.Errorf("%w: clap count must be a positive integer", ErrValidation)
	}

	max := int64(s.config.Engagement.MaxClapsPerCall)
	if count > max {
		count = max
	}

	post, err := s.db.GetPost(ctx, postID)
	if err != nil {
		return 0, err
	}

	if err := s.db.InsertClap(ctx, postID, actor, count); err != nil {
		return 0, err
	}
	eventsIngested.WithLabelValues("clap").Inc()

	// Opportunistic refresh of the cached counter; reconciliation repairs
	// anything this misses.
	if err := s.db.RefreshPostCounters(ctx, postID); err != nil {
		log.WithFields(log.Fields{
			"post":  postID,
			"error": err,
		}).Warn("Failed to refresh counters after clap")
	}

	if actor.IsUser() && actor.UserID != post.AuthorID {
		s.enqueueNotify(ctx, models.JobNotifyClap, models.NotifyPayload{
			RecipientID: post.AuthorID,
			ActorID:     actor.UserID,
			PostID:      postID,
		})
	}

	s.publish(models.EngagementEvent{Kind: "clap", PostID: postID, Count: count})

	// The response must reflect the just-written event, so read the live
	// aggregate rather than the cached counter.
	return s.db.SumClaps(ctx, postID)
}

// View records a view unless the same actor already viewed the post within
// the trailing dedup window. A suppressed duplicate is success, not an
// error. The check-then-insert pair is not atomic under concurrent
// duplicates; the occasional double count is bounded by the window and
// corrected by reconciliation.
func (s *Service) View(ctx context.Context, postID int64, actor models.Actor) (counted bool, err error) {
	if !actor.Identified() {
		return false, fmt.Errorf("%w: view requires a user or session", ErrUnidentified)
	}

	if _, err := s.db.GetPost(ctx, postID); err != nil {
		return false, err
	}

	seen, err := s.db.HasRecentView(ctx, postID, actor, s.config.ViewDedupWindow())
	if err != nil {
		return false, err
	}
	if seen {
		viewsSuppressed.Inc()
		return false, nil
	}

	if err := s.db.InsertView(ctx, postID, actor); err != nil {
		return false, err
	}
	eventsIngested.WithLabelValues("view").Inc()

	if err := s.db.Enqueue(ctx, models.LaneAnalytics, models.JobViewCounted,
		models.ViewCountedPayload{PostID: postID},
		s.config.Pipeline.Analytics.MaxAttempts, time.Now()); err != nil {
		log.WithFields(log.Fields{
			"post":  postID,
			"error": err,
		}).Warn("Failed to enqueue view counter job")
	}

	s.publish(models.EngagementEvent{Kind: "view", PostID: postID})

	return true, nil
}

// ReadingTime records one bounded reading time sample. The clamp is the
// authoritative defense against inflated client totals; zero-value flushes
// from a hidden page are accepted, not errors.
func (s *Service) ReadingTime(ctx context.Context, postID int64, actor models.Actor, seconds int64) error {
	if !actor.Identified() {
		return fmt.Errorf("%w: reading time requires a user or session", ErrUnidentified)
	}
	if seconds < 0 {
		return fmt.Errorf("%w: duration cannot be negative", ErrValidation)
	}

	max := int64(s.config.Engagement.MaxReadingSeconds)
	if seconds > max {
		seconds = max
	}

	if _, err := s.db.GetPost(ctx, postID); err != nil {
		return err
	}

	if err := s.db.InsertReadingTime(ctx, postID, actor, seconds); err != nil {
		return err
	}
	eventsIngested.WithLabelValues("reading_time").Inc()
	return nil
}

// Comment creates a comment. Anonymous actors cannot comment. A reply's
// parent must exist on the same post; replying to a soft deleted comment is
// allowed.
func (s *Service) Comment(ctx context.Context, postID int64, actor models.Actor, parentID *int64, content string) (*models.Comment, error) {
	if !actor.IsUser() {
		return nil, fmt.Errorf("%w: comments require an authenticated user", ErrPermission)
	}
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: comment content cannot be empty", ErrValidation)
	}

	post, err := s.db.GetPost(ctx, postID)
	if err != nil {
		return nil, err
	}

	if parentID != nil {
		parent, err := s.db.GetComment(ctx, *parentID)
		if err != nil {
			return nil, fmt.Errorf("%w: parent comment not found", ErrValidation)
		}
		if parent.PostID != postID {
			return nil, fmt.Errorf("%w: parent comment belongs to another post", ErrValidation)
		}
	}

	comment, err := s.db.InsertComment(ctx, postID, actor.UserID, parentID, content)
	if err != nil {
		return nil, err
	}
	eventsIngested.WithLabelValues("comment").Inc()

	if err := s.db.RefreshPostCounters(ctx, postID); err != nil {
		log.WithFields(log.Fields{
			"post":  postID,
			"error": err,
		}).Warn("Failed to refresh counters after comment")
	}

	if actor.UserID != post.AuthorID {
		s.enqueueNotify(ctx, models.JobNotifyComment, models.NotifyPayload{
			RecipientID: post.AuthorID,
			ActorID:     actor.UserID,
			PostID:      postID,
			CommentID:   comment.ID,
		})
	}

	for _, handle := range comments.ExtractMentions(content) {
		mentioned, err := s.db.GetUserByHandle(ctx, handle)
		if err != nil {
			continue // Unresolvable handles are just text
		}
		if mentioned.ID == actor.UserID {
			continue
		}
		s.enqueueNotify(ctx, models.JobNotifyMention, models.NotifyPayload{
			RecipientID: mentioned.ID,
			ActorID:     actor.UserID,
			PostID:      postID,
			CommentID:   comment.ID,
		})
	}

	s.publish(models.EngagementEvent{Kind: "comment", PostID: postID, UserID: actor.UserID})

	return comment, nil
}

// DeleteComment soft deletes a comment when the permission matrix allows the
// actor to. Replies are never cascaded.
func (s *Service) DeleteComment(ctx context.Context, commentID int64, actor models.Actor) error {
	if !actor.IsUser() {
		return fmt.Errorf("%w: comment deletion requires an authenticated user", ErrPermission)
	}

	comment, err := s.db.GetComment(ctx, commentID)
	if err != nil {
		return err
	}
	if comment.Deleted() {
		return db.ErrNotFound
	}

	post, err := s.db.GetPost(ctx, comment.PostID)
	if err != nil {
		return err
	}
	user, err := s.db.GetUser(ctx, actor.UserID)
	if err != nil {
		return err
	}

	if !comments.CanDelete(user, comment, post) {
		return fmt.Errorf("%w: not allowed to delete this comment", ErrPermission)
	}

	if err := s.db.SoftDeleteComment(ctx, commentID); err != nil {
		return err
	}

	if err := s.db.RefreshPostCounters(ctx, comment.PostID); err != nil {
		log.WithFields(log.Fields{
			"post":  comment.PostID,
			"error": err,
		}).Warn("Failed to refresh counters after comment deletion")
	}

	return nil
}

// Follow creates the follow edge with its symmetric counter updates.
// Following someone you already follow is a no-op.
func (s *Service) Follow(ctx context.Context, actor models.Actor, targetID int64) error {
	if !actor.IsUser() {
		return fmt.Errorf("%w: follows require an authenticated user", ErrPermission)
	}
	if actor.UserID == targetID {
		return ErrSelfFollow
	}

	if _, err := s.db.GetUser(ctx, targetID); err != nil {
		return err
	}

	created, err := s.db.Follow(ctx, actor.UserID, targetID)
	if err != nil {
		return err
	}
	if !created {
		return nil
	}
	eventsIngested.WithLabelValues("follow").Inc()

	s.enqueueNotify(ctx, models.JobNotifyFollow, models.NotifyPayload{
		RecipientID: targetID,
		ActorID:     actor.UserID,
	})

	s.publish(models.EngagementEvent{Kind: "follow", UserID: targetID})

	return nil
}

// Unfollow removes the edge. Unfollowing someone you do not follow is a
// no-op and never drives a counter negative.
func (s *Service) Unfollow(ctx context.Context, actor models.Actor, targetID int64) error {
	if !actor.IsUser() {
		return fmt.Errorf("%w: follows require an authenticated user", ErrPermission)
	}

	_, err := s.db.Unfollow(ctx, actor.UserID, targetID)
	return err
}

// Counts exposes the live aggregates to the content API.
func (s *Service) Counts(ctx context.Context, postID int64) (*models.PostCounts, error) {
	if _, err := s.db.GetPost(ctx, postID); err != nil {
		return nil, err
	}
	return s.db.GetPostCounts(ctx, postID)
}

// ViewsPerTime returns view counts for a post bucketed by hour, day or week,
// backing the engagement dashboard.
func (s *Service) ViewsPerTime(ctx context.Context, postID int64, bucket string) ([]models.CountsAggregatedByTime, error) {
	if _, err := s.db.GetPost(ctx, postID); err != nil {
		return nil, err
	}
	return s.db.GetViewsPerTime(postID, bucket)
}

// CommentTree returns the rendered comment tree for a post.
func (s *Service) CommentTree(ctx context.Context, postID int64) ([]*comments.Node, error) {
	if _, err := s.db.GetPost(ctx, postID); err != nil {
		return nil, err
	}
	rows, err := s.db.ListComments(ctx, postID)
	if err != nil {
		return nil, err
	}
	return comments.BuildTree(rows), nil
}

// enqueueNotify pushes a notification lane job. A lost notification is not
// worth failing the request over, so errors are only logged.
func (s *Service) enqueueNotify(ctx context.Context, kind string, payload models.NotifyPayload) {
	if err := s.db.Enqueue(ctx, models.LaneNotification, kind, payload,
		s.config.Pipeline.Notification.MaxAttempts, time.Now()); err != nil {
		log.WithFields(log.Fields{
			"kind":  kind,
			"error": err,
		}).Warn("Failed to enqueue notification job")
	}
}
