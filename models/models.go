package models

import "time"

// Actor identifies who produced an engagement event. Exactly one of UserID
// or SessionID is set: authenticated callers are always attributed to their
// user id even when a session token is also present.
type Actor struct {
	UserID    int64  `json:"userId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

func UserActor(id int64) Actor {
	return Actor{UserID: id}
}

func AnonymousActor(sessionID string) Actor {
	return Actor{SessionID: sessionID}
}

func (a Actor) IsUser() bool {
	return a.UserID != 0
}

// Identified reports whether the actor can be attributed at all.
func (a Actor) Identified() bool {
	return a.UserID != 0 || a.SessionID != ""
}

// User model with the permission flags and denormalized follow counters
type User struct {
	ID                      int64     `json:"id"`
	Handle                  string    `json:"handle"`
	Email                   string    `json:"email,omitempty"`
	CanDeleteOwnComments    bool      `json:"canDeleteOwnComments"`
	CanDeleteOthersComments bool      `json:"canDeleteOthersComments"`
	FollowersCount          int64     `json:"followersCount"`
	FollowingCount          int64     `json:"followingCount"`
	CreatedAt               time.Time `json:"createdAt"`
}

// Post carries the cached counters maintained by counter maintenance
type Post struct {
	ID           int64     `json:"id"`
	AuthorID     int64     `json:"authorId"`
	Title        string    `json:"title"`
	ClapCount    int64     `json:"clapCount"`
	CommentCount int64     `json:"commentCount"`
	ViewCount    int64     `json:"viewCount"`
	CreatedAt    time.Time `json:"createdAt"`
}

type ClapEvent struct {
	ID        int64     `json:"id"`
	PostID    int64     `json:"postId"`
	Actor     Actor     `json:"actor"`
	Count     int64     `json:"count"`
	CreatedAt time.Time `json:"createdAt"`
}

type ViewEvent struct {
	ID        int64     `json:"id"`
	PostID    int64     `json:"postId"`
	Actor     Actor     `json:"actor"`
	CreatedAt time.Time `json:"createdAt"`
}

type ReadingTimeSample struct {
	ID        int64     `json:"id"`
	PostID    int64     `json:"postId"`
	Actor     Actor     `json:"actor"`
	Seconds   int64     `json:"seconds"`
	CreatedAt time.Time `json:"createdAt"`
}

// Comment rows form a tree via ParentID. Soft deleted rows keep their id as
// a valid parent for surviving replies.
type Comment struct {
	ID        int64      `json:"id"`
	PostID    int64      `json:"postId"`
	UserID    int64      `json:"userId"`
	ParentID  *int64     `json:"parentId,omitempty"`
	Content   string     `json:"content"`
	CreatedAt time.Time  `json:"createdAt"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
}

func (c Comment) Deleted() bool {
	return c.DeletedAt != nil
}

type FollowEdge struct {
	FollowerID  int64     `json:"followerId"`
	FollowingID int64     `json:"followingId"`
	CreatedAt   time.Time `json:"createdAt"`
}

// PostCounts is the live aggregate over the event tables, not the cached copy.
type PostCounts struct {
	PostID       int64 `json:"postId"`
	ClapCount    int64 `json:"clapCount"`
	CommentCount int64 `json:"commentCount"`
	ViewCount    int64 `json:"viewCount"`
}

type Notification struct {
	ID        int64      `json:"id"`
	UserID    int64      `json:"userId"`
	Kind      string     `json:"kind"`
	ActorID   int64      `json:"actorId"`
	PostID    int64      `json:"postId,omitempty"`
	CommentID int64      `json:"commentId,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	ReadAt    *time.Time `json:"readAt,omitempty"`
}

// Job lanes
const (
	LaneAnalytics    = "analytics"
	LaneNotification = "notification"
	LaneEmail        = "email"
)

// Job kinds
const (
	JobViewCounted   = "view.counted"
	JobCleanupViews  = "views.cleanup"
	JobReconcile     = "counters.reconcile"
	JobNotifyFollow  = "notify.follow"
	JobNotifyClap    = "notify.clap"
	JobNotifyComment = "notify.comment"
	JobNotifyMention = "notify.mention"
	JobEmailDelivery = "email.deliver"
)

// Job statuses
const (
	JobPending = "pending"
	JobRunning = "running"
	JobDone    = "done"
	JobFailed  = "failed"
)

// Job is one unit of deferred work in a lane. Delivery is at least once so
// every handler has to tolerate duplicate execution.
type Job struct {
	ID          int64     `json:"id"`
	Lane        string    `json:"lane"`
	Kind        string    `json:"kind"`
	Payload     []byte    `json:"payload"`
	Status      string    `json:"status"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"maxAttempts"`
	RunAt       time.Time `json:"runAt"`
	CreatedAt   time.Time `json:"createdAt"`
	LastError   string    `json:"lastError,omitempty"`
}

// ViewCountedPayload increments the cached view counter for a post.
type ViewCountedPayload struct {
	PostID int64 `json:"postId"`
}

// NotifyPayload fans a single engagement signal out to a recipient.
type NotifyPayload struct {
	RecipientID int64 `json:"recipientId"`
	ActorID     int64 `json:"actorId"`
	PostID      int64 `json:"postId,omitempty"`
	CommentID   int64 `json:"commentId,omitempty"`
}

// EmailPayload is the fully rendered message handed to the delivery provider.
type EmailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	Text    string `json:"text"`
}

type CountsAggregatedByTime struct {
	Time  time.Time `json:"time"`
	Count int64     `json:"count"`
}

// EngagementEvent fired on the stream channel when an event is ingested
type EngagementEvent struct {
	Kind   string `json:"kind"`
	PostID int64  `json:"postId,omitempty"`
	UserID int64  `json:"userId,omitempty"`
	Count  int64  `json:"count,omitempty"`
}
