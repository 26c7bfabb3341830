package db_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse/db"
	"pulse/models"
)

func testDB(t *testing.T) *db.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "pulse.db")
	require.NoError(t, db.Migrate(path))

	database, err := db.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	return database
}

func seedPost(t *testing.T, database *db.DB) (userID, postID int64) {
	t.Helper()
	ctx := context.Background()

	userID, err := database.CreateUser(ctx, "writer", "writer@example.com")
	require.NoError(t, err)
	postID, err = database.CreatePost(ctx, userID, "Counting things")
	require.NoError(t, err)
	return userID, postID
}

func TestReconcileConvergence(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()
	userID, postID := seedPost(t, database)

	actor := models.UserActor(userID)

	// Raw events without any cached counter maintenance
	require.NoError(t, database.InsertClap(ctx, postID, actor, 5))
	require.NoError(t, database.InsertClap(ctx, postID, models.AnonymousActor("sess-1"), 3))
	require.NoError(t, database.InsertView(ctx, postID, actor))
	require.NoError(t, database.InsertView(ctx, postID, models.AnonymousActor("sess-1")))
	comment, err := database.InsertComment(ctx, postID, userID, nil, "first")
	require.NoError(t, err)
	_, err = database.InsertComment(ctx, postID, userID, &comment.ID, "second")
	require.NoError(t, err)

	// Poison the cached counters in both directions
	require.NoError(t, database.IncrementViewCount(ctx, postID))
	require.NoError(t, database.IncrementViewCount(ctx, postID))
	require.NoError(t, database.IncrementViewCount(ctx, postID))

	corrected, err := database.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, corrected)

	post, err := database.GetPost(ctx, postID)
	require.NoError(t, err)
	assert.Equal(t, int64(8), post.ClapCount)
	assert.Equal(t, int64(2), post.CommentCount)
	assert.Equal(t, int64(2), post.ViewCount)

	// Running it again straight away is a no-op
	corrected, err = database.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, corrected)
}

func TestReconcileExcludesDeletedComments(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()
	userID, postID := seedPost(t, database)

	comment, err := database.InsertComment(ctx, postID, userID, nil, "to be removed")
	require.NoError(t, err)
	_, err = database.InsertComment(ctx, postID, userID, nil, "kept")
	require.NoError(t, err)
	require.NoError(t, database.SoftDeleteComment(ctx, comment.ID))

	_, err = database.Reconcile(ctx)
	require.NoError(t, err)

	post, err := database.GetPost(ctx, postID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), post.CommentCount)
}

func TestCleanupAnonymousViews(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()
	userID, postID := seedPost(t, database)

	require.NoError(t, database.InsertView(ctx, postID, models.UserActor(userID)))
	require.NoError(t, database.InsertView(ctx, postID, models.AnonymousActor("sess-1")))
	require.NoError(t, database.InsertView(ctx, postID, models.AnonymousActor("sess-2")))

	// Zero retention makes every anonymous view eligible
	deleted, err := database.CleanupAnonymousViews(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	// Authenticated views are retained indefinitely
	counts, err := database.GetPostCounts(ctx, postID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.ViewCount)
}

func TestViewDedupWindow(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()
	userID, postID := seedPost(t, database)
	actor := models.UserActor(userID)

	seen, err := database.HasRecentView(ctx, postID, actor, 5*time.Minute)
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, database.InsertView(ctx, postID, actor))

	seen, err = database.HasRecentView(ctx, postID, actor, 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, seen)

	// Another actor is outside the dedup scope
	seen, err = database.HasRecentView(ctx, postID, models.AnonymousActor("sess-1"), 5*time.Minute)
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestJobQueue(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()

	require.NoError(t, database.Enqueue(ctx, models.LaneAnalytics, models.JobViewCounted,
		models.ViewCountedPayload{PostID: 1}, 5, time.Now()))

	// Jobs in other lanes are invisible
	job, err := database.ClaimJob(ctx, models.LaneEmail)
	require.NoError(t, err)
	assert.Nil(t, job)

	job, err = database.ClaimJob(ctx, models.LaneAnalytics)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, models.JobViewCounted, job.Kind)
	assert.Equal(t, models.JobRunning, job.Status)

	// A claimed job cannot be claimed again
	second, err := database.ClaimJob(ctx, models.LaneAnalytics)
	require.NoError(t, err)
	assert.Nil(t, second)

	require.NoError(t, database.CompleteJob(ctx, job.ID))
	stored, err := database.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobDone, stored.Status)
}

func TestJobRetryScheduling(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()

	require.NoError(t, database.Enqueue(ctx, models.LaneEmail, models.JobEmailDelivery,
		models.EmailPayload{To: "x@example.com"}, 3, time.Now()))

	job, err := database.ClaimJob(ctx, models.LaneEmail)
	require.NoError(t, err)
	require.NotNil(t, job)

	// Requeued with a future run_at, so not immediately claimable
	require.NoError(t, database.RetryJob(ctx, job.ID, 1, time.Hour, "smtp timeout"))
	again, err := database.ClaimJob(ctx, models.LaneEmail)
	require.NoError(t, err)
	assert.Nil(t, again)

	stored, err := database.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.Equal(t, "smtp timeout", stored.LastError)

	require.NoError(t, database.FailJob(ctx, job.ID, 3, "gave up"))
	stored, err = database.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, stored.Status)
}

func TestFollowIdempotence(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()

	a, err := database.CreateUser(ctx, "a", "")
	require.NoError(t, err)
	b, err := database.CreateUser(ctx, "b", "")
	require.NoError(t, err)

	created, err := database.Follow(ctx, a, b)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = database.Follow(ctx, a, b)
	require.NoError(t, err)
	assert.False(t, created)

	following, err := database.IsFollowing(ctx, a, b)
	require.NoError(t, err)
	assert.True(t, following)

	removed, err := database.Unfollow(ctx, a, b)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = database.Unfollow(ctx, a, b)
	require.NoError(t, err)
	assert.False(t, removed)
}
