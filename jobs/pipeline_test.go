package jobs_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse/config"
	"pulse/db"
	"pulse/jobs"
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

func fastConfig() *config.TomlConfig {
	cfg := config.Default()
	cfg.Pipeline.PollIntervalMillis = 10
	return cfg
}

func TestPipelineExecutesJobs(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()
	cfg := fastConfig()

	var executed atomic.Int64

	pipeline := jobs.NewPipeline(database, cfg)
	pipeline.Register("test.ok", func(ctx context.Context, job *models.Job) error {
		executed.Add(1)
		return nil
	})

	require.NoError(t, database.Enqueue(ctx, models.LaneAnalytics, "test.ok", struct{}{}, 5, time.Now()))
	require.NoError(t, database.Enqueue(ctx, models.LaneAnalytics, "test.ok", struct{}{}, 5, time.Now()))

	pipeline.Start(ctx)
	defer pipeline.Shutdown()

	assert.Eventually(t, func() bool {
		return executed.Load() == 2
	}, 3*time.Second, 10*time.Millisecond)
}

func TestPipelineRecoversInterruptedJobs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pulse.db")
	require.NoError(t, db.Migrate(path))

	database, err := db.New(path)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, database.Enqueue(ctx, models.LaneAnalytics, "test.ok", struct{}{}, 5, time.Now()))

	// Claim the job and die before executing it
	job, err := database.ClaimJob(ctx, models.LaneAnalytics)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, database.Close())

	database, err = db.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	var executed atomic.Int64
	pipeline := jobs.NewPipeline(database, fastConfig())
	pipeline.Register("test.ok", func(ctx context.Context, job *models.Job) error {
		executed.Add(1)
		return nil
	})

	pipeline.Start(ctx)
	defer pipeline.Shutdown()

	// The fresh pipeline requeues the orphaned claim and delivers it
	assert.Eventually(t, func() bool {
		return executed.Load() == 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestShutdownRequeuesInFlightJob(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()

	started := make(chan struct{})
	pipeline := jobs.NewPipeline(database, fastConfig())
	pipeline.Register("test.slow", func(ctx context.Context, job *models.Job) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	require.NoError(t, database.Enqueue(ctx, models.LaneNotification, "test.slow", struct{}{}, 5, time.Now()))
	pipeline.Start(ctx)

	<-started
	pipeline.Shutdown()

	// The interrupted attempt is recorded and the job sits pending for the
	// next process, never stuck in running
	job, err := database.GetJob(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, job.Status)
	assert.Equal(t, 1, job.Attempts)
}

func TestPipelineFailsExhaustedJobs(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()
	cfg := fastConfig()

	pipeline := jobs.NewPipeline(database, cfg)
	pipeline.Register("test.fail", func(ctx context.Context, job *models.Job) error {
		return errors.New("always broken")
	})

	require.NoError(t, database.Enqueue(ctx, models.LaneNotification, "test.fail", struct{}{}, 1, time.Now()))

	pipeline.Start(ctx)
	defer pipeline.Shutdown()

	assert.Eventually(t, func() bool {
		job, err := database.GetJob(ctx, 1)
		return err == nil && job.Status == models.JobFailed
	}, 3*time.Second, 10*time.Millisecond)

	job, err := database.GetJob(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, "always broken", job.LastError)
}

func TestPipelineRetriesBeforeFailing(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()
	cfg := fastConfig()

	pipeline := jobs.NewPipeline(database, cfg)
	pipeline.Register("test.flaky", func(ctx context.Context, job *models.Job) error {
		return errors.New("transient")
	})

	// Notification lane retries are delayed 30s, so after the first failure
	// the job sits pending with one recorded attempt
	require.NoError(t, database.Enqueue(ctx, models.LaneNotification, "test.flaky", struct{}{}, 5, time.Now()))

	pipeline.Start(ctx)
	defer pipeline.Shutdown()

	assert.Eventually(t, func() bool {
		job, err := database.GetJob(ctx, 1)
		return err == nil && job.Status == models.JobPending && job.Attempts == 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestPipelineLanesAreIndependent(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()
	cfg := fastConfig()

	var analytics atomic.Int64

	pipeline := jobs.NewPipeline(database, cfg)
	pipeline.Register("test.block", func(ctx context.Context, job *models.Job) error {
		return errors.New("dead lane")
	})
	pipeline.Register("test.count", func(ctx context.Context, job *models.Job) error {
		analytics.Add(1)
		return nil
	})

	// A permanently failing email job must not block analytics work
	require.NoError(t, database.Enqueue(ctx, models.LaneEmail, "test.block", struct{}{}, 1, time.Now()))
	require.NoError(t, database.Enqueue(ctx, models.LaneAnalytics, "test.count", struct{}{}, 5, time.Now()))

	pipeline.Start(ctx)
	defer pipeline.Shutdown()

	assert.Eventually(t, func() bool {
		return analytics.Load() == 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestHandlersProcessViewCounted(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()
	cfg := fastConfig()

	userID, err := database.CreateUser(ctx, "writer", "")
	require.NoError(t, err)
	postID, err := database.CreatePost(ctx, userID, "Pipelines")
	require.NoError(t, err)

	pipeline := jobs.NewPipeline(database, cfg)
	jobs.RegisterHandlers(pipeline, database, cfg, &stubSender{})

	require.NoError(t, database.Enqueue(ctx, models.LaneAnalytics, models.JobViewCounted,
		models.ViewCountedPayload{PostID: postID}, 5, time.Now()))

	pipeline.Start(ctx)
	defer pipeline.Shutdown()

	assert.Eventually(t, func() bool {
		post, err := database.GetPost(ctx, postID)
		return err == nil && post.ViewCount == 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestNotifyCommentFansOutEmail(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()
	cfg := fastConfig()

	sender := &stubSender{}

	author, err := database.CreateUser(ctx, "author", "author@example.com")
	require.NoError(t, err)
	commenter, err := database.CreateUser(ctx, "commenter", "")
	require.NoError(t, err)
	postID, err := database.CreatePost(ctx, author, "Fan-out")
	require.NoError(t, err)
	comment, err := database.InsertComment(ctx, postID, commenter, nil, "nice one")
	require.NoError(t, err)

	pipeline := jobs.NewPipeline(database, cfg)
	jobs.RegisterHandlers(pipeline, database, cfg, sender)

	require.NoError(t, database.Enqueue(ctx, models.LaneNotification, models.JobNotifyComment,
		models.NotifyPayload{RecipientID: author, ActorID: commenter, PostID: postID, CommentID: comment.ID},
		5, time.Now()))

	pipeline.Start(ctx)
	defer pipeline.Shutdown()

	assert.Eventually(t, func() bool {
		return sender.sent.Load() == 1
	}, 3*time.Second, 10*time.Millisecond)

	notifications, err := database.CountNotifications(ctx, author)
	require.NoError(t, err)
	assert.Equal(t, int64(1), notifications)

	assert.Contains(t, sender.lastTo(), "author@example.com")
}

type stubSender struct {
	sent atomic.Int64
	to   atomic.Value
}

func (s *stubSender) Send(payload models.EmailPayload) error {
	s.to.Store(payload.To)
	s.sent.Add(1)
	return nil
}

func (s *stubSender) lastTo() string {
	if v, ok := s.to.Load().(string); ok {
		return v
	}
	return ""
}
