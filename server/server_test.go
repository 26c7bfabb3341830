package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse/config"
	"pulse/db"
	"pulse/identity"
	"pulse/ingest"
	"pulse/models"
	"pulse/server"
)

type fixture struct {
	app      *fiber.App
	db       *db.DB
	resolver *identity.Resolver
	author   int64
	reader   int64
	post     int64
}

func setup(t *testing.T) *fixture {
	t.Helper()

	path := filepath.Join(t.TempDir(), "pulse.db")
	require.NoError(t, db.Migrate(path))

	database, err := db.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	ctx := context.Background()
	author, err := database.CreateUser(ctx, "author", "author@example.com")
	require.NoError(t, err)
	reader, err := database.CreateUser(ctx, "reader", "")
	require.NoError(t, err)
	post, err := database.CreatePost(ctx, author, "Served fresh")
	require.NoError(t, err)

	resolver := identity.NewResolver("test-secret")
	service := ingest.NewService(database, config.Default(), nil)

	app := server.Server(&server.ServerConfig{
		Hostname:    "localhost",
		Ingest:      service,
		Resolver:    resolver,
		Broadcaster: server.NewBroadcaster(),
	})

	return &fixture{
		app:      app,
		db:       database,
		resolver: resolver,
		author:   author,
		reader:   reader,
		post:     post,
	}
}

func (f *fixture) request(t *testing.T, method, path string, body any, userID int64) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req, err := http.NewRequest(method, path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if userID != 0 {
		token, err := f.resolver.Sign(userID)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := f.app.Test(req, 5000)
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestClapEndpoint(t *testing.T) {
	f := setup(t)

	resp := f.request(t, "POST", fmt.Sprintf("/api/posts/%d/clap", f.post),
		map[string]any{"count": 5}, f.reader)
	require.Equal(t, 200, resp.StatusCode)

	var body struct {
		TotalClaps int64 `json:"totalClaps"`
	}
	decode(t, resp, &body)
	assert.Equal(t, int64(5), body.TotalClaps)

	// Oversized counts are clamped, not rejected
	resp = f.request(t, "POST", fmt.Sprintf("/api/posts/%d/clap", f.post),
		map[string]any{"count": 100, "sessionId": "sess-1"}, 0)
	require.Equal(t, 200, resp.StatusCode)
	decode(t, resp, &body)
	assert.Equal(t, int64(15), body.TotalClaps)
}

func TestClapValidation(t *testing.T) {
	f := setup(t)

	resp := f.request(t, "POST", fmt.Sprintf("/api/posts/%d/clap", f.post),
		map[string]any{"count": 0, "sessionId": "sess-1"}, 0)
	assert.Equal(t, 400, resp.StatusCode)

	// No token and no session id
	resp = f.request(t, "POST", fmt.Sprintf("/api/posts/%d/clap", f.post),
		map[string]any{"count": 3}, 0)
	assert.Equal(t, 400, resp.StatusCode)

	resp = f.request(t, "POST", "/api/posts/999/clap",
		map[string]any{"count": 3, "sessionId": "sess-1"}, 0)
	assert.Equal(t, 404, resp.StatusCode)
}

func TestViewEndpointIdempotent(t *testing.T) {
	f := setup(t)

	for i := 0; i < 2; i++ {
		resp := f.request(t, "POST", fmt.Sprintf("/api/posts/%d/view", f.post),
			map[string]any{"sessionId": "sess-1"}, 0)
		require.Equal(t, 200, resp.StatusCode)
	}

	resp := f.request(t, "GET", fmt.Sprintf("/api/posts/%d/counts", f.post), nil, 0)
	require.Equal(t, 200, resp.StatusCode)

	var counts models.PostCounts
	decode(t, resp, &counts)
	assert.Equal(t, int64(1), counts.ViewCount)
}

func TestViewsPerTimeEndpoint(t *testing.T) {
	f := setup(t)

	resp := f.request(t, "POST", fmt.Sprintf("/api/posts/%d/view", f.post),
		map[string]any{"sessionId": "sess-1"}, 0)
	require.Equal(t, 200, resp.StatusCode)

	resp = f.request(t, "GET", fmt.Sprintf("/api/posts/%d/views-per-time?time=hour", f.post), nil, 0)
	require.Equal(t, 200, resp.StatusCode)

	var buckets []models.CountsAggregatedByTime
	decode(t, resp, &buckets)
	require.Len(t, buckets, 1)
	assert.Equal(t, int64(1), buckets[0].Count)

	resp = f.request(t, "GET", fmt.Sprintf("/api/posts/%d/views-per-time?time=month", f.post), nil, 0)
	assert.Equal(t, 400, resp.StatusCode)
}

func TestReadingTimeEndpoint(t *testing.T) {
	f := setup(t)

	resp := f.request(t, "POST", fmt.Sprintf("/api/posts/%d/reading-time", f.post),
		map[string]any{"durationSeconds": 500, "sessionId": "sess-1"}, 0)
	assert.Equal(t, 200, resp.StatusCode)

	resp = f.request(t, "POST", fmt.Sprintf("/api/posts/%d/reading-time", f.post),
		map[string]any{"durationSeconds": -3, "sessionId": "sess-1"}, 0)
	assert.Equal(t, 400, resp.StatusCode)
}

func TestCommentEndpoints(t *testing.T) {
	f := setup(t)

	// Anonymous commenting is forbidden
	resp := f.request(t, "POST", fmt.Sprintf("/api/posts/%d/comments", f.post),
		map[string]any{"content": "anon here"}, 0)
	assert.Equal(t, 403, resp.StatusCode)

	resp = f.request(t, "POST", fmt.Sprintf("/api/posts/%d/comments", f.post),
		map[string]any{"content": "first!"}, f.reader)
	require.Equal(t, 201, resp.StatusCode)

	var created struct {
		Comment models.Comment `json:"comment"`
	}
	decode(t, resp, &created)

	// The post author cannot delete it without the grant
	resp = f.request(t, "DELETE", fmt.Sprintf("/api/comments/%d", created.Comment.ID), nil, f.author)
	assert.Equal(t, 403, resp.StatusCode)

	// The comment author can
	resp = f.request(t, "DELETE", fmt.Sprintf("/api/comments/%d", created.Comment.ID), nil, f.reader)
	assert.Equal(t, 200, resp.StatusCode)

	resp = f.request(t, "GET", fmt.Sprintf("/api/posts/%d/counts", f.post), nil, 0)
	var counts models.PostCounts
	decode(t, resp, &counts)
	assert.Equal(t, int64(0), counts.CommentCount)
}

func TestFollowEndpoints(t *testing.T) {
	f := setup(t)

	resp := f.request(t, "POST", fmt.Sprintf("/api/users/%d/follow", f.author), nil, f.reader)
	require.Equal(t, 200, resp.StatusCode)

	// Idempotent
	resp = f.request(t, "POST", fmt.Sprintf("/api/users/%d/follow", f.author), nil, f.reader)
	require.Equal(t, 200, resp.StatusCode)

	author, err := f.db.GetUser(context.Background(), f.author)
	require.NoError(t, err)
	assert.Equal(t, int64(1), author.FollowersCount)

	// Self-follow is forbidden
	resp = f.request(t, "POST", fmt.Sprintf("/api/users/%d/follow", f.reader), nil, f.reader)
	assert.Equal(t, 403, resp.StatusCode)

	resp = f.request(t, "DELETE", fmt.Sprintf("/api/users/%d/follow", f.author), nil, f.reader)
	require.Equal(t, 200, resp.StatusCode)

	author, err = f.db.GetUser(context.Background(), f.author)
	require.NoError(t, err)
	assert.Equal(t, int64(0), author.FollowersCount)
}
