package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sqlbuilder "github.com/huandu/go-sqlbuilder"
	log "github.com/sirupsen/logrus"

	"pulse/models"
)

// InsertClap appends a clap event. Claps are additive so there is no
// dedup here, the caller clamps the count before we ever see it.
func (db *DB) InsertClap(ctx context.Context, postID int64, actor models.Actor, count int64) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	userID, sessionID := actorColumns(actor)

	log.WithFields(log.Fields{
		"post":    postID,
		"user":    userID.Int64,
		"session": sessionID.String,
		"count":   count,
	}).Debug("Inserting clap event")

	_, err := db.writer.ExecContext(ctx,
		`INSERT INTO claps (post_id, user_id, session_id, count, created_at) VALUES (?, ?, ?, ?, ?)`,
		postID, userID, sessionID, count, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert clap error: %w", err)
	}
	return nil
}

// SumClaps returns the live clap total for a post, computed over the raw
// event rows rather than the cached counter.
func (db *DB) SumClaps(ctx context.Context, postID int64) (int64, error) {
	var total int64
	err := db.reader.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(count), 0) FROM claps WHERE post_id = ?`, postID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum claps error: %w", err)
	}
	return total, nil
}

// HasRecentView reports whether the actor already has a view event for the
// post inside the trailing dedup window.
func (db *DB) HasRecentView(ctx context.Context, postID int64, actor models.Actor, window time.Duration) (bool, error) {
	cutoff := time.Now().Add(-window).Unix()

	sb := sqlbuilder.NewSelectBuilder()
	sb.Select("1").From("views")
	sb.Where(sb.Equal("post_id", postID))
	if actor.IsUser() {
		sb.Where(sb.Equal("user_id", actor.UserID))
	} else {
		sb.Where(sb.Equal("session_id", actor.SessionID))
	}
	sb.Where(sb.GreaterEqualThan("created_at", cutoff))
	sb.Limit(1)

	query, args := sb.BuildWithFlavor(sqlbuilder.Flavor(sqlbuilder.SQLite))

	var one int
	err := db.reader.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("view dedup query error: %w", err)
	}
	return true, nil
}

// InsertView appends a view event. The dedup check happens in the ingestion
// service before this is called; the check-then-insert pair is deliberately
// not atomic (see the reconciliation job for drift repair).
func (db *DB) InsertView(ctx context.Context, postID int64, actor models.Actor) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	userID, sessionID := actorColumns(actor)
	_, err := db.writer.ExecContext(ctx,
		`INSERT INTO views (post_id, user_id, session_id, created_at) VALUES (?, ?, ?, ?)`,
		postID, userID, sessionID, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert view error: %w", err)
	}
	return nil
}

// SumReadingTime returns the total recorded reading seconds for a post over
// the raw sample rows.
func (db *DB) SumReadingTime(ctx context.Context, postID int64) (int64, error) {
	var total int64
	err := db.reader.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(seconds), 0) FROM reading_time WHERE post_id = ?`, postID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum reading time error: %w", err)
	}
	return total, nil
}

// InsertReadingTime appends a bounded reading time sample.
func (db *DB) InsertReadingTime(ctx context.Context, postID int64, actor models.Actor, seconds int64) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	userID, sessionID := actorColumns(actor)
	_, err := db.writer.ExecContext(ctx,
		`INSERT INTO reading_time (post_id, user_id, session_id, seconds, created_at) VALUES (?, ?, ?, ?, ?)`,
		postID, userID, sessionID, seconds, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert reading time error: %w", err)
	}
	return nil
}
