package db

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// Follow inserts the edge and updates both follow counters in one
// transaction. Repeated follows are no-ops: the counters only move when the
// edge row is actually created. Returns whether a new edge was written.
func (db *DB) Follow(ctx context.Context, followerID, followingID int64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	tx, err := db.writer.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin follow tx error: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO follows (follower_id, following_id, created_at) VALUES (?, ?, ?)`,
		followerID, followingID, time.Now().Unix(),
	)
	if err != nil {
		tx.Rollback()
		return false, fmt.Errorf("insert follow error: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return false, err
	}
	if affected == 0 {
		// Edge already exists, nothing to count
		tx.Rollback()
		return false, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET following_count = following_count + 1 WHERE id = ?`, followerID,
	); err != nil {
		tx.Rollback()
		return false, fmt.Errorf("increment following_count error: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET followers_count = followers_count + 1 WHERE id = ?`, followingID,
	); err != nil {
		tx.Rollback()
		return false, fmt.Errorf("increment followers_count error: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit follow tx error: %w", err)
	}

	log.WithFields(log.Fields{
		"follower":  followerID,
		"following": followingID,
	}).Info("Created follow edge")

	return true, nil
}

// Unfollow removes the edge and decrements both counters, floored at zero so
// racing deletes can never drive them negative.
func (db *DB) Unfollow(ctx context.Context, followerID, followingID int64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	tx, err := db.writer.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin unfollow tx error: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM follows WHERE follower_id = ? AND following_id = ?`,
		followerID, followingID,
	)
	if err != nil {
		tx.Rollback()
		return false, fmt.Errorf("delete follow error: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return false, err
	}
	if affected == 0 {
		tx.Rollback()
		return false, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET following_count = MAX(following_count - 1, 0) WHERE id = ?`, followerID,
	); err != nil {
		tx.Rollback()
		return false, fmt.Errorf("decrement following_count error: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET followers_count = MAX(followers_count - 1, 0) WHERE id = ?`, followingID,
	); err != nil {
		tx.Rollback()
		return false, fmt.Errorf("decrement followers_count error: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit unfollow tx error: %w", err)
	}

	return true, nil
}

// IsFollowing reports whether the edge exists.
func (db *DB) IsFollowing(ctx context.Context, followerID, followingID int64) (bool, error) {
	var count int
	err := db.reader.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM follows WHERE follower_id = ? AND following_id = ?`,
		followerID, followingID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("follow lookup error: %w", err)
	}
	return count > 0, nil
}
