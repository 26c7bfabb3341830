package db

import (
	"context"
	"fmt"
	"time"
)

// InsertNotification writes a fan-out notification row for a recipient.
func (db *DB) InsertNotification(ctx context.Context, userID int64, kind string, actorID, postID, commentID int64) error {
	_, err := db.writer.ExecContext(ctx,
		`INSERT INTO notifications (user_id, kind, actor_id, post_id, comment_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		userID, kind, actorID, nullableID(postID), nullableID(commentID), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert notification error: %w", err)
	}
	return nil
}

// CountNotifications returns the number of notifications for a user, used by
// tests and the dashboard.
func (db *DB) CountNotifications(ctx context.Context, userID int64) (int64, error) {
	var count int64
	err := db.reader.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE user_id = ?`, userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count notifications error: %w", err)
	}
	return count, nil
}

func nullableID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}
