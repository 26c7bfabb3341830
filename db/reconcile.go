package db

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

var driftCorrections = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "pulse_reconcile_drift_corrections_total",
	Help: "The number of cached counters rewritten because they drifted from the event tables",
}, []string{"entity"})

// Reconcile recomputes every cached counter from the raw event tables and
// overwrites the ones that drifted. Entities are walked serially so two
// runs never touch the same counters concurrently; the whole pass is
// idempotent and a second consecutive run finds nothing to fix.
func (db *DB) Reconcile(ctx context.Context) (int, error) {
	corrected, err := db.reconcilePosts(ctx)
	if err != nil {
		return corrected, err
	}

	userCorrected, err := db.reconcileUsers(ctx)
	corrected += userCorrected
	return corrected, err
}

func (db *DB) reconcilePosts(ctx context.Context) (int, error) {
	rows, err := db.reader.QueryContext(ctx, `SELECT id FROM posts ORDER BY id`)
	if err != nil {
		return 0, fmt.Errorf("list posts error: %w", err)
	}

	var postIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan post id error: %w", err)
		}
		postIDs = append(postIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	corrected := 0
	for _, postID := range postIDs {
		select {
		case <-ctx.Done():
			return corrected, ctx.Err()
		default:
		}

		live, err := db.GetPostCounts(ctx, postID)
		if err != nil {
			return corrected, err
		}

		res, err := db.writer.ExecContext(ctx, `
			UPDATE posts SET clap_count = ?, comment_count = ?, view_count = ?
			WHERE id = ? AND (clap_count <> ? OR comment_count <> ? OR view_count <> ?)`,
			live.ClapCount, live.CommentCount, live.ViewCount,
			postID, live.ClapCount, live.CommentCount, live.ViewCount,
		)
		if err != nil {
			return corrected, fmt.Errorf("reconcile post %d error: %w", postID, err)
		}
		if affected, _ := res.RowsAffected(); affected > 0 {
			corrected++
			driftCorrections.WithLabelValues("post").Inc()
			log.WithFields(log.Fields{
				"post":     postID,
				"claps":    live.ClapCount,
				"comments": live.CommentCount,
				"views":    live.ViewCount,
			}).Info("Corrected drifted post counters")
		}
	}

	return corrected, nil
}

func (db *DB) reconcileUsers(ctx context.Context) (int, error) {
	rows, err := db.reader.QueryContext(ctx, `SELECT id FROM users ORDER BY id`)
	if err != nil {
		return 0, fmt.Errorf("list users error: %w", err)
	}

	var userIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan user id error: %w", err)
		}
		userIDs = append(userIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	corrected := 0
	for _, userID := range userIDs {
		select {
		case <-ctx.Done():
			return corrected, ctx.Err()
		default:
		}

		var followers, following int64
		err := db.reader.QueryRowContext(ctx, `
			SELECT
				(SELECT COUNT(*) FROM follows WHERE following_id = ?),
				(SELECT COUNT(*) FROM follows WHERE follower_id = ?)`,
			userID, userID,
		).Scan(&followers, &following)
		if err != nil {
			return corrected, fmt.Errorf("user follow counts error: %w", err)
		}

		res, err := db.writer.ExecContext(ctx, `
			UPDATE users SET followers_count = ?, following_count = ?
			WHERE id = ? AND (followers_count <> ? OR following_count <> ?)`,
			followers, following, userID, followers, following,
		)
		if err != nil {
			return corrected, fmt.Errorf("reconcile user %d error: %w", userID, err)
		}
		if affected, _ := res.RowsAffected(); affected > 0 {
			corrected++
			driftCorrections.WithLabelValues("user").Inc()
			log.WithFields(log.Fields{
				"user":      userID,
				"followers": followers,
				"following": following,
			}).Info("Corrected drifted follow counters")
		}
	}

	return corrected, nil
}
