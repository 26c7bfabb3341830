package db

import (
	"context"
	"time"

	sqlbuilder "github.com/huandu/go-sqlbuilder"
	log "github.com/sirupsen/logrus"
)

// CleanupAnonymousViews deletes anonymous view events older than the
// retention window. Authenticated views are kept indefinitely.
func (db *DB) CleanupAnonymousViews(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).Unix()

	deleteViews := sqlbuilder.NewDeleteBuilder()
	deleteViews.DeleteFrom("views")
	deleteViews.Where(
		deleteViews.IsNull("user_id"),
		deleteViews.LessEqualThan("created_at", cutoff),
	)
	query, args := deleteViews.BuildWithFlavor(sqlbuilder.Flavor(sqlbuilder.SQLite))

	res, err := db.writer.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}

	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	log.WithFields(log.Fields{
		"deleted": deleted,
		"cutoff":  time.Unix(cutoff, 0).Format(time.RFC3339),
	}).Info("Purged old anonymous views")

	return deleted, nil
}
