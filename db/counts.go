package db

import (
	"context"
	"fmt"
	"strconv"
	"time"

	sqlbuilder "github.com/huandu/go-sqlbuilder"

	"pulse/models"
)

// GetPostCounts computes the live aggregates for a post from the raw event
// tables. This is the authoritative read path; the cached columns on posts
// are only a denormalized copy.
func (db *DB) GetPostCounts(ctx context.Context, postID int64) (*models.PostCounts, error) {
	counts := models.PostCounts{PostID: postID}
	err := db.reader.QueryRowContext(ctx, `
		SELECT
			(SELECT COALESCE(SUM(count), 0) FROM claps WHERE post_id = ?),
			(SELECT COUNT(*) FROM comments WHERE post_id = ? AND deleted_at IS NULL),
			(SELECT COUNT(*) FROM views WHERE post_id = ?)`,
		postID, postID, postID,
	).Scan(&counts.ClapCount, &counts.CommentCount, &counts.ViewCount)
	if err != nil {
		return nil, fmt.Errorf("post counts query error: %w", err)
	}
	return &counts, nil
}

// RefreshPostCounters opportunistically rewrites the cached counters for one
// post from the live aggregates. Safe to call from any write path; the
// reconciliation job repairs whatever this misses.
func (db *DB) RefreshPostCounters(ctx context.Context, postID int64) error {
	_, err := db.writer.ExecContext(ctx, `
		UPDATE posts SET
			clap_count = (SELECT COALESCE(SUM(count), 0) FROM claps WHERE post_id = posts.id),
			comment_count = (SELECT COUNT(*) FROM comments WHERE post_id = posts.id AND deleted_at IS NULL),
			view_count = (SELECT COUNT(*) FROM views WHERE post_id = posts.id)
		WHERE id = ?`, postID)
	if err != nil {
		return fmt.Errorf("refresh counters error: %w", err)
	}
	return nil
}

// IncrementViewCount bumps the cached view counter. Used by the analytics
// lane; duplicate job delivery may over-count, which reconciliation corrects.
func (db *DB) IncrementViewCount(ctx context.Context, postID int64) error {
	_, err := db.writer.ExecContext(ctx,
		`UPDATE posts SET view_count = view_count + 1 WHERE id = ?`, postID)
	if err != nil {
		return fmt.Errorf("increment view count error: %w", err)
	}
	return nil
}

// GetViewsPerTime returns view counts for a post bucketed by hour, day or week.
func (db *DB) GetViewsPerTime(postID int64, timeAgg string) ([]models.CountsAggregatedByTime, error) {
	var sqlFormat string
	var timeParse func(string) (time.Time, error)

	switch timeAgg {
	case "day":
		sqlFormat = `STRFTIME('%Y-%m-%d', created_at, 'unixepoch')`
		timeParse = func(str string) (time.Time, error) {
			return time.Parse("2006-01-02", str)
		}
	case "week":
		sqlFormat = "STRFTIME('%Y-%W', created_at, 'unixepoch')"
		timeParse = func(str string) (time.Time, error) {
			year, err := time.Parse("2006", str[:4])
			if err != nil {
				return time.Time{}, err
			}
			week, err := strconv.ParseInt(str[5:], 10, 64)
			if err != nil {
				return time.Time{}, err
			}
			firstDay := year.AddDate(0, 0, -int(year.Weekday()))
			return firstDay.AddDate(0, 0, int(week)*7), nil
		}
	default:
		sqlFormat = `STRFTIME('%Y-%m-%d-%H', created_at, 'unixepoch')`
		timeParse = func(str string) (time.Time, error) {
			return time.Parse("2006-01-02-15", str)
		}
	}

	sb := sqlbuilder.NewSelectBuilder()
	sb.Select(sqlFormat, "count(*) as count").From("views")
	sb.Where(sb.Equal("post_id", postID))
	sb.GroupBy(sqlFormat)
	sb.OrderBy("created_at").Asc()

	query, args := sb.BuildWithFlavor(sqlbuilder.Flavor(sqlbuilder.SQLite))

	rows, err := db.reader.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var viewCounts []models.CountsAggregatedByTime
	for rows.Next() {
		var sqlTime string
		var viewCount models.CountsAggregatedByTime

		if err := rows.Scan(&sqlTime, &viewCount.Count); err != nil {
			continue // Skip this row
		}
		viewTime, err := timeParse(sqlTime)
		if err == nil {
			viewCount.Time = viewTime
		}
		viewCounts = append(viewCounts, viewCount)
	}

	return viewCounts, nil
}
