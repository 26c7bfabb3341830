package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"pulse/models"
)

var ErrNotFound = errors.New("not found")

func (db *DB) CreateUser(ctx context.Context, handle, email string) (int64, error) {
	res, err := db.writer.ExecContext(ctx,
		`INSERT INTO users (handle, email, created_at) VALUES (?, ?, ?)`,
		handle, email, time.Now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert user error: %w", err)
	}
	return res.LastInsertId()
}

func (db *DB) GetUser(ctx context.Context, id int64) (*models.User, error) {
	row := db.reader.QueryRowContext(ctx, `
		SELECT id, handle, COALESCE(email, ''), can_delete_own_comments, can_delete_others_comments,
		       followers_count, following_count, created_at
		FROM users WHERE id = ?`, id)
	return scanUser(row)
}

func (db *DB) GetUserByHandle(ctx context.Context, handle string) (*models.User, error) {
	row := db.reader.QueryRowContext(ctx, `
		SELECT id, handle, COALESCE(email, ''), can_delete_own_comments, can_delete_others_comments,
		       followers_count, following_count, created_at
		FROM users WHERE handle = ?`, handle)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*models.User, error) {
	var u models.User
	var createdAt int64
	err := row.Scan(&u.ID, &u.Handle, &u.Email, &u.CanDeleteOwnComments, &u.CanDeleteOthersComments,
		&u.FollowersCount, &u.FollowingCount, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user error: %w", err)
	}
	u.CreatedAt = time.Unix(createdAt, 0)
	return &u, nil
}

// SetModerationFlags updates a user's comment deletion permissions.
func (db *DB) SetModerationFlags(ctx context.Context, userID int64, deleteOwn, deleteOthers bool) error {
	res, err := db.writer.ExecContext(ctx,
		`UPDATE users SET can_delete_own_comments = ?, can_delete_others_comments = ? WHERE id = ?`,
		deleteOwn, deleteOthers, userID,
	)
	if err != nil {
		return fmt.Errorf("update moderation flags error: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) CreatePost(ctx context.Context, authorID int64, title string) (int64, error) {
	res, err := db.writer.ExecContext(ctx,
		`INSERT INTO posts (author_id, title, created_at) VALUES (?, ?, ?)`,
		authorID, title, time.Now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert post error: %w", err)
	}
	return res.LastInsertId()
}

func (db *DB) GetPost(ctx context.Context, id int64) (*models.Post, error) {
	var p models.Post
	var createdAt int64
	err := db.reader.QueryRowContext(ctx, `
		SELECT id, author_id, title, clap_count, comment_count, view_count, created_at
		FROM posts WHERE id = ?`, id,
	).Scan(&p.ID, &p.AuthorID, &p.Title, &p.ClapCount, &p.CommentCount, &p.ViewCount, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan post error: %w", err)
	}
	p.CreatedAt = time.Unix(createdAt, 0)
	return &p, nil
}

func (db *DB) InsertComment(ctx context.Context, postID, userID int64, parentID *int64, content string) (*models.Comment, error) {
	now := time.Now()
	res, err := db.writer.ExecContext(ctx,
		`INSERT INTO comments (post_id, user_id, parent_id, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		postID, userID, parentID, content, now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert comment error: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("comment id error: %w", err)
	}
	return &models.Comment{
		ID:        id,
		PostID:    postID,
		UserID:    userID,
		ParentID:  parentID,
		Content:   content,
		CreatedAt: time.Unix(now.Unix(), 0),
	}, nil
}

func (db *DB) GetComment(ctx context.Context, id int64) (*models.Comment, error) {
	var c models.Comment
	var createdAt int64
	var deletedAt sql.NullInt64
	err := db.reader.QueryRowContext(ctx, `
		SELECT id, post_id, user_id, parent_id, content, created_at, deleted_at
		FROM comments WHERE id = ?`, id,
	).Scan(&c.ID, &c.PostID, &c.UserID, &c.ParentID, &c.Content, &createdAt, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan comment error: %w", err)
	}
	c.CreatedAt = time.Unix(createdAt, 0)
	if deletedAt.Valid {
		t := time.Unix(deletedAt.Int64, 0)
		c.DeletedAt = &t
	}
	return &c, nil
}

// SoftDeleteComment marks a comment deleted without touching its replies.
func (db *DB) SoftDeleteComment(ctx context.Context, id int64) error {
	res, err := db.writer.ExecContext(ctx,
		`UPDATE comments SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("soft delete comment error: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListComments returns every comment row for a post, deleted ones included.
// The comment tree service decides what is rendered.
func (db *DB) ListComments(ctx context.Context, postID int64) ([]models.Comment, error) {
	rows, err := db.reader.QueryContext(ctx, `
		SELECT id, post_id, user_id, parent_id, content, created_at, deleted_at
		FROM comments WHERE post_id = ? ORDER BY id`, postID)
	if err != nil {
		return nil, fmt.Errorf("list comments error: %w", err)
	}
	defer rows.Close()

	var comments []models.Comment
	for rows.Next() {
		var c models.Comment
		var createdAt int64
		var deletedAt sql.NullInt64
		if err := rows.Scan(&c.ID, &c.PostID, &c.UserID, &c.ParentID, &c.Content, &createdAt, &deletedAt); err != nil {
			return nil, fmt.Errorf("scan comment error: %w", err)
		}
		c.CreatedAt = time.Unix(createdAt, 0)
		if deletedAt.Valid {
			t := time.Unix(deletedAt.Int64, 0)
			c.DeletedAt = &t
		}
		comments = append(comments, c)
	}
	return comments, rows.Err()
}
