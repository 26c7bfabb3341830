package db

import (
	"database/sql"

	"pulse/models"
)

// DB handles all database operations. Mutations go through the single-writer
// connection, aggregate reads through a small reader pool.
type DB struct {
	writer *sql.DB
	reader *sql.DB
}

func New(database string) (*DB, error) {
	writer, err := writerConnection(database)
	if err != nil {
		return nil, err
	}
	reader, err := readerConnection(database)
	if err != nil {
		writer.Close()
		return nil, err
	}
	return &DB{writer: writer, reader: reader}, nil
}

func (db *DB) Close() error {
	if err := db.writer.Close(); err != nil {
		db.reader.Close()
		return err
	}
	return db.reader.Close()
}

// actorColumns returns the nullable user/session pair for an actor. Exactly
// one of the two is non-null, enforced by a CHECK constraint on every event
// table.
func actorColumns(actor models.Actor) (sql.NullInt64, sql.NullString) {
	if actor.IsUser() {
		return sql.NullInt64{Int64: actor.UserID, Valid: true}, sql.NullString{}
	}
	return sql.NullInt64{}, sql.NullString{String: actor.SessionID, Valid: actor.SessionID != ""}
}
