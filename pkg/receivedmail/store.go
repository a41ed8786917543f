// popsync
// Copyright 2026 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package receivedmail

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"src.bluestatic.org/popsync/pkg/unseen"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

var ErrNotFound = errors.New("Record not found")

const schema = `
CREATE TABLE IF NOT EXISTS received_mail (
	id           TEXT PRIMARY KEY,
	uid          TEXT NOT NULL UNIQUE,
	message_id   TEXT NOT NULL,
	created_date INTEGER NOT NULL,
	receive_date INTEGER,
	send_by      TEXT NOT NULL,
	title        TEXT NOT NULL,
	body         TEXT NOT NULL,
	cc           TEXT NOT NULL,
	status       INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS received_mail_created ON received_mail (created_date);
`

// Store is a SQLite database of Records. It is safe for concurrent use.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// Open opens or creates the database at `path`.
func Open(ctx context.Context, path string, log *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("Failed to enable db pragma: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("Failed to create schema: %w", err)
	}
	return &Store{db: db, log: log.With(zap.String("store", path))}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SeenUIDs returns the UIDs of all stored records.
func (s *Store) SeenUIDs(ctx context.Context) (unseen.SeenSet, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT uid FROM received_mail")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seen := unseen.NewSeenSet()
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		seen.Add(uid)
	}
	return seen, rows.Err()
}

// Add inserts all `recs` in one transaction. Either every record is stored
// or none is.
func (s *Store) Add(ctx context.Context, recs ...Record) error {
	if len(recs) == 0 {
		return nil
	}
	err := s.wrapTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO received_mail
			(id, uid, message_id, created_date, receive_date, send_by, title, body, cc, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, r := range recs {
			if _, err := stmt.ExecContext(ctx, r.ID, r.UID, r.MessageID,
				r.CreatedDate.UnixNano(), nullTime(r.ReceiveDate),
				r.SendBy, r.Title, r.Body, r.Cc, r.Status); err != nil {
				return fmt.Errorf("Failed to insert record for uid %q: %w", r.UID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.log.Info("Stored received mail", zap.Int("count", len(recs)))
	return nil
}

// List returns all records in capture order.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT
		id, uid, message_id, created_date, receive_date, send_by, title, body, cc, status
		FROM received_mail ORDER BY created_date, rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var r Record
		var created int64
		var received sql.NullInt64
		if err := rows.Scan(&r.ID, &r.UID, &r.MessageID, &created, &received,
			&r.SendBy, &r.Title, &r.Body, &r.Cc, &r.Status); err != nil {
			return nil, err
		}
		r.CreatedDate = time.Unix(0, created)
		if received.Valid {
			r.ReceiveDate = time.Unix(0, received.Int64)
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// SetStatus updates the status of the record with the given ID.
func (s *Store) SetStatus(ctx context.Context, id string, status int) error {
	res, err := s.db.ExecContext(ctx, "UPDATE received_mail SET status = ? WHERE id = ?", status, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *Store) wrapTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			return fmt.Errorf("Failed to rollback transaction: %v - original error: %w", rerr, err)
		}
		return err
	}
	return tx.Commit()
}

func nullTime(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}
