package database

import (
	"context"
	"database/sql"

	"github.com/bryan-buckman/otdposter/internal/model"
	"github.com/pkg/errors"
)

// RecordPosting appends a posting record for id. The posting log is
// append-only; recording against an unknown id returns ErrEventNotFound.
func (db *DB) RecordPosting(ctx context.Context, id model.EventID, url string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var rowID int64
	err = tx.QueryRowContext(ctx, db.dialect.rebind("SELECT id FROM events WHERE id_uuid = ?"), id.Key()).Scan(&rowID)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Wrapf(ErrEventNotFound, "record posting of %s", id)
	}
	if err != nil {
		return err
	}

	now := db.now()
	var dest any
	if url != "" {
		dest = url
	}
	if _, err := tx.ExecContext(ctx, db.dialect.rebind(
		"INSERT INTO events_posted (event_id, url, date, posted_at_utc_ns) VALUES (?, ?, ?, ?)"),
		rowID, dest, now.Format(model.DateLayout), now.UnixNano()); err != nil {
		return errors.Wrapf(err, "record posting of %s", id)
	}
	if err := db.touchLastChange(ctx, tx, now); err != nil {
		return err
	}
	return tx.Commit()
}

func (db *DB) loadPostings(ctx context.Context, q queryer, rowID int64) ([]model.Posting, error) {
	rows, err := q.QueryContext(ctx, db.dialect.rebind(
		"SELECT url, date, posted_at_utc_ns FROM events_posted WHERE event_id = ? ORDER BY id"), rowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var postings []model.Posting
	for rows.Next() {
		var (
			p    model.Posting
			url  sql.NullString
			date string
			ns   int64
		)
		if err := rows.Scan(&url, &date, &ns); err != nil {
			return nil, err
		}
		if p.Date, err = model.ParseDate(date); err != nil {
			return nil, errors.Wrapf(err, "posting date %q", date)
		}
		p.URL = url.String
		p.PostedAt = timeFromNS(ns)
		postings = append(postings, p)
	}
	return postings, rows.Err()
}
