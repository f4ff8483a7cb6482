package database

import (
	"bytes"
	"context"
	"database/sql"
	"time"

	"github.com/bryan-buckman/otdposter/internal/model"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrEventNotFound is returned when an operation targets an event id that is
// not stored.
var ErrEventNotFound = errors.New("event not found")

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Reconcile inserts ev when its id is unknown, updates the stored record when
// its content differs and does nothing when it is identical.
func (db *DB) Reconcile(ctx context.Context, ev model.Event) (Outcome, error) {
	if ev.ID.IsZero() {
		return Unchanged, errors.Errorf("event %q has no id", ev.SlugTitle)
	}
	stored, err := db.GetByID(ctx, ev.ID)
	if err != nil {
		return Unchanged, errors.Wrapf(err, "load event %s", ev.ID)
	}
	if stored != nil && stored.Event.Equal(ev) {
		return Unchanged, nil
	}

	blob := db.imageBlob(ctx, ev, stored)
	now := db.now()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return Unchanged, err
	}
	defer tx.Rollback()

	var (
		rowID   int64
		outcome Outcome
	)
	if stored == nil {
		outcome = Inserted
		if rowID, err = db.insertEvent(ctx, tx, ev, now); err != nil {
			return Unchanged, errors.Wrapf(err, "insert event %s", ev.SlugTitle)
		}
	} else {
		outcome = Updated
		if rowID, err = db.updateEvent(ctx, tx, ev, now); err != nil {
			return Unchanged, errors.Wrapf(err, "update event %s", ev.SlugTitle)
		}
	}
	if err := db.writeChildren(ctx, tx, rowID, ev, blob); err != nil {
		return Unchanged, errors.Wrapf(err, "write children of %s", ev.SlugTitle)
	}
	if err := db.touchLastChange(ctx, tx, now); err != nil {
		return Unchanged, err
	}
	if err := tx.Commit(); err != nil {
		return Unchanged, err
	}
	return outcome, nil
}

// imageBlob returns the image bytes to persist for ev. The stored blob is
// reused while the image URL stays the same.
func (db *DB) imageBlob(ctx context.Context, ev model.Event, stored *model.StoredEvent) []byte {
	imgURL := ev.ImageURL()
	if imgURL == "" {
		return nil
	}
	if stored != nil && stored.Image != nil && len(stored.Image.Blob) > 0 && stored.Extended.ImgURL == imgURL {
		return stored.Image.Blob
	}
	if db.images == nil {
		return nil
	}
	blob, err := db.images.Load(ctx, imgURL)
	if err != nil {
		log.Warn().Err(err).Str("slug", ev.SlugTitle).Str("url", imgURL).Msg("image download failed")
		return nil
	}
	log.Debug().Str("slug", ev.SlugTitle).Str("size", humanize.Bytes(uint64(len(blob)))).Msg("image downloaded")
	return blob
}

func (db *DB) insertEvent(ctx context.Context, tx *sql.Tx, ev model.Event, now time.Time) (int64, error) {
	var rowID int64
	err := tx.QueryRowContext(ctx, db.dialect.rebind(`
		INSERT INTO events (id_uuid, id_prefix, slug_title, date, month, day, langcode, title, otd, description, nsfw)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		ev.ID.Key(), ev.ID.Prefix, ev.SlugTitle, nullDate(ev.Date), ev.Month, ev.Day, ev.Langcode,
		ev.Title, ev.OTD, ev.Description, ev.NSFW).Scan(&rowID)
	if err != nil {
		return 0, err
	}
	stamp := now.UnixNano()
	day := now.Format(model.DateLayout)
	_, err = tx.ExecContext(ctx, db.dialect.rebind(`
		INSERT INTO events_extended (event_id, base_event_url, event_url, base_event_img_url, img_url,
			first_stored_date, first_stored_at_utc_ns, stored_date, stored_at_utc_ns, app_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rowID, ev.BaseEventURL, ev.EventURL(), ev.BaseEventImgURL, ev.ImageURL(),
		day, stamp, day, stamp, db.appVersion)
	return rowID, err
}

func (db *DB) updateEvent(ctx context.Context, tx *sql.Tx, ev model.Event, now time.Time) (int64, error) {
	var rowID int64
	err := tx.QueryRowContext(ctx, db.dialect.rebind(`
		UPDATE events SET id_prefix = ?, slug_title = ?, date = ?, month = ?, day = ?, langcode = ?,
			title = ?, otd = ?, description = ?, nsfw = ?
		WHERE id_uuid = ?
		RETURNING id`),
		ev.ID.Prefix, ev.SlugTitle, nullDate(ev.Date), ev.Month, ev.Day, ev.Langcode,
		ev.Title, ev.OTD, ev.Description, ev.NSFW, ev.ID.Key()).Scan(&rowID)
	if err != nil {
		return 0, err
	}
	for _, table := range []string{"images", "links", "tags"} {
		if _, err := tx.ExecContext(ctx, db.dialect.rebind("DELETE FROM "+table+" WHERE event_id = ?"), rowID); err != nil {
			return 0, errors.Wrapf(err, "clear %s", table)
		}
	}
	// first_stored_* is left untouched.
	_, err = tx.ExecContext(ctx, db.dialect.rebind(`
		UPDATE events_extended SET base_event_url = ?, event_url = ?, base_event_img_url = ?, img_url = ?,
			stored_date = ?, stored_at_utc_ns = ?, app_version = ?
		WHERE event_id = ?`),
		ev.BaseEventURL, ev.EventURL(), ev.BaseEventImgURL, ev.ImageURL(),
		now.Format(model.DateLayout), now.UnixNano(), db.appVersion, rowID)
	return rowID, err
}

func (db *DB) writeChildren(ctx context.Context, tx *sql.Tx, rowID int64, ev model.Event, blob []byte) error {
	if ev.ImgSrc != nil || ev.ImgAltText != nil || len(blob) > 0 {
		_, err := tx.ExecContext(ctx, db.dialect.rebind(
			"INSERT INTO images (event_id, img, img_src, img_alt_text) VALUES (?, ?, ?, ?)"),
			rowID, nullBlob(blob), ev.ImgSrc, ev.ImgAltText)
		if err != nil {
			return errors.Wrap(err, "insert image")
		}
	}
	if err := db.insertOrdered(ctx, tx, "INSERT INTO links (event_id, position, link) VALUES (?, ?, ?)", rowID, ev.Links); err != nil {
		return errors.Wrap(err, "insert links")
	}
	if err := db.insertOrdered(ctx, tx, "INSERT INTO tags (event_id, position, tag) VALUES (?, ?, ?)", rowID, ev.Tags); err != nil {
		return errors.Wrap(err, "insert tags")
	}
	return nil
}

func (db *DB) insertOrdered(ctx context.Context, tx *sql.Tx, query string, rowID int64, values []string) error {
	if len(values) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, db.dialect.rebind(query))
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, v := range values {
		if _, err := stmt.ExecContext(ctx, rowID, i, v); err != nil {
			return err
		}
	}
	return nil
}

// GetByID returns the fully hydrated record of id, or nil when it is not stored.
func (db *DB) GetByID(ctx context.Context, id model.EventID) (*model.StoredEvent, error) {
	var rowID int64
	err := db.conn.QueryRowContext(ctx, db.dialect.rebind("SELECT id FROM events WHERE id_uuid = ?"), id.Key()).Scan(&rowID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec, err := db.hydrate(ctx, db.conn, rowID)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetByMonthDay returns every stored event of the given calendar day.
func (db *DB) GetByMonthDay(ctx context.Context, month, day int) ([]model.StoredEvent, error) {
	rows, err := db.conn.QueryContext(ctx, db.dialect.rebind(
		"SELECT id FROM events WHERE month = ? AND day = ? ORDER BY id"), month, day)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	records := make([]model.StoredEvent, 0, len(ids))
	for _, id := range ids {
		rec, err := db.hydrate(ctx, db.conn, id)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// hydrate loads an event row with all of its children.
func (db *DB) hydrate(ctx context.Context, q queryer, rowID int64) (model.StoredEvent, error) {
	var (
		rec    model.StoredEvent
		ev     = &rec.Event
		idUUID string
		date   sql.NullString
	)
	err := q.QueryRowContext(ctx, db.dialect.rebind(`
		SELECT id_uuid, id_prefix, slug_title, date, month, day, langcode, title, otd, description, nsfw
		FROM events WHERE id = ?`), rowID).
		Scan(&idUUID, &ev.ID.Prefix, &ev.SlugTitle, &date, &ev.Month, &ev.Day, &ev.Langcode,
			&ev.Title, &ev.OTD, &ev.Description, &ev.NSFW)
	if err != nil {
		return rec, errors.Wrap(err, "load event")
	}
	if ev.ID.UUID, err = uuid.Parse(idUUID); err != nil {
		return rec, errors.Wrapf(err, "stored id %q", idUUID)
	}
	if date.Valid {
		if ev.Date, err = model.ParseDate(date.String); err != nil {
			return rec, errors.Wrapf(err, "stored date of %s", ev.SlugTitle)
		}
	}

	var (
		img          []byte
		src, altText sql.NullString
	)
	err = q.QueryRowContext(ctx, db.dialect.rebind(
		"SELECT img, img_src, img_alt_text FROM images WHERE event_id = ?"), rowID).Scan(&img, &src, &altText)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return rec, errors.Wrap(err, "load image")
	default:
		rec.Image = &model.StoredImage{Blob: img, Src: nullStringPtr(src), AltText: nullStringPtr(altText)}
		ev.ImgSrc = rec.Image.Src
		ev.ImgAltText = rec.Image.AltText
	}

	if ev.Links, err = db.loadOrdered(ctx, q, "SELECT link FROM links WHERE event_id = ? ORDER BY position", rowID); err != nil {
		return rec, errors.Wrap(err, "load links")
	}
	if ev.Tags, err = db.loadOrdered(ctx, q, "SELECT tag FROM tags WHERE event_id = ? ORDER BY position", rowID); err != nil {
		return rec, errors.Wrap(err, "load tags")
	}

	var firstNS, storedNS int64
	x := &rec.Extended
	err = q.QueryRowContext(ctx, db.dialect.rebind(`
		SELECT base_event_url, event_url, base_event_img_url, img_url, first_stored_at_utc_ns, stored_at_utc_ns, app_version
		FROM events_extended WHERE event_id = ?`), rowID).
		Scan(&x.BaseEventURL, &x.EventURL, &x.BaseEventImgURL, &x.ImgURL, &firstNS, &storedNS, &x.AppVersion)
	if err != nil {
		return rec, errors.Wrap(err, "load extended")
	}
	x.FirstStoredAt = timeFromNS(firstNS)
	x.StoredAt = timeFromNS(storedNS)
	ev.BaseEventURL = x.BaseEventURL
	ev.BaseEventImgURL = x.BaseEventImgURL

	if rec.Postings, err = db.loadPostings(ctx, q, rowID); err != nil {
		return rec, errors.Wrap(err, "load postings")
	}
	return rec, nil
}

func (db *DB) loadOrdered(ctx context.Context, q queryer, query string, rowID int64) ([]string, error) {
	rows, err := q.QueryContext(ctx, db.dialect.rebind(query), rowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func timeFromNS(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}

func nullDate(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(model.DateLayout)
}

func nullBlob(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return bytes.Clone(b)
}

func nullStringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.String
}
