package database

import (
	"context"
	"database/sql"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/bryan-buckman/otdposter/internal/version"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

type dialect int

const (
	sqliteDialect dialect = iota
	postgresDialect
)

// rebind rewrites "?" placeholders into "$n" for PostgreSQL.
func (d dialect) rebind(query string) string {
	if d != postgresDialect {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// DB wraps the database connection. It is used for SQLite and PostgreSQL.
type DB struct {
	conn       *sql.DB
	dialect    dialect
	images     ImageLoader
	now        func() time.Time
	intn       func(int) int
	appVersion string
}

// Ensure DB implements Store interface.
var _ Store = (*DB)(nil)

// Option configures a DB.
type Option func(*DB)

// WithImageLoader sets where image bytes are downloaded from when an event is
// written. Without one, no image blob is stored.
func WithImageLoader(l ImageLoader) Option {
	return func(db *DB) { db.images = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(db *DB) { db.now = now }
}

// WithRand sets the random source used by SelectForPosting.
func WithRand(r *rand.Rand) Option {
	return func(db *DB) { db.intn = r.IntN }
}

// WithAppVersion overrides the software version stamped on stored events.
func WithAppVersion(v string) Option {
	return func(db *DB) { db.appVersion = v }
}

func newDB(conn *sql.DB, d dialect, opts []Option) *DB {
	db := &DB{
		conn:       conn,
		dialect:    d,
		now:        time.Now,
		intn:       rand.IntN,
		appVersion: version.Version,
	}
	for _, opt := range opts {
		opt(db)
	}
	return db
}

// Open opens the store described by a database URL. postgres:// and
// postgresql:// URLs use PostgreSQL; sqlite://PATH, file: URIs and plain paths
// use SQLite.
func Open(databaseURL string, opts ...Option) (*DB, error) {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return NewPostgres(databaseURL, opts...)
	case strings.HasPrefix(databaseURL, "sqlite://"):
		return New(strings.TrimPrefix(databaseURL, "sqlite://"), opts...)
	case databaseURL == "":
		return nil, errors.New("empty database url")
	default:
		return New(databaseURL, opts...)
	}
}

// New opens or creates an SQLite database at the given path.
func New(path string, opts ...Option) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open db")
	}
	// One writer at a time; the store is used by a single process.
	conn.SetMaxOpenConns(1)
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, errors.Wrapf(err, "exec %s", p)
		}
	}
	db := newDB(conn, sqliteDialect, opts)
	if err := db.migrate(sqliteSchema); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "migrate")
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// DatabaseType returns the database backend name.
func (db *DB) DatabaseType() string {
	if db.dialect == postgresDialect {
		return "PostgreSQL"
	}
	return "SQLite"
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS info (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	key TEXT NOT NULL UNIQUE,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	id_uuid TEXT NOT NULL UNIQUE,
	id_prefix TEXT NOT NULL DEFAULT '',
	slug_title TEXT NOT NULL UNIQUE,
	date TEXT,
	month INTEGER NOT NULL,
	day INTEGER NOT NULL,
	langcode TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL,
	otd TEXT NOT NULL,
	description TEXT NOT NULL,
	nsfw INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_events_month_day ON events(month, day);
CREATE TABLE IF NOT EXISTS images (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id INTEGER NOT NULL UNIQUE REFERENCES events(id) ON DELETE CASCADE,
	img BLOB,
	img_src TEXT,
	img_alt_text TEXT
);
CREATE TABLE IF NOT EXISTS links (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id INTEGER NOT NULL REFERENCES events(id) ON DELETE CASCADE,
	position INTEGER NOT NULL,
	link TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_links_event ON links(event_id, position);
CREATE TABLE IF NOT EXISTS tags (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id INTEGER NOT NULL REFERENCES events(id) ON DELETE CASCADE,
	position INTEGER NOT NULL,
	tag TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tags_event ON tags(event_id, position);
CREATE TABLE IF NOT EXISTS events_extended (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id INTEGER NOT NULL UNIQUE REFERENCES events(id) ON DELETE CASCADE,
	base_event_url TEXT NOT NULL DEFAULT '',
	event_url TEXT NOT NULL DEFAULT '',
	base_event_img_url TEXT NOT NULL DEFAULT '',
	img_url TEXT NOT NULL DEFAULT '',
	first_stored_date TEXT NOT NULL,
	first_stored_at_utc_ns INTEGER NOT NULL,
	stored_date TEXT NOT NULL,
	stored_at_utc_ns INTEGER NOT NULL,
	app_version TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS events_posted (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id INTEGER NOT NULL REFERENCES events(id),
	url TEXT UNIQUE,
	date TEXT NOT NULL,
	posted_at_utc_ns INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_posted_event ON events_posted(event_id);

CREATE TRIGGER IF NOT EXISTS trg_events_posted_no_update
BEFORE UPDATE ON events_posted
BEGIN
	SELECT RAISE(ABORT, 'events_posted is append-only: UPDATE forbidden');
END;

CREATE TRIGGER IF NOT EXISTS trg_events_posted_no_delete
BEFORE DELETE ON events_posted
BEGIN
	SELECT RAISE(ABORT, 'events_posted is append-only: DELETE forbidden');
END;
`

// Info keys.
const (
	InfoAppVersion   = "app_version"
	InfoCreationDate = "creation_date"
	InfoLastChange   = "last_change"
)

func (db *DB) migrate(schema string) error {
	ctx := context.Background()
	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return err
	}
	now := db.now().UTC().Format(time.RFC3339)
	for _, kv := range [][2]string{
		{InfoAppVersion, db.appVersion},
		{InfoCreationDate, now},
		{InfoLastChange, now},
	} {
		if _, err := db.conn.ExecContext(ctx, db.dialect.rebind(
			"INSERT INTO info (key, value) VALUES (?, ?) ON CONFLICT(key) DO NOTHING"), kv[0], kv[1]); err != nil {
			return errors.Wrapf(err, "seed info %s", kv[0])
		}
	}
	return nil
}

// Info returns the metadata rows of the store.
func (db *DB) Info(ctx context.Context) (map[string]string, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT key, value FROM info")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (db *DB) touchLastChange(ctx context.Context, tx *sql.Tx, now time.Time) error {
	_, err := tx.ExecContext(ctx, db.dialect.rebind("UPDATE info SET value = ? WHERE key = ?"),
		now.UTC().Format(time.RFC3339), InfoLastChange)
	return err
}
