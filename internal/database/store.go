// Package database provides storage backends for events and their posting history.
package database

import (
	"context"
	"time"

	"github.com/bryan-buckman/otdposter/internal/model"
)

// Outcome is the result of reconciling a fetched event with the store.
type Outcome int

const (
	Unchanged Outcome = iota
	Inserted
	Updated
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	default:
		return "unchanged"
	}
}

// Store defines the interface for event store operations.
// Both the SQLite and PostgreSQL backends satisfy it.
type Store interface {
	Close() error

	// DatabaseType returns the name of the database backend ("SQLite" or "PostgreSQL").
	DatabaseType() string

	// Event operations
	Reconcile(ctx context.Context, ev model.Event) (Outcome, error)
	GetByID(ctx context.Context, id model.EventID) (*model.StoredEvent, error)
	GetByMonthDay(ctx context.Context, month, day int) ([]model.StoredEvent, error)

	// Posting operations
	SelectForPosting(records []model.StoredEvent, ref time.Time) (model.StoredEvent, bool)
	RecordPosting(ctx context.Context, id model.EventID, url string) error

	// Info operations
	Info(ctx context.Context) (map[string]string, error)
}

// ImageLoader downloads the bytes behind an image URL.
type ImageLoader interface {
	Load(ctx context.Context, url string) ([]byte, error)
}
