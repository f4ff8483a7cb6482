// Package bot runs the fetch, store, select and publish workflows.
package bot

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/bryan-buckman/otdposter/internal/config"
	"github.com/bryan-buckman/otdposter/internal/database"
	"github.com/bryan-buckman/otdposter/internal/model"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Source is where events are read from.
type Source string

// Destination is where events go.
type Destination string

const (
	SourceSupabase Source = "SUPABASE"
	SourceDatabase Source = "DATABASE"

	DestDatabase Destination = "DATABASE"
	DestLemmy    Destination = "LEMMY"
	DestShow     Destination = "SHOW"
)

// ParseSource accepts a source name in any case.
func ParseSource(s string) (Source, error) {
	switch v := Source(strings.ToUpper(s)); v {
	case SourceSupabase, SourceDatabase:
		return v, nil
	}
	return "", errors.Errorf("it should be 'SUPABASE' or 'DATABASE', not %q", s)
}

// ParseDestination accepts a destination name in any case.
func ParseDestination(s string) (Destination, error) {
	switch v := Destination(strings.ToUpper(s)); v {
	case DestDatabase, DestLemmy, DestShow:
		return v, nil
	}
	return "", errors.Errorf("it should be 'DATABASE', 'LEMMY' or 'SHOW', not %q", s)
}

// NoEventMessage is printed when no event can be selected.
const NoEventMessage = "There are no events for today or all of them have been posted recently."

// Fetcher returns the events of a calendar day from the remote backend.
type Fetcher interface {
	FetchEvents(ctx context.Context, date time.Time, opts model.Options) ([]model.Event, error)
}

// Store is the part of the event store the workflows use.
type Store interface {
	Reconcile(ctx context.Context, ev model.Event) (database.Outcome, error)
	GetByMonthDay(ctx context.Context, month, day int) ([]model.StoredEvent, error)
	SelectForPosting(records []model.StoredEvent, ref time.Time) (model.StoredEvent, bool)
	RecordPosting(ctx context.Context, id model.EventID, url string) error
}

// Publisher posts an event and returns the URL of the post.
type Publisher interface {
	Publish(ctx context.Context, rec model.StoredEvent) (string, error)
}

// Runner executes the commands with the collaborators it was given.
type Runner struct {
	fetcher   Fetcher
	store     Store
	publisher Publisher
	out       io.Writer
	format    string
	opts      model.Options
	delay     time.Duration
	now       func() time.Time
	sleep     func(context.Context, time.Duration) error
}

// Option configures a Runner.
type Option func(*Runner)

// WithFetcher sets the remote event source.
func WithFetcher(f Fetcher) Option {
	return func(r *Runner) { r.fetcher = f }
}

// WithStore sets the local event store.
func WithStore(s Store) Option {
	return func(r *Runner) { r.store = s }
}

// WithPublisher sets where events are posted.
func WithPublisher(p Publisher) Option {
	return func(r *Runner) { r.publisher = p }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// WithSleep replaces the wait between scheduled posts.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(r *Runner) { r.sleep = sleep }
}

// New returns a runner printing to out and configured by cfg.
func New(cfg config.Config, out io.Writer, opts ...Option) *Runner {
	r := &Runner{
		out:    out,
		format: cfg.Format,
		opts:   cfg.EventOptions(),
		delay:  cfg.PostDelay(),
		now:    time.Now,
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DB moves the events of date from one place to another. Fetched events are
// reconciled into the store. For LEMMY and SHOW one stored event of the day is
// selected and published or printed.
func (r *Runner) DB(ctx context.Context, from Source, to Destination, date time.Time) error {
	if string(from) == string(to) {
		return errors.Errorf("FROM %q and TO %q cannot be equal", from, to)
	}
	if r.store == nil {
		return errors.New("no event store configured")
	}

	if from == SourceSupabase {
		events, err := r.fetch(ctx, date)
		if err != nil {
			return err
		}
		for _, ev := range events {
			outcome, err := r.store.Reconcile(ctx, ev)
			if err != nil {
				return errors.Wrapf(err, "store %s", ev.SlugTitle)
			}
			log.Info().Str("id", ev.ID.String()).Str("slug", ev.SlugTitle).Stringer("outcome", outcome).Msg("event stored")
		}
	}

	if to == DestDatabase {
		return nil
	}

	records, err := r.store.GetByMonthDay(ctx, int(date.Month()), date.Day())
	if err != nil {
		return errors.Wrap(err, "load stored events")
	}
	log.Info().Int("count", len(records)).Msg("events found in the database")

	rec, ok := r.store.SelectForPosting(records, date)
	if !ok {
		fmt.Fprintln(r.out, NoEventMessage)
		return nil
	}
	if to == DestShow {
		return r.print(rec.Event)
	}

	url, err := r.publish(ctx, rec)
	if err != nil {
		return err
	}
	return errors.Wrap(r.store.RecordPosting(ctx, rec.Event.ID, url), "record posting")
}

// Show prints the remote events of date without storing them.
func (r *Runner) Show(ctx context.Context, date time.Time) error {
	events, err := r.fetch(ctx, date)
	if err != nil {
		return err
	}
	for _, ev := range events {
		if err := r.print(ev); err != nil {
			return err
		}
	}
	return nil
}

// Post publishes every remote event of date, in order. The first post is
// immediate, each next one waits the configured delay after the previous.
func (r *Runner) Post(ctx context.Context, date time.Time) error {
	if r.publisher == nil {
		return errors.New("no publisher configured")
	}
	events, err := r.fetch(ctx, date)
	if err != nil {
		return err
	}

	type task struct {
		at time.Duration
		ev model.Event
	}
	tasks := make([]task, len(events))
	for i, ev := range events {
		tasks[i] = task{at: time.Duration(i) * r.delay, ev: ev}
	}

	start := r.now()
	for i, t := range tasks {
		if err := r.sleep(ctx, t.at-r.now().Sub(start)); err != nil {
			return err
		}
		if _, err := r.publish(ctx, model.StoredEvent{Event: t.ev}); err != nil {
			return err
		}
		if i < len(tasks)-1 {
			log.Info().Msgf("waiting %s for the next event to be posted", waitText(r.delay))
		}
	}
	return nil
}

func (r *Runner) fetch(ctx context.Context, date time.Time) ([]model.Event, error) {
	if r.fetcher == nil {
		return nil, errors.New("no event source configured")
	}
	log.Info().Str("day", date.Format("02 January")).Msg("fetching events")
	events, err := r.fetcher.FetchEvents(ctx, date, r.opts)
	if err != nil {
		return nil, err
	}
	log.Info().Int("count", len(events)).Msg("events fetched")
	return events, nil
}

func (r *Runner) publish(ctx context.Context, rec model.StoredEvent) (string, error) {
	if r.publisher == nil {
		return "", errors.New("no publisher configured")
	}
	log.Info().Str("id", rec.Event.ID.String()).Str("slug", rec.Event.SlugTitle).Msg("posting")
	url, err := r.publisher.Publish(ctx, rec)
	if err != nil {
		return "", errors.Wrapf(err, "post %s", rec.Event.SlugTitle)
	}
	log.Info().Str("url", url).Msg("posted")
	return url, nil
}

func (r *Runner) print(ev model.Event) error {
	switch r.format {
	case config.FormatJSON:
		out, err := ev.JSON()
		if err != nil {
			return err
		}
		fmt.Fprintln(r.out, out)
	case config.FormatNone:
	default:
		fmt.Fprintln(r.out, ev.Content())
	}
	return nil
}

// waitText renders a delay in the largest unit that exceeds one.
func waitText(d time.Duration) string {
	switch {
	case d.Hours() > 1:
		return fmt.Sprintf("%.2f hours", d.Hours())
	case d.Minutes() > 1:
		return fmt.Sprintf("%.2f minutes", d.Minutes())
	default:
		return fmt.Sprintf("%d seconds", int(d.Seconds()))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
