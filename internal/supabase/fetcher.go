// Package supabase fetches events from the Supabase REST backend.
package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bryan-buckman/otdposter/internal/model"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrNoEvents is returned when the backend has no event for a day. Every day
// of the year is expected to have at least one.
var ErrNoEvents = errors.New("no events fetched")

// DefaultTimeout bounds a single backend request.
const DefaultTimeout = 30 * time.Second

// Fetcher reads the events table of a Supabase project.
type Fetcher struct {
	baseURL string
	key     string
	client  *http.Client
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// NewFetcher creates a fetcher for the project at baseURL using the given API key.
func NewFetcher(baseURL, key string, opts ...Option) *Fetcher {
	f := &Fetcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		key:     key,
		client:  &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FetchDay returns the raw records of every event whose month and day match
// date. It returns ErrNoEvents when there is none.
func (f *Fetcher) FetchDay(ctx context.Context, date time.Time) ([]model.Raw, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("month", fmt.Sprintf("eq.%d", int(date.Month())))
	q.Set("day", fmt.Sprintf("eq.%d", date.Day()))
	endpoint := f.baseURL + "/rest/v1/events?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("apikey", f.key)
	req.Header.Set("Authorization", "Bearer "+f.key)
	req.Header.Set("Accept", "application/json")

	log.Debug().Str("url", endpoint).Msg("querying supabase")
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "fetch events")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errors.Errorf("fetch events: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var records []model.Raw
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, errors.Wrap(err, "decode events")
	}
	if len(records) == 0 {
		return nil, errors.Wrapf(ErrNoEvents, "for %s", date.Format("01-02"))
	}
	return records, nil
}

// FetchEvents fetches the events of date and builds them with opts. Records
// that cannot be built or lack an id or slug are skipped with an error log;
// anomalies are logged as warnings. It returns ErrNoEvents when every record
// was skipped.
func (f *Fetcher) FetchEvents(ctx context.Context, date time.Time, opts model.Options) ([]model.Event, error) {
	records, err := f.FetchDay(ctx, date)
	if err != nil {
		return nil, err
	}
	events := make([]model.Event, 0, len(records))
	for _, raw := range records {
		ev, diag, err := model.NewEvent(raw, opts)
		for _, msg := range diag.Messages() {
			log.Warn().Str("slug", ev.SlugTitle).Msg(msg)
		}
		if err != nil {
			log.Error().Err(err).Msg("skipping event")
			continue
		}
		// The store keys events by id and slug.
		if ev.ID.IsZero() || ev.SlugTitle == "" {
			log.Error().Str("id", ev.ID.String()).Str("slug", ev.SlugTitle).Msg("skipping event without id or slug")
			continue
		}
		events = append(events, ev)
	}
	if len(events) == 0 {
		return nil, errors.Wrapf(ErrNoEvents, "for %s, all %d records skipped", date.Format("01-02"), len(records))
	}
	return events, nil
}
