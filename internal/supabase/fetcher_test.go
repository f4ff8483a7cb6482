package supabase

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bryan-buckman/otdposter/internal/model"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	events []map[string]any
	status int
	query  []string
	auth   string
	apikey string
}

func (b *fakeBackend) server(t *testing.T) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Get("/rest/v1/events", func(w http.ResponseWriter, req *http.Request) {
		b.query = append(b.query, req.URL.RawQuery)
		b.auth = req.Header.Get("Authorization")
		b.apikey = req.Header.Get("apikey")
		if b.status != 0 {
			http.Error(w, "nope", b.status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(b.events)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func commune() map[string]any {
	return map[string]any{
		"id":          "0f8fad5b-d9cb-469f-a165-70867728950e",
		"title":       "Paris Commune",
		"slugTitle":   "paris-commune",
		"otd":         "Workers take control of Paris.",
		"description": "The Commune governed Paris.",
		"imgAltText":  nil,
		"NSFW":        false,
		"imgSrc":      nil,
		"date":        "1871-03-18",
		"links":       []string{},
		"tags":        []string{"france"},
		"day":         18,
		"month":       3,
	}
}

var march18 = time.Date(2024, 3, 18, 0, 0, 0, 0, time.UTC)

func TestFetchDay(t *testing.T) {
	b := &fakeBackend{events: []map[string]any{commune()}}
	srv := b.server(t)

	f := NewFetcher(srv.URL+"/", "secret")
	records, err := f.FetchDay(context.Background(), march18)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "paris-commune", records[0]["slugTitle"])

	require.Len(t, b.query, 1)
	assert.Contains(t, b.query[0], "month=eq.3")
	assert.Contains(t, b.query[0], "day=eq.18")
	assert.Equal(t, "Bearer secret", b.auth)
	assert.Equal(t, "secret", b.apikey)
}

func TestFetchDayNoEvents(t *testing.T) {
	b := &fakeBackend{events: []map[string]any{}}
	srv := b.server(t)

	_, err := NewFetcher(srv.URL, "k").FetchDay(context.Background(), march18)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoEvents))
}

func TestFetchDayHTTPError(t *testing.T) {
	b := &fakeBackend{status: http.StatusUnauthorized}
	srv := b.server(t)

	_, err := NewFetcher(srv.URL, "k").FetchDay(context.Background(), march18)
	require.ErrorContains(t, err, "status 401")
	assert.False(t, errors.Is(err, ErrNoEvents))
}

func TestFetchEventsSkipsBrokenRecords(t *testing.T) {
	broken := commune()
	broken["id"] = "not-an-id"
	broken["slugTitle"] = "broken"
	drifted := commune()
	drifted["id"] = "7c9e6679-7425-40de-944b-e07fc1f90ae7"
	drifted["slugTitle"] = "drifted"
	drifted["created_at"] = "2024-01-01"

	b := &fakeBackend{events: []map[string]any{commune(), broken, drifted}}
	srv := b.server(t)

	events, err := NewFetcher(srv.URL, "k").FetchEvents(context.Background(), march18, model.Options{
		BaseEventURL: "https://calendar.example.org/events/",
	})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "paris-commune", events[0].SlugTitle)
	assert.Equal(t, "drifted", events[1].SlugTitle)
	assert.Equal(t, "https://calendar.example.org/events/drifted", events[1].EventURL())
}

func TestFetchEventsSkipsRecordsWithoutIdentity(t *testing.T) {
	noID := commune()
	delete(noID, "id")
	noID["slugTitle"] = "no-id"
	noSlug := commune()
	noSlug["id"] = "7c9e6679-7425-40de-944b-e07fc1f90ae7"
	delete(noSlug, "slugTitle")
	valid := commune()
	valid["id"] = "1b4e28ba-2fa1-41d2-883f-0016d3cca427"
	valid["slugTitle"] = "bread-and-roses"

	b := &fakeBackend{events: []map[string]any{noID, noSlug, valid}}
	srv := b.server(t)

	events, err := NewFetcher(srv.URL, "k").FetchEvents(context.Background(), march18, model.Options{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "bread-and-roses", events[0].SlugTitle)
	assert.False(t, events[0].ID.IsZero())
}

func TestFetchEventsAllSkipped(t *testing.T) {
	noID := commune()
	delete(noID, "id")
	broken := commune()
	broken["id"] = "not-an-id"

	b := &fakeBackend{events: []map[string]any{noID, broken}}
	srv := b.server(t)

	events, err := NewFetcher(srv.URL, "k").FetchEvents(context.Background(), march18, model.Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoEvents))
	assert.Empty(t, events)
}
