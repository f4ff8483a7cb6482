package bot

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/bryan-buckman/otdposter/internal/config"
	"github.com/bryan-buckman/otdposter/internal/database"
	"github.com/bryan-buckman/otdposter/internal/model"
	"github.com/bryan-buckman/otdposter/internal/supabase"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockFetcher struct {
	mock.Mock
}

func (m *mockFetcher) FetchEvents(ctx context.Context, date time.Time, opts model.Options) ([]model.Event, error) {
	args := m.Called(ctx, date, opts)
	events, _ := args.Get(0).([]model.Event)
	return events, args.Error(1)
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Reconcile(ctx context.Context, ev model.Event) (database.Outcome, error) {
	args := m.Called(ctx, ev)
	return args.Get(0).(database.Outcome), args.Error(1)
}

func (m *mockStore) GetByMonthDay(ctx context.Context, month, day int) ([]model.StoredEvent, error) {
	args := m.Called(ctx, month, day)
	records, _ := args.Get(0).([]model.StoredEvent)
	return records, args.Error(1)
}

func (m *mockStore) SelectForPosting(records []model.StoredEvent, ref time.Time) (model.StoredEvent, bool) {
	args := m.Called(records, ref)
	return args.Get(0).(model.StoredEvent), args.Bool(1)
}

func (m *mockStore) RecordPosting(ctx context.Context, id model.EventID, url string) error {
	args := m.Called(ctx, id, url)
	return args.Error(0)
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, rec model.StoredEvent) (string, error) {
	args := m.Called(ctx, rec)
	return args.String(0), args.Error(1)
}

var day = time.Date(2024, 3, 18, 0, 0, 0, 0, time.UTC)

func testConfig() config.Config {
	return config.Config{
		Format:       config.FormatTxt,
		Delay:        60,
		BaseEventURL: "https://calendar.example.org/events/",
	}
}

func testEvent(id, slug, title string) model.Event {
	return model.Event{
		ID:           model.MustParseEventID(id),
		Title:        title,
		SlugTitle:    slug,
		OTD:          title + " happened.",
		Description:  "Details about " + title + ".",
		Date:         time.Date(1871, 3, 18, 0, 0, 0, 0, time.UTC),
		Langcode:     "en",
		BaseEventURL: "https://calendar.example.org/events/",
	}
}

func threeEvents() []model.Event {
	return []model.Event{
		testEvent("0f8fad5b-d9cb-469f-a165-70867728950e", "paris-commune", "Paris Commune"),
		testEvent("7c9e6679-7425-40de-944b-e07fc1f90ae7", "haymarket", "Haymarket"),
		testEvent("1b4e28ba-2fa1-41d2-883f-0016d3cca427", "bread-and-roses", "Bread and Roses"),
	}
}

func TestDBStoresFetchedEvents(t *testing.T) {
	events := threeEvents()
	fetcher := new(mockFetcher)
	fetcher.On("FetchEvents", mock.Anything, day, testConfig().EventOptions()).Return(events, nil)
	store := new(mockStore)
	store.On("Reconcile", mock.Anything, events[0]).Return(database.Inserted, nil)
	store.On("Reconcile", mock.Anything, events[1]).Return(database.Unchanged, nil)
	store.On("Reconcile", mock.Anything, events[2]).Return(database.Updated, nil)

	var out bytes.Buffer
	r := New(testConfig(), &out, WithFetcher(fetcher), WithStore(store))
	require.NoError(t, r.DB(context.Background(), SourceSupabase, DestDatabase, day))

	assert.Empty(t, out.String())
	fetcher.AssertExpectations(t)
	store.AssertExpectations(t)
	store.AssertNotCalled(t, "GetByMonthDay", mock.Anything, mock.Anything, mock.Anything)
}

func TestDBStopsOnStoreError(t *testing.T) {
	events := threeEvents()
	fetcher := new(mockFetcher)
	fetcher.On("FetchEvents", mock.Anything, day, mock.Anything).Return(events, nil)
	store := new(mockStore)
	store.On("Reconcile", mock.Anything, events[0]).Return(database.Unchanged, errors.New("disk full"))

	r := New(testConfig(), &bytes.Buffer{}, WithFetcher(fetcher), WithStore(store))
	err := r.DB(context.Background(), SourceSupabase, DestDatabase, day)
	require.ErrorContains(t, err, "disk full")
	store.AssertNumberOfCalls(t, "Reconcile", 1)
}

func TestDBPublishesSelectedEvent(t *testing.T) {
	records := []model.StoredEvent{{Event: threeEvents()[1]}}
	store := new(mockStore)
	store.On("GetByMonthDay", mock.Anything, 3, 18).Return(records, nil)
	store.On("SelectForPosting", records, day).Return(records[0], true)
	store.On("RecordPosting", mock.Anything, records[0].Event.ID, "https://lemmy.example/post/1").Return(nil)
	publisher := new(mockPublisher)
	publisher.On("Publish", mock.Anything, records[0]).Return("https://lemmy.example/post/1", nil)

	r := New(testConfig(), &bytes.Buffer{}, WithStore(store), WithPublisher(publisher))
	require.NoError(t, r.DB(context.Background(), SourceDatabase, DestLemmy, day))

	store.AssertExpectations(t)
	publisher.AssertExpectations(t)
}

func TestDBDoesNotRecordFailedPost(t *testing.T) {
	records := []model.StoredEvent{{Event: threeEvents()[0]}}
	store := new(mockStore)
	store.On("GetByMonthDay", mock.Anything, 3, 18).Return(records, nil)
	store.On("SelectForPosting", records, day).Return(records[0], true)
	publisher := new(mockPublisher)
	publisher.On("Publish", mock.Anything, records[0]).Return("", errors.New("instance down"))

	r := New(testConfig(), &bytes.Buffer{}, WithStore(store), WithPublisher(publisher))
	err := r.DB(context.Background(), SourceDatabase, DestLemmy, day)
	require.ErrorContains(t, err, "instance down")
	store.AssertNotCalled(t, "RecordPosting", mock.Anything, mock.Anything, mock.Anything)
}

func TestDBShowsSelectedEvent(t *testing.T) {
	rec := model.StoredEvent{Event: threeEvents()[0]}
	for _, tc := range []struct {
		format string
		want   string
	}{
		{config.FormatTxt, "## Paris Commune"},
		{config.FormatJSON, `"slugTitle": "paris-commune"`},
	} {
		t.Run(tc.format, func(t *testing.T) {
			store := new(mockStore)
			store.On("GetByMonthDay", mock.Anything, 3, 18).Return([]model.StoredEvent{rec}, nil)
			store.On("SelectForPosting", mock.Anything, day).Return(rec, true)

			cfg := testConfig()
			cfg.Format = tc.format
			var out bytes.Buffer
			r := New(cfg, &out, WithStore(store))
			require.NoError(t, r.DB(context.Background(), SourceDatabase, DestShow, day))
			assert.Contains(t, out.String(), tc.want)
		})
	}
}

func TestDBNothingToSelect(t *testing.T) {
	store := new(mockStore)
	store.On("GetByMonthDay", mock.Anything, 3, 18).Return([]model.StoredEvent(nil), nil)
	store.On("SelectForPosting", mock.Anything, day).Return(model.StoredEvent{}, false)
	publisher := new(mockPublisher)

	var out bytes.Buffer
	r := New(testConfig(), &out, WithStore(store), WithPublisher(publisher))
	require.NoError(t, r.DB(context.Background(), SourceDatabase, DestLemmy, day))

	assert.Equal(t, NoEventMessage+"\n", out.String())
	publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

func TestDBRejectsSameSourceAndDestination(t *testing.T) {
	store := new(mockStore)
	r := New(testConfig(), &bytes.Buffer{}, WithStore(store))
	require.Error(t, r.DB(context.Background(), SourceDatabase, DestDatabase, day))
	store.AssertNotCalled(t, "GetByMonthDay", mock.Anything, mock.Anything, mock.Anything)
}

func TestDBPropagatesNoEvents(t *testing.T) {
	fetcher := new(mockFetcher)
	fetcher.On("FetchEvents", mock.Anything, day, mock.Anything).Return(nil, errors.Wrap(supabase.ErrNoEvents, "for 03-18"))
	store := new(mockStore)

	r := New(testConfig(), &bytes.Buffer{}, WithFetcher(fetcher), WithStore(store))
	err := r.DB(context.Background(), SourceSupabase, DestShow, day)
	require.True(t, errors.Is(err, supabase.ErrNoEvents))
	store.AssertNotCalled(t, "Reconcile", mock.Anything, mock.Anything)
}

func TestShowPrintsEveryEvent(t *testing.T) {
	fetcher := new(mockFetcher)
	fetcher.On("FetchEvents", mock.Anything, day, mock.Anything).Return(threeEvents(), nil)

	var out bytes.Buffer
	r := New(testConfig(), &out, WithFetcher(fetcher))
	require.NoError(t, r.Show(context.Background(), day))
	assert.Contains(t, out.String(), "## Paris Commune")
	assert.Contains(t, out.String(), "## Haymarket")
	assert.Contains(t, out.String(), "## Bread and Roses")
}

func TestShowFormatNone(t *testing.T) {
	fetcher := new(mockFetcher)
	fetcher.On("FetchEvents", mock.Anything, day, mock.Anything).Return(threeEvents(), nil)

	cfg := testConfig()
	cfg.Format = config.FormatNone
	var out bytes.Buffer
	require.NoError(t, New(cfg, &out, WithFetcher(fetcher)).Show(context.Background(), day))
	assert.Empty(t, out.String())
}

// fakeClock advances only when the runner sleeps.
type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.sleeps = append(c.sleeps, d)
	if d > 0 {
		c.now = c.now.Add(d)
	}
	return nil
}

func TestPostSpacesEvents(t *testing.T) {
	events := threeEvents()
	fetcher := new(mockFetcher)
	fetcher.On("FetchEvents", mock.Anything, day, mock.Anything).Return(events, nil)
	publisher := new(mockPublisher)
	for i, ev := range events {
		publisher.On("Publish", mock.Anything, model.StoredEvent{Event: ev}).
			Return("https://lemmy.example/post/"+string(rune('1'+i)), nil).Once()
	}

	clock := &fakeClock{now: day}
	r := New(testConfig(), &bytes.Buffer{},
		WithFetcher(fetcher), WithPublisher(publisher),
		WithClock(clock.Now), WithSleep(clock.Sleep))
	require.NoError(t, r.Post(context.Background(), day))

	assert.Equal(t, []time.Duration{0, time.Minute, time.Minute}, clock.sleeps)
	publisher.AssertExpectations(t)
}

func TestPostStopsOnPublishError(t *testing.T) {
	events := threeEvents()
	fetcher := new(mockFetcher)
	fetcher.On("FetchEvents", mock.Anything, day, mock.Anything).Return(events, nil)
	publisher := new(mockPublisher)
	publisher.On("Publish", mock.Anything, model.StoredEvent{Event: events[0]}).Return("", errors.New("rate limited"))

	clock := &fakeClock{now: day}
	r := New(testConfig(), &bytes.Buffer{},
		WithFetcher(fetcher), WithPublisher(publisher),
		WithClock(clock.Now), WithSleep(clock.Sleep))
	err := r.Post(context.Background(), day)
	require.ErrorContains(t, err, "rate limited")
	publisher.AssertNumberOfCalls(t, "Publish", 1)
}

func TestPostHonoursCancellation(t *testing.T) {
	fetcher := new(mockFetcher)
	fetcher.On("FetchEvents", mock.Anything, day, mock.Anything).Return(threeEvents(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	publisher := new(mockPublisher)
	publisher.On("Publish", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return("https://lemmy.example/post/1", nil)

	cfg := testConfig()
	cfg.Delay = 3600
	r := New(cfg, &bytes.Buffer{}, WithFetcher(fetcher), WithPublisher(publisher))
	err := r.Post(ctx, day)
	require.ErrorIs(t, err, context.Canceled)
	publisher.AssertNumberOfCalls(t, "Publish", 1)
}

func TestWaitText(t *testing.T) {
	assert.Equal(t, "1.50 hours", waitText(90*time.Minute))
	assert.Equal(t, "2.00 minutes", waitText(2*time.Minute))
	assert.Equal(t, "60 seconds", waitText(time.Minute))
	assert.Equal(t, "5 seconds", waitText(5*time.Second))
}

func TestParseSourceAndDestination(t *testing.T) {
	src, err := ParseSource("supabase")
	require.NoError(t, err)
	assert.Equal(t, SourceSupabase, src)
	_, err = ParseSource("lemmy")
	require.Error(t, err)

	dst, err := ParseDestination("Show")
	require.NoError(t, err)
	assert.Equal(t, DestShow, dst)
	_, err = ParseDestination("supabase")
	require.Error(t, err)
}
