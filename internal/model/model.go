// Package model defines shared data structures.
package model

import (
	"net/url"
	"time"
)

// DateLayout is the only accepted calendar date format.
const DateLayout = "2006-01-02"

// Event represents one historical "on this day" record.
type Event struct {
	ID          EventID
	Title       string
	SlugTitle   string
	OTD         string // short "on this day" blurb
	Description string // long form, may contain markdown
	ImgAltText  *string
	NSFW        bool
	ImgSrc      *string // relative or remote file name, nil when there is no image
	Date        time.Time
	Links       []string
	Tags        []string
	Day         int
	Month       int
	Langcode    string

	// Only used to build absolute URLs.
	BaseEventURL    string
	BaseEventImgURL string
}

// StoredEvent is the fully hydrated aggregate loaded from the event store.
type StoredEvent struct {
	Event    Event
	Image    *StoredImage // nil when no image row exists
	Extended Extended
	Postings []Posting
}

// StoredImage is the persisted image row of an event.
type StoredImage struct {
	Blob    []byte
	Src     *string
	AltText *string
}

// Extended holds the storage metadata of an event.
type Extended struct {
	BaseEventURL    string
	EventURL        string
	BaseEventImgURL string
	ImgURL          string
	FirstStoredAt   time.Time
	StoredAt        time.Time
	AppVersion      string
}

// Posting records one publication of an event. Postings are append-only.
type Posting struct {
	URL      string
	Date     time.Time // calendar date of the posting
	PostedAt time.Time
}

// HasBeenPosted reports whether at least one posting record exists.
func (s StoredEvent) HasBeenPosted() bool {
	return len(s.Postings) > 0
}

// PostedSince reports whether any posting is dated on or after day.
func (s StoredEvent) PostedSince(day time.Time) bool {
	day = TruncateDay(day)
	for _, p := range s.Postings {
		if !TruncateDay(p.Date).Before(day) {
			return true
		}
	}
	return false
}

// NeedsImageUpload reports whether the stored image blob has to be uploaded
// to the destination because no usable remote image URL was recorded.
func (s StoredEvent) NeedsImageUpload() bool {
	if s.Image == nil || len(s.Image.Blob) == 0 {
		return false
	}
	if s.Event.ImgSrc == nil || *s.Event.ImgSrc == "" {
		return false
	}
	if s.Extended.ImgURL == "" {
		return true
	}
	u, err := url.Parse(s.Extended.ImgURL)
	if err != nil {
		return true
	}
	return (u.Scheme != "http" && u.Scheme != "https") || u.Host == ""
}

// TruncateDay returns the UTC midnight of t's calendar date.
func TruncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD date.
func ParseDate(s string) (time.Time, error) {
	return time.Parse(DateLayout, s)
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}
