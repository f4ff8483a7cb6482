package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Raw is an event as a loose field mapping, as returned by the backend.
type Raw map[string]any

// Field names of the raw event schema.
const (
	FieldID          = "id"
	FieldTitle       = "title"
	FieldSlugTitle   = "slugTitle"
	FieldOTD         = "otd"
	FieldDescription = "description"
	FieldImgAltText  = "imgAltText"
	FieldNSFW        = "NSFW"
	FieldImgSrc      = "imgSrc"
	FieldDate        = "date"
	FieldLinks       = "links"
	FieldTags        = "tags"
	FieldDay         = "day"
	FieldMonth       = "month"

	FieldLangcode        = "langcode"
	FieldBaseEventURL    = "base_event_url"
	FieldBaseEventImgURL = "base_event_img_url"
)

// expectedFields must be present in every backend record.
var expectedFields = []string{
	FieldID, FieldTitle, FieldSlugTitle, FieldOTD, FieldDescription, FieldImgAltText,
	FieldNSFW, FieldImgSrc, FieldDate, FieldLinks, FieldTags, FieldDay, FieldMonth,
}

// optionalFields are recognized but their absence is not reported.
var optionalFields = []string{FieldLangcode, FieldBaseEventURL, FieldBaseEventImgURL}

// Options carry values that are not part of the backend record.
type Options struct {
	BaseEventURL    string
	BaseEventImgURL string
	ForceLangcode   string
}

// Diagnostics lists the anomalies found while building an event. They are
// warnings: the event is still built from whatever fields are usable.
type Diagnostics struct {
	Missing    []string
	Unexpected []string
	Problems   []string
}

// Empty reports whether nothing was noticed.
func (d Diagnostics) Empty() bool {
	return len(d.Missing) == 0 && len(d.Unexpected) == 0 && len(d.Problems) == 0
}

// Messages renders every diagnostic as one line.
func (d Diagnostics) Messages() []string {
	var out []string
	for _, k := range d.Missing {
		out = append(out, fmt.Sprintf("key %q missing", k))
	}
	for _, k := range d.Unexpected {
		out = append(out, fmt.Sprintf("unexpected key %q", k))
	}
	return append(out, d.Problems...)
}

func (d *Diagnostics) problemf(format string, args ...any) {
	d.Problems = append(d.Problems, fmt.Sprintf(format, args...))
}

// NewEvent builds an Event from a raw field mapping. Missing and unknown keys
// are reported in the returned Diagnostics. An unparsable date or id is an
// error.
func NewEvent(raw Raw, opts Options) (Event, Diagnostics, error) {
	var diag Diagnostics
	for _, k := range expectedFields {
		if _, ok := raw[k]; !ok {
			diag.Missing = append(diag.Missing, k)
		}
	}
	for k := range raw {
		if !slices.Contains(expectedFields, k) && !slices.Contains(optionalFields, k) {
			diag.Unexpected = append(diag.Unexpected, k)
		}
	}
	sort.Strings(diag.Unexpected)

	ev := Event{
		Title:           stringField(raw, FieldTitle, &diag),
		SlugTitle:       stringField(raw, FieldSlugTitle, &diag),
		OTD:             stringField(raw, FieldOTD, &diag),
		Description:     stringField(raw, FieldDescription, &diag),
		ImgAltText:      nullableStringField(raw, FieldImgAltText, &diag),
		NSFW:            boolField(raw, FieldNSFW, &diag),
		ImgSrc:          nullableStringField(raw, FieldImgSrc, &diag),
		Links:           stringsField(raw, FieldLinks, &diag),
		Tags:            stringsField(raw, FieldTags, &diag),
		Langcode:        stringField(raw, FieldLangcode, &diag),
		BaseEventURL:    firstNonEmpty(opts.BaseEventURL, stringField(raw, FieldBaseEventURL, &diag)),
		BaseEventImgURL: firstNonEmpty(opts.BaseEventImgURL, stringField(raw, FieldBaseEventImgURL, &diag)),
	}
	if opts.ForceLangcode != "" {
		ev.Langcode = opts.ForceLangcode
	}

	if s := stringField(raw, FieldID, &diag); s != "" {
		id, err := ParseEventID(s)
		if err != nil {
			return Event{}, diag, err
		}
		ev.ID = id
	}

	month, hasMonth := intField(raw, FieldMonth, &diag)
	day, hasDay := intField(raw, FieldDay, &diag)
	ev.Month, ev.Day = month, day

	if s := stringField(raw, FieldDate, &diag); s != "" {
		date, err := ParseDate(s)
		if err != nil {
			return Event{}, diag, errors.Wrapf(err, "event %q: bad date", ev.SlugTitle)
		}
		ev.Date = date
		if hasMonth && month != int(date.Month()) {
			diag.problemf("month %d does not match date %s", month, s)
		}
		if hasDay && day != date.Day() {
			diag.problemf("day %d does not match date %s", day, s)
		}
		ev.Month, ev.Day = int(date.Month()), date.Day()
	}
	return ev, diag, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func stringField(raw Raw, key string, diag *Diagnostics) string {
	p := nullableStringField(raw, key, diag)
	if p == nil {
		return ""
	}
	return *p
}

func nullableStringField(raw Raw, key string, diag *Diagnostics) *string {
	v, ok := raw[key]
	if !ok || v == nil {
		return nil
	}
	switch t := v.(type) {
	case string:
		return &t
	case fmt.Stringer:
		s := t.String()
		return &s
	}
	diag.problemf("key %q: expected string, got %T", key, v)
	return nil
}

func boolField(raw Raw, key string, diag *Diagnostics) bool {
	v, ok := raw[key]
	if !ok || v == nil {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, err := strconv.ParseBool(t)
		if err == nil {
			return b
		}
	}
	diag.problemf("key %q: expected boolean, got %v", key, v)
	return false
}

func intField(raw Raw, key string, diag *Diagnostics) (int, bool) {
	v, ok := raw[key]
	if !ok || v == nil {
		return 0, false
	}
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return int(n), true
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
			return n, true
		}
	}
	diag.problemf("key %q: expected integer, got %v", key, v)
	return 0, false
}

func stringsField(raw Raw, key string, diag *Diagnostics) []string {
	out := []string{}
	v, ok := raw[key]
	if !ok || v == nil {
		return out
	}
	switch t := v.(type) {
	case []string:
		return append(out, t...)
	case []any:
		for i, item := range t {
			s, ok := item.(string)
			if !ok {
				diag.problemf("key %q[%d]: expected string, got %T", key, i, item)
				continue
			}
			out = append(out, s)
		}
		return out
	}
	diag.problemf("key %q: expected list, got %T", key, v)
	return out
}

// EventURL is the canonical URL of the event.
func (e Event) EventURL() string {
	return e.BaseEventURL + e.SlugTitle
}

// ImageURL is the absolute image URL, or "" when the event has no image.
func (e Event) ImageURL() string {
	if e.ImgSrc == nil || *e.ImgSrc == "" {
		return ""
	}
	return e.BaseEventImgURL + *e.ImgSrc
}

// HasImage reports whether ImageURL is non-empty.
func (e Event) HasImage() bool {
	return e.ImageURL() != ""
}

// Equal reports whether both events carry the same content.
func (e Event) Equal(o Event) bool {
	return e.ID == o.ID &&
		e.Title == o.Title &&
		e.SlugTitle == o.SlugTitle &&
		e.OTD == o.OTD &&
		e.Description == o.Description &&
		equalStringPtr(e.ImgAltText, o.ImgAltText) &&
		e.NSFW == o.NSFW &&
		equalStringPtr(e.ImgSrc, o.ImgSrc) &&
		e.Date.Equal(o.Date) &&
		slices.Equal(e.Links, o.Links) &&
		slices.Equal(e.Tags, o.Tags) &&
		e.Day == o.Day &&
		e.Month == o.Month &&
		e.Langcode == o.Langcode &&
		e.BaseEventURL == o.BaseEventURL &&
		e.BaseEventImgURL == o.BaseEventImgURL
}

func equalStringPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Hash is a content hash consistent with Equal.
func (e Event) Hash() string {
	b, _ := json.Marshal(e)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

type eventJSON struct {
	ID              string   `json:"id"`
	Title           string   `json:"title"`
	SlugTitle       string   `json:"slugTitle"`
	OTD             string   `json:"otd"`
	Description     string   `json:"description"`
	ImgAltText      *string  `json:"imgAltText"`
	NSFW            bool     `json:"NSFW"`
	ImgSrc          *string  `json:"imgSrc"`
	Date            string   `json:"date"`
	Links           []string `json:"links"`
	Tags            []string `json:"tags"`
	Day             int      `json:"day"`
	Month           int      `json:"month"`
	Langcode        string   `json:"langcode"`
	BaseEventURL    string   `json:"base_event_url"`
	BaseEventImgURL string   `json:"base_event_img_url"`
}

// MarshalJSON implements json.Marshaler with a stable field order.
func (e Event) MarshalJSON() ([]byte, error) {
	out := eventJSON{
		Title:           e.Title,
		SlugTitle:       e.SlugTitle,
		OTD:             e.OTD,
		Description:     e.Description,
		ImgAltText:      e.ImgAltText,
		NSFW:            e.NSFW,
		ImgSrc:          e.ImgSrc,
		Links:           e.Links,
		Tags:            e.Tags,
		Day:             e.Day,
		Month:           e.Month,
		Langcode:        e.Langcode,
		BaseEventURL:    e.BaseEventURL,
		BaseEventImgURL: e.BaseEventImgURL,
	}
	if !e.ID.IsZero() {
		out.ID = e.ID.String()
	}
	if !e.Date.IsZero() {
		out.Date = e.Date.Format(DateLayout)
	}
	if out.Links == nil {
		out.Links = []string{}
	}
	if out.Tags == nil {
		out.Tags = []string{}
	}
	return json.Marshal(out)
}

// JSON renders the event as indented JSON.
func (e Event) JSON() (string, error) {
	b, err := json.MarshalIndent(e, "", "    ")
	if err != nil {
		return "", errors.Wrap(err, "marshal event")
	}
	return string(b), nil
}
