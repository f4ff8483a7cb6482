// Package media downloads event images and prepares them for upload.
package media

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/disintegration/imaging"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// UserAgent is sent with image downloads; some image hosts reject unknown
// clients.
const UserAgent = "Mozilla/5.0 (X11; Linux x86_64; rv:128.0) Gecko/20100101 Firefox/128.0"

// MaxImageBytes caps the size of a downloaded image.
const MaxImageBytes = 20 << 20

// Downloader fetches image bytes over HTTP.
type Downloader struct {
	client  *http.Client
	retries int
	wait    time.Duration
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Downloader) { d.client = c }
}

// WithRetryWait sets the pause before a retry.
func WithRetryWait(wait time.Duration) Option {
	return func(d *Downloader) { d.wait = wait }
}

// NewDownloader returns a downloader that retries a failed download once.
func NewDownloader(opts ...Option) *Downloader {
	d := &Downloader{
		client:  &http.Client{Timeout: 30 * time.Second},
		retries: 1,
		wait:    2 * time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Load downloads url.
func (d *Downloader) Load(ctx context.Context, url string) ([]byte, error) {
	var err error
	for attempt := 0; attempt <= d.retries; attempt++ {
		if attempt > 0 {
			log.Warn().Err(err).Int("attempt", attempt).Str("url", url).Msg("retrying image download")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(d.wait):
			}
		}
		var data []byte
		if data, err = d.get(ctx, url); err == nil {
			return data, nil
		}
	}
	return nil, err
}

func (d *Downloader) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("User-Agent", UserAgent)
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "download %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("download %s: status %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxImageBytes+1))
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", url)
	}
	if len(data) > MaxImageBytes {
		return nil, errors.Errorf("download %s: larger than %s", url, humanize.IBytes(MaxImageBytes))
	}
	return data, nil
}

// Fit scales the image in data down so that neither side exceeds maxDim,
// keeping its aspect ratio. name selects the output encoding. Images that
// already fit, and a maxDim of zero or less, return data unchanged.
func Fit(data []byte, name string, maxDim int) ([]byte, error) {
	if maxDim <= 0 {
		return data, nil
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.Wrap(err, "decode image")
	}
	b := img.Bounds()
	if b.Dx() <= maxDim && b.Dy() <= maxDim {
		return data, nil
	}

	format, err := imaging.FormatFromFilename(name)
	if err != nil {
		format = imaging.JPEG
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, imaging.Fit(img, maxDim, maxDim, imaging.Lanczos), format); err != nil {
		return nil, errors.Wrap(err, "encode image")
	}
	log.Debug().
		Str("from", humanize.Bytes(uint64(len(data)))).
		Str("to", humanize.Bytes(uint64(buf.Len()))).
		Int("max", maxDim).
		Msg("image scaled down")
	return buf.Bytes(), nil
}
