package lemmy

import (
	"context"
	"path"
	"time"

	"github.com/bryan-buckman/otdposter/internal/media"
	"github.com/bryan-buckman/otdposter/internal/model"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// MaxTitleLength is the longest post title the instance accepts.
const MaxTitleLength = 199

// PostRetries is the number of post creation attempts.
const PostRetries = 3

// Credentials identify the account and the community posts go to.
type Credentials struct {
	User      string
	Password  string
	Community string
}

// Publisher turns stored events into posts. It logs in once and reuses the
// session for every post.
type Publisher struct {
	client      *Client
	creds       Credentials
	maxDim      int
	retryWait   time.Duration
	loggedIn    bool
	communityID int
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithImageMaxDimension scales uploaded images down to fit in a square of
// the given side.
func WithImageMaxDimension(px int) PublisherOption {
	return func(p *Publisher) { p.maxDim = px }
}

// WithRetryWait sets the pause between post creation attempts.
func WithRetryWait(wait time.Duration) PublisherOption {
	return func(p *Publisher) { p.retryWait = wait }
}

// NewPublisher returns a publisher posting through client.
func NewPublisher(client *Client, creds Credentials, opts ...PublisherOption) *Publisher {
	p := &Publisher{client: client, creds: creds, retryWait: 5 * time.Second}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Publisher) login(ctx context.Context) error {
	if p.loggedIn {
		return nil
	}
	if err := p.client.Connect(ctx); err != nil {
		return err
	}
	if err := p.client.Login(ctx, p.creds.User, p.creds.Password); err != nil {
		return err
	}
	p.loggedIn = true
	return nil
}

// Publish posts rec and returns the URL of the new post.
func (p *Publisher) Publish(ctx context.Context, rec model.StoredEvent) (string, error) {
	if err := p.login(ctx); err != nil {
		return "", err
	}
	ev := rec.Event
	if rec.NeedsImageUpload() {
		imgURL, err := p.uploadImage(ctx, rec)
		if err != nil {
			return "", err
		}
		ev.BaseEventImgURL = ""
		ev.ImgSrc = &imgURL
	}
	link := ev.ImageURL()
	if link == "" {
		link = ev.EventURL()
	}
	post := Post{
		Name:       ev.NiceTitle(MaxTitleLength),
		URL:        link,
		Body:       ev.Content(),
		NSFW:       ev.NSFW,
		LanguageID: p.client.LanguageID(ev.Langcode),
	}

	for attempt := 1; ; attempt++ {
		url, err := p.createPost(ctx, post)
		if err == nil {
			return url, nil
		}
		if attempt == PostRetries {
			return "", err
		}
		log.Warn().Err(err).Int("attempt", attempt).Int("of", PostRetries).Str("slug", ev.SlugTitle).Msg("creating post failed")
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(p.retryWait):
		}
	}
}

func (p *Publisher) createPost(ctx context.Context, post Post) (string, error) {
	if p.communityID == 0 {
		id, err := p.client.CommunityID(ctx, p.creds.Community)
		if err != nil {
			return "", err
		}
		p.communityID = id
	}
	post.CommunityID = p.communityID
	return p.client.CreatePost(ctx, post)
}

// uploadImage uploads the stored image blob, scaled down when configured.
func (p *Publisher) uploadImage(ctx context.Context, rec model.StoredEvent) (string, error) {
	name := path.Base(*rec.Event.ImgSrc)
	data, err := media.Fit(rec.Image.Blob, name, p.maxDim)
	if err != nil {
		log.Warn().Err(err).Str("slug", rec.Event.SlugTitle).Msg("cannot scale image, uploading as is")
		data = rec.Image.Blob
	}
	imgURL, err := p.client.UploadImage(ctx, name, data)
	if err != nil {
		return "", errors.Wrapf(err, "image of %s", rec.Event.SlugTitle)
	}
	return imgURL, nil
}
