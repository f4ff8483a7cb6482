// Package lemmy publishes events to a Lemmy community.
package lemmy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Error is an adapter failure. Op names the step that failed.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return "lemmy " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func opError(op string, err error) error {
	var le *Error
	if errors.As(err, &le) {
		return err
	}
	return &Error{Op: op, Err: err}
}

// Client talks to the HTTP API of one Lemmy instance.
type Client struct {
	instance  string
	http      *http.Client
	jwt       string
	languages map[string]int
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.http = c }
}

// NewClient returns a client for the instance at instanceURL.
func NewClient(instanceURL string, opts ...ClientOption) *Client {
	c := &Client{
		instance: strings.TrimRight(instanceURL, "/"),
		http:     &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type language struct {
	ID   int    `json:"id"`
	Code string `json:"code"`
	Name string `json:"name"`
}

// Connect checks the instance is reachable and loads its language list.
func (c *Client) Connect(ctx context.Context) error {
	var site struct {
		AllLanguages []language `json:"all_languages"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v3/site", nil, &site); err != nil {
		return opError("connect", errors.Wrapf(err, "cannot connect to %s", c.instance))
	}
	c.languages = make(map[string]int, len(site.AllLanguages))
	for _, l := range site.AllLanguages {
		c.languages[l.Code] = l.ID
	}
	return nil
}

// Login authenticates the client.
func (c *Client) Login(ctx context.Context, user, password string) error {
	in := map[string]string{"username_or_email": user, "password": password}
	var out struct {
		JWT string `json:"jwt"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v3/user/login", in, &out); err != nil {
		return opError("login", errors.Wrapf(err, "cannot login %s into %s", user, c.instance))
	}
	if out.JWT == "" {
		return opError("login", errors.Errorf("cannot login %s into %s: no token returned", user, c.instance))
	}
	c.jwt = out.JWT
	return nil
}

// LanguageID returns the instance id of an ISO 639 code, or 0 (undetermined)
// when the code is empty or unknown.
func (c *Client) LanguageID(code string) int {
	if code == "" {
		return 0
	}
	id, ok := c.languages[code]
	if !ok {
		log.Warn().Str("langcode", code).Msg("language not known to the instance, posting as undetermined")
	}
	return id
}

// CommunityID resolves a community name, local or name@instance.
func (c *Client) CommunityID(ctx context.Context, name string) (int, error) {
	var out struct {
		CommunityView struct {
			Community struct {
				ID int `json:"id"`
			} `json:"community"`
		} `json:"community_view"`
	}
	path := "/api/v3/community?" + url.Values{"name": {name}}.Encode()
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return 0, opError("community", errors.Wrapf(err, "cannot find community %q", name))
	}
	if out.CommunityView.Community.ID == 0 {
		return 0, opError("community", errors.Errorf("cannot find community %q", name))
	}
	return out.CommunityView.Community.ID, nil
}

// UploadImage stores data in the instance's image host and returns its URL.
func (c *Client) UploadImage(ctx context.Context, name string, data []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="images[]"; filename="`+escapeQuotes(name)+`"`)
	h.Set("Content-Type", http.DetectContentType(data))
	part, err := mw.CreatePart(h)
	if err != nil {
		return "", opError("upload", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", opError("upload", err)
	}
	if err := mw.Close(); err != nil {
		return "", opError("upload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.instance+"/pictrs/image", &body)
	if err != nil {
		return "", opError("upload", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	var out struct {
		Msg   string `json:"msg"`
		Files []struct {
			File        string `json:"file"`
			DeleteToken string `json:"delete_token"`
		} `json:"files"`
	}
	if err := c.send(req, &out); err != nil {
		return "", opError("upload", errors.Wrapf(err, "cannot upload %s", name))
	}
	if len(out.Files) != 1 || out.Files[0].File == "" {
		return "", opError("upload", errors.Errorf("cannot upload %s: unexpected reply %q", name, out.Msg))
	}
	imgURL := c.instance + "/pictrs/image/" + out.Files[0].File
	log.Info().Str("url", imgURL).Str("size", humanize.Bytes(uint64(len(data)))).Msg("image uploaded")
	return imgURL, nil
}

// Post is the payload of a new post.
type Post struct {
	Name        string `json:"name"`
	CommunityID int    `json:"community_id"`
	URL         string `json:"url,omitempty"`
	Body        string `json:"body,omitempty"`
	NSFW        bool   `json:"nsfw"`
	LanguageID  int    `json:"language_id,omitempty"`
}

// CreatePost creates p and returns the ActivityPub id of the new post.
func (c *Client) CreatePost(ctx context.Context, p Post) (string, error) {
	var out struct {
		PostView struct {
			Post struct {
				ID   int    `json:"id"`
				ApID string `json:"ap_id"`
			} `json:"post"`
		} `json:"post_view"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v3/post", p, &out); err != nil {
		return "", opError("post", errors.Wrapf(err, "cannot create post %q in community %d", p.Name, p.CommunityID))
	}
	if out.PostView.Post.ApID == "" {
		return "", opError("post", errors.Errorf("cannot create post %q: empty reply", p.Name))
	}
	return out.PostView.Post.ApID, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.instance+path, body)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	if c.jwt != "" {
		req.Header.Set("Authorization", "Bearer "+c.jwt)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return errors.Errorf("status %d: %s", resp.StatusCode, apiErr.Error)
		}
		return errors.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	return errors.Wrap(json.NewDecoder(resp.Body).Decode(out), "decode reply")
}

func escapeQuotes(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}
