package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/geosync/internal/geo"
)

// DefaultTimeout bounds API requests when no timeout is configured.
const DefaultTimeout = 30 * time.Second

// StatusError is returned when the primary answers with a non-2xx status.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %d %s", e.URL, e.Code, http.StatusText(e.Code))
}

// ClientOptions configure a Client.
type ClientOptions struct {
	// URL is the primary's base URL, e.g. "https://primary.example.com".
	URL string

	// Token is sent as a bearer token when set.
	Token string

	// Timeout bounds each API request. Blob downloads are bounded by their
	// context only.
	Timeout time.Duration

	HTTPClient *http.Client
}

// Client talks to the primary's Geo API.
type Client struct {
	base    *url.URL
	token   string
	timeout time.Duration
	http    *http.Client
}

// NewClient validates opts and creates a Client.
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("transport: primary url is required")
	}
	base, err := url.Parse(strings.TrimRight(opts.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("transport: invalid primary url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("transport: unsupported primary url scheme %q", base.Scheme)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	return &Client{base: base, token: opts.Token, timeout: opts.Timeout, http: opts.HTTPClient}, nil
}

// Events returns up to limit events of type t with ids greater than afterID.
func (c *Client) Events(ctx context.Context, t geo.ResourceType, afterID int64, limit int) ([]geo.Event, error) {
	var body struct {
		Events []geo.Event `json:"events"`
	}
	q := url.Values{
		"type":  {string(t)},
		"after": {strconv.FormatInt(afterID, 10)},
		"limit": {strconv.Itoa(limit)},
	}
	if err := c.getJSON(ctx, "/api/geo/events", q, &body); err != nil {
		return nil, fmt.Errorf("events %s: %w", t, err)
	}
	for i := range body.Events {
		if body.Events[i].Resource.Type == "" {
			body.Events[i].Resource.Type = t
		}
	}
	return body.Events, nil
}

// LatestEventID returns the id of the newest event of type t.
func (c *Client) LatestEventID(ctx context.Context, t geo.ResourceType) (int64, error) {
	var body struct {
		ID int64 `json:"id"`
	}
	if err := c.getJSON(ctx, "/api/geo/events/latest", url.Values{"type": {string(t)}}, &body); err != nil {
		return 0, fmt.Errorf("latest event %s: %w", t, err)
	}
	return body.ID, nil
}

// Resources lists resources of type t last touched at or before
// upToEventID, with ids greater than afterID.
func (c *Client) Resources(ctx context.Context, t geo.ResourceType, upToEventID, afterID int64, limit int) ([]geo.Resource, error) {
	var body struct {
		Resources []geo.Resource `json:"resources"`
	}
	q := url.Values{
		"type":  {string(t)},
		"up_to": {strconv.FormatInt(upToEventID, 10)},
		"after": {strconv.FormatInt(afterID, 10)},
		"limit": {strconv.Itoa(limit)},
	}
	if err := c.getJSON(ctx, "/api/geo/resources", q, &body); err != nil {
		return nil, fmt.Errorf("resources %s: %w", t, err)
	}
	for i := range body.Resources {
		if body.Resources[i].Type == "" {
			body.Resources[i].Type = t
		}
	}
	return body.Resources, nil
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, v any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.get(ctx, path, q)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// get issues an authenticated GET and returns the response if it is 2xx.
// The caller closes the body.
func (c *Client) get(ctx context.Context, path string, q url.Values) (*http.Response, error) {
	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("User-Agent", "geosync")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &StatusError{Code: resp.StatusCode, URL: u.Redacted()}
	}
	return resp, nil
}
