// Package backend is the JSON-over-HTTP client for the trip guide service.
//
// Client satisfies the provider interfaces of the search, recommend and
// engagement packages so the controller can hand it to each of them.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rubiojr/tripguide/pkg/engagement"
	"github.com/rubiojr/tripguide/pkg/geo"
	"github.com/rubiojr/tripguide/pkg/logger"
	"github.com/rubiojr/tripguide/pkg/recommend"
)

var (
	// ErrNetwork covers transport failures and non-2xx responses.
	ErrNetwork = errors.New("backend unreachable")
	// ErrNotConfigured is returned by every call when no base URL is set.
	ErrNotConfigured = errors.New("backend not configured")
)

// StatusError is a non-2xx response. It matches ErrNetwork.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Code)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

func (e *StatusError) Is(target error) bool { return target == ErrNetwork }

var log = logger.Named("backend")

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 512

// Client talks to one backend.
type Client struct {
	base *url.URL
	http *http.Client
}

// New returns a client for baseURL. An empty baseURL yields a client whose
// calls fail with ErrNotConfigured.
func New(baseURL string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = 12 * time.Second
	}
	c := &Client{http: &http.Client{Timeout: timeout}}
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return c, nil
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("backend url %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend url %q: unsupported scheme", baseURL)
	}
	c.base = u
	return c, nil
}

// Enabled reports whether a base URL is configured.
func (c *Client) Enabled() bool { return c != nil && c.base != nil }

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if !c.Enabled() {
		return ErrNotConfigured
	}
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s %s: %v", ErrNetwork, method, path, err)
	}
	defer resp.Body.Close()
	log.Debug("%s %s -> %d (%s)", method, path, resp.StatusCode, time.Since(start).Truncate(time.Millisecond))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrNetwork, path, err)
	}
	return nil
}

type searchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

// Search implements search.Provider.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]geo.Landmark, error) {
	var out []geo.Landmark
	if err := c.do(ctx, http.MethodPost, "/landmarks/search", searchRequest{query, limit}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type recommendationsRequest struct {
	Origin      geo.Coordinate `json:"origin"`
	Destination geo.Coordinate `json:"destination"`
	MaxCount    int            `json:"maxCount"`
}

// Recommendations implements recommend.Fetcher.
func (c *Client) Recommendations(ctx context.Context, origin, destination geo.Coordinate, maxCount int) ([]recommend.Recommendation, error) {
	var out []recommend.Recommendation
	req := recommendationsRequest{Origin: origin, Destination: destination, MaxCount: maxCount}
	if err := c.do(ctx, http.MethodPost, "/route/recommendations", req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RateRoute implements recommend.Rater.
func (c *Client) RateRoute(ctx context.Context, r recommend.Rating) error {
	return c.do(ctx, http.MethodPost, "/route/rating", r, nil)
}

// Article is long-form content attached to a landmark.
type Article struct {
	ID      string           `json:"id"`
	Title   string           `json:"title"`
	Author  string           `json:"author"`
	Content string           `json:"content"`
	Score   engagement.Score `json:"score"`
}

// Article fetches one article.
func (c *Client) Article(ctx context.Context, id string) (Article, error) {
	var a Article
	if err := c.do(ctx, http.MethodGet, "/articles/"+url.PathEscape(id), nil, &a); err != nil {
		return Article{}, err
	}
	if a.ID == "" {
		a.ID = id
	}
	return a, nil
}

// ArticleSummary is one row of the article list.
type ArticleSummary struct {
	ID      string           `json:"id"`
	Title   string           `json:"title"`
	Author  string           `json:"author"`
	Snippet string           `json:"snippet"`
	Score   engagement.Score `json:"score"`
}

// Articles lists the published articles.
func (c *Client) Articles(ctx context.Context) ([]ArticleSummary, error) {
	var resp struct {
		Articles []ArticleSummary `json:"articles"`
	}
	if err := c.do(ctx, http.MethodGet, "/articles", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Articles, nil
}

type engagementRequest struct {
	SubjectID     string           `json:"subjectId"`
	TimeOnSubject int64            `json:"timeOnSubject"`
	Score         engagement.Score `json:"score"`
	UserID        string           `json:"userId"`
}

// SendEngagement implements engagement.Sender. Durations go out in
// milliseconds.
func (c *Client) SendEngagement(ctx context.Context, r engagement.Record) error {
	return c.do(ctx, http.MethodPost, "/engagement", engagementRequest{
		SubjectID:     r.SubjectID,
		TimeOnSubject: r.TimeOnSubject.Milliseconds(),
		Score:         r.Score,
		UserID:        r.UserID,
	}, nil)
}
