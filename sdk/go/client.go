package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"statboard/analytics"
	"statboard/core"
)

// Option configures the Client.
type Option func(*Client)

// Client provides typed access to the statboard HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	headers    http.Header
	now        func() time.Time
}

// NewClient constructs a new SDK client targeting the given baseURL (e.g., http://localhost:8080/api).
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("baseURL is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid baseURL: %w", err)
	}

	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Second},
		headers:    make(http.Header),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithHeader sets an arbitrary header applied to every call.
func WithHeader(k, v string) Option {
	return func(c *Client) {
		if k != "" {
			c.headers.Set(k, v)
		}
	}
}

// SubmitScore records a score and returns the user's entry.
func (c *Client) SubmitScore(ctx context.Context, user core.UserID, score int64) (core.Entry, error) {
	var e core.Entry
	q := url.Values{"score": {strconv.FormatInt(score, 10)}}
	err := c.userDo(ctx, http.MethodPost, user, "scores", q, nil, &e)
	return e, err
}

// ReconcileStatistics pushes a statistics snapshot for user.
func (c *Client) ReconcileStatistics(ctx context.Context, user core.UserID, stats core.Statistics) (core.Entry, error) {
	var e core.Entry
	err := c.userDo(ctx, http.MethodPut, user, "statistics", nil, stats, &e)
	return e, err
}

func (c *Client) GetEntry(ctx context.Context, user core.UserID) (core.Entry, error) {
	var e core.Entry
	err := c.userDo(ctx, http.MethodGet, user, "entry", nil, nil, &e)
	return e, err
}

func (c *Client) GetScore(ctx context.Context, user core.UserID) (int64, error) {
	var body struct {
		Score int64 `json:"score"`
	}
	err := c.userDo(ctx, http.MethodGet, user, "score", nil, nil, &body)
	return body.Score, err
}

func (c *Client) GetPosition(ctx context.Context, user core.UserID) (core.RankedEntry, error) {
	var r core.RankedEntry
	err := c.userDo(ctx, http.MethodGet, user, "position", nil, nil, &r)
	return r, err
}

// GetFriendEntries returns the entries of user and friends that exist.
func (c *Client) GetFriendEntries(ctx context.Context, user core.UserID, friends []core.UserID) ([]core.Entry, error) {
	ids := make([]string, len(friends))
	for i, f := range friends {
		ids[i] = strconv.FormatInt(int64(f), 10)
	}
	var out []core.Entry
	err := c.userDo(ctx, http.MethodGet, user, "friends", url.Values{"ids": {strings.Join(ids, ",")}}, nil, &out)
	return out, err
}

// GetRankWindow returns count entries from the 1-indexed position start.
func (c *Client) GetRankWindow(ctx context.Context, start, count int64) ([]core.RankedEntry, error) {
	q := url.Values{
		"start": {strconv.FormatInt(start, 10)},
		"count": {strconv.FormatInt(count, 10)},
	}
	var out []core.RankedEntry
	err := c.do(ctx, http.MethodGet, "/leaderboard", q, nil, &out)
	return out, err
}

func (c *Client) GetTop(ctx context.Context, n int64) ([]core.RankedEntry, error) {
	var out []core.RankedEntry
	err := c.do(ctx, http.MethodGet, "/leaderboard/top", url.Values{"n": {strconv.FormatInt(n, 10)}}, nil, &out)
	return out, err
}

// SessionAnalytics fetches the session-analytics feed.
func (c *Client) SessionAnalytics(ctx context.Context) ([]analytics.SessionRecord, error) {
	var out []analytics.SessionRecord
	err := c.do(ctx, http.MethodGet, "/session-analytics", nil, nil, &out)
	return out, err
}

// SessionAnalyticsOrSample fetches the feed and falls back to
// analytics.SampleSessions when it cannot be read. sample reports the fallback.
func (c *Client) SessionAnalyticsOrSample(ctx context.Context) (rows []analytics.SessionRecord, sample bool) {
	rows, err := c.SessionAnalytics(ctx)
	if err != nil {
		return analytics.SampleSessions(c.now()), true
	}
	return rows, false
}

// Health probes /healthz. An unhealthy server still yields a decoded status.
func (c *Client) Health(ctx context.Context) (HealthStatus, error) {
	var hs HealthStatus
	err := c.do(ctx, http.MethodGet, "/healthz", nil, nil, &hs)
	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusServiceUnavailable {
		return HealthStatus{Status: "unhealthy"}, nil
	}
	return hs, err
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, in, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	c.applyHeaders(req)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", core.ErrStorageUnavailable, err)
	}
	defer resp.Body.Close()

	return decodeJSON(resp, out)
}

func (c *Client) applyHeaders(r *http.Request) {
	for k, vals := range c.headers {
		for _, v := range vals {
			r.Header.Add(k, v)
		}
	}
}

func (c *Client) userDo(ctx context.Context, method string, user core.UserID, leaf string, q url.Values, in, out any) error {
	if user <= 0 {
		return ErrInvalidUserID
	}
	return c.do(ctx, method, "/users/"+strconv.FormatInt(int64(user), 10)+"/"+leaf, q, in, out)
}
