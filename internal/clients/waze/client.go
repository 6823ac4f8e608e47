package waze

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPDoer is the subset of *http.Client the feed client needs
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client downloads the partner traffic feed
type Client struct {
	feedURL    string
	httpClient HTTPDoer
}

// NewClient creates a feed client with its own HTTP client
func NewClient(feedURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return NewClientWithHTTPDoer(feedURL, &http.Client{Timeout: timeout})
}

// NewClientWithHTTPDoer creates a feed client using the given HTTP implementation
func NewClientWithHTTPDoer(feedURL string, doer HTTPDoer) *Client {
	return &Client{
		feedURL:    feedURL,
		httpClient: doer,
	}
}

// FetchFeed downloads and parses the current feed snapshot
func (c *Client) FetchFeed(ctx context.Context) (*Feed, error) {
	if c.feedURL == "" {
		return nil, fmt.Errorf("feed URL is not configured")
	}

	req, err := http.NewRequestWithContext(ctx, "GET", c.feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == 429 {
		return nil, fmt.Errorf("rate limit exceeded")
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("feed error %d: %s", resp.StatusCode, string(body))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return ParseFeed(data)
}
