// Package graph is a minimal client for a Graph-style ads API. It builds GET
// requests, decodes error bodies and exposes rate-limit signals so the
// governor can classify throttling without inspecting HTTP details.
package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultBaseURL    = "https://graph.facebook.com"
	defaultAPIVersion = "v19.0"
	maxResponseBytes  = 16 << 20
)

// Client issues authenticated GET requests against the upstream API.
type Client struct {
	BaseURL     string
	APIVersion  string
	AccessToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
	Clock       func() time.Time
}

// NewClient returns a client with defaults applied.
func NewClient(baseURL, apiVersion, accessToken string) *Client {
	base := strings.TrimSpace(baseURL)
	if base == "" {
		base = defaultBaseURL
	}
	version := strings.TrimSpace(apiVersion)
	if version == "" {
		version = defaultAPIVersion
	}

	return &Client{
		BaseURL:     base,
		APIVersion:  version,
		AccessToken: strings.TrimSpace(accessToken),
	}
}

// Get fetches path (for example "act_123/campaigns") with the given query
// parameters and returns the raw JSON body.
func (c *Client) Get(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	if c == nil {
		return nil, errors.New("graph client not configured")
	}
	if strings.TrimSpace(c.AccessToken) == "" {
		return nil, errors.New("access token is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	endpoint, err := c.endpoint(path, params)
	if err != nil {
		return nil, err
	}

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.AccessToken)

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close() // nolint:errcheck // best-effort cleanup

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, newAPIError(resp, body, c.now())
	}

	// Graph occasionally reports errors with a 200 status.
	var parsed errorBody
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		return nil, newAPIError(resp, body, c.now())
	}

	if !json.Valid(body) {
		return nil, errors.New("decode response: invalid JSON")
	}
	return json.RawMessage(body), nil
}

func (c *Client) endpoint(path string, params url.Values) (string, error) {
	base, err := url.Parse(strings.TrimRight(c.BaseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}

	clean := strings.Trim(strings.TrimSpace(path), "/")
	if clean == "" {
		return "", errors.New("path is required")
	}
	if strings.Contains(clean, "..") {
		return "", fmt.Errorf("invalid path %q", path)
	}

	segments := []string{strings.TrimRight(base.Path, "/")}
	if c.APIVersion != "" {
		segments = append(segments, c.APIVersion)
	}
	segments = append(segments, clean)
	base.Path = strings.Join(segments, "/")

	query := url.Values{}
	for key, values := range params {
		if strings.EqualFold(key, "access_token") {
			continue
		}
		for _, value := range values {
			query.Add(key, value)
		}
	}
	base.RawQuery = query.Encode()
	return base.String(), nil
}

func (c *Client) now() time.Time {
	if c != nil && c.Clock != nil {
		return c.Clock()
	}
	return time.Now().UTC()
}
