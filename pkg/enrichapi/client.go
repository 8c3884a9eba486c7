// Package enrichapi is a client for contact enrichment services that speak a
// simple JSON lookup protocol: POST the known identifiers, receive an
// attribute bag.
package enrichapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// ErrNotFound is returned when the service has no record for the request.
var ErrNotFound = eris.New("enrichapi: not found")

// Client looks up a person by one identifying criterion.
type Client interface {
	Lookup(ctx context.Context, req LookupRequest) (*LookupResponse, error)
}

// LookupRequest carries the identifiers a lookup is keyed on. Empty fields
// are omitted from the request body.
type LookupRequest struct {
	Email       string `json:"email,omitempty"`
	LinkedInURL string `json:"linkedin_url,omitempty"`
	FirstName   string `json:"first_name,omitempty"`
	LastName    string `json:"last_name,omitempty"`
	Company     string `json:"company,omitempty"`
}

// LookupResponse is the service's answer.
type LookupResponse struct {
	Person   map[string]string `json:"person"`
	Verified bool              `json:"verified"`
	// Credits is the service's billing unit count for the call, if reported.
	Credits float64 `json:"credits,omitempty"`
}

// StatusError is returned for non-2xx responses other than 404.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("enrichapi: status %d: %s", e.StatusCode, e.Body)
}

// Option configures the client.
type Option func(*httpClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithPath overrides the lookup path (default /v1/people/lookup).
func WithPath(path string) Option {
	return func(c *httpClient) {
		c.path = path
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	path    string
	http    *http.Client
}

// NewClient creates a client for the service at baseURL.
func NewClient(baseURL, apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		path:    "/v1/people/lookup",
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Lookup(ctx context.Context, req LookupRequest) (*LookupResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "enrichapi: marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.path, bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "enrichapi: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "enrichapi: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, eris.Wrap(err, "enrichapi: read response")
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(respBody), 256)}
	}

	var out LookupResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, eris.Wrap(err, "enrichapi: decode response")
	}
	if len(out.Person) == 0 {
		return nil, ErrNotFound
	}
	return &out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
