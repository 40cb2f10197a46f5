// Copyright 2020 Herman Slatman
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// 	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package lapi is a client for the CrowdSec Local API decisions endpoint,
// supporting two interchangeable request executors (a plain net/http
// round-tripper and a curl subprocess) and two auth modes (API key,
// mutual TLS).
package lapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/crowdsecurity/crowdsec/pkg/models"
)

const DefaultTimeout = 1 * time.Second

// APIError reports a non-2xx response from the Local API.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("lapi: unexpected status %d: %s", e.Status, e.Body)
}

// TimeoutError reports a request that exceeded its deadline.
type TimeoutError struct {
	Err error
}

func (e *TimeoutError) Error() string { return fmt.Sprintf("lapi: timed out: %v", e.Err) }
func (e *TimeoutError) Unwrap() error { return e.Err }

// Executor performs a single HTTP round trip. Both implementations in this
// package (httpExecutor, curlExecutor) satisfy it, letting the Client
// switch between them without otherwise changing its request-building or
// response-decoding logic.
type Executor interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client queries the Local API for decisions, by IP, by country, or as a
// streamed diff.
type Client struct {
	baseURL  *url.URL
	executor Executor
	timeout  time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithExecutor overrides the default net/http executor, e.g. with a curl
// subprocess executor or an auth-decorated one.
func WithExecutor(e Executor) Option {
	return func(c *Client) { c.executor = e }
}

// New constructs a Client against baseURL (the Local API's root, e.g.
// "http://127.0.0.1:8080/").
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("lapi: invalid base url: %w", err)
	}
	c := &Client{
		baseURL:  u,
		executor: NewHTTPExecutor(nil),
		timeout:  DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := *c.baseURL
	u.Path = joinPath(u.Path, path)
	if query != nil {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.executor.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &TimeoutError{Err: err}
		}
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{Status: resp.StatusCode, Body: string(body)}
	}

	return body, nil
}

func joinPath(base, rel string) string {
	if base == "" {
		return rel
	}
	if base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	if rel != "" && rel[0] != '/' {
		rel = "/" + rel
	}
	return base + rel
}

// GetDecisionsByIP returns the decisions currently active for ip, or an
// empty slice if the Local API reports none.
func (c *Client) GetDecisionsByIP(ctx context.Context, ip string) ([]*models.Decision, error) {
	body, err := c.get(ctx, "/v1/decisions", url.Values{"ip": {ip}})
	if err != nil {
		return nil, err
	}
	return decodeDecisions(body)
}

// GetDecisionsByRange returns the decisions currently active for a CIDR
// range.
func (c *Client) GetDecisionsByRange(ctx context.Context, cidr string) ([]*models.Decision, error) {
	body, err := c.get(ctx, "/v1/decisions", url.Values{"range": {cidr}})
	if err != nil {
		return nil, err
	}
	return decodeDecisions(body)
}

// GetDecisionsByCountry returns the decisions currently active scoped to a
// country code.
func (c *Client) GetDecisionsByCountry(ctx context.Context, country string) ([]*models.Decision, error) {
	body, err := c.get(ctx, "/v1/decisions", url.Values{"scope": {"Country"}, "value": {country}})
	if err != nil {
		return nil, err
	}
	return decodeDecisions(body)
}

func decodeDecisions(body []byte) ([]*models.Decision, error) {
	if len(body) == 0 || string(body) == "null" {
		return nil, nil
	}
	var decisions []*models.Decision
	if err := json.Unmarshal(body, &decisions); err != nil {
		return nil, fmt.Errorf("lapi: decoding decisions: %w", err)
	}
	return decisions, nil
}

// StreamResponse is the decoded body of a streamed decisions poll.
type StreamResponse struct {
	New     []*models.Decision `json:"new"`
	Deleted []*models.Decision `json:"deleted"`
}

// GetStreamedDecisions polls the streaming decisions endpoint. startup
// requests the full current decision set; subsequent, non-startup calls
// request only the diff since the last poll.
func (c *Client) GetStreamedDecisions(ctx context.Context, startup bool) (*StreamResponse, error) {
	query := url.Values{}
	if startup {
		query.Set("startup", "true")
	}
	body, err := c.get(ctx, "/v1/decisions/stream", query)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 || string(body) == "null" {
		return &StreamResponse{}, nil
	}
	var sr StreamResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, fmt.Errorf("lapi: decoding stream: %w", err)
	}
	return &sr, nil
}
