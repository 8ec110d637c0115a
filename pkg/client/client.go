// Package client is a typed HTTP client for the propledger API. It decodes
// the same pkg/api types the server encodes.
package client

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

	"propledger/pkg/api"
)

// DefaultTimeout bounds a single request when no http.Client is supplied.
const DefaultTimeout = 30 * time.Second

// Error is a non-2xx response.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("propledger: %d %s", e.StatusCode, e.Message)
}

// IsUnauthorized reports whether err is a 401 response.
func IsUnauthorized(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}

// Client calls the API at a base URL. A Client is safe for concurrent use;
// WithToken returns a copy bound to a bearer token.
type Client struct {
	base  *url.URL
	http  *http.Client
	token string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// New returns a client for baseURL, e.g. "http://localhost:8080".
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url %q must be http or https", baseURL)
	}
	c := &Client{base: u, http: &http.Client{Timeout: DefaultTimeout}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// WithToken returns a copy of c that sends token as a bearer credential.
func (c *Client) WithToken(token string) *Client {
	dup := *c
	dup.token = token
	return &dup
}

// Login exchanges credentials for a token.
func (c *Client) Login(ctx context.Context, email, password string) (api.LoginResponse, error) {
	var out api.LoginResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/auth/login", nil, api.LoginRequest{Email: email, Password: password}, &out)
	return out, err
}

// Me validates the bound token and returns its session.
func (c *Client) Me(ctx context.Context) (api.LoginResponse, error) {
	var out api.LoginResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/auth/me", nil, nil, &out)
	return out, err
}

// DashboardSummary returns per-property totals for the token's tenant.
func (c *Client) DashboardSummary(ctx context.Context) (api.DashboardSummary, error) {
	var out api.DashboardSummary
	err := c.do(ctx, http.MethodGet, "/api/v1/dashboard/summary", nil, nil, &out)
	return out, err
}

// TotalRevenue returns all-time revenue for a property.
func (c *Client) TotalRevenue(ctx context.Context, propertyID string) (api.RevenueSummary, error) {
	var out api.RevenueSummary
	q := url.Values{"property_id": {propertyID}}
	err := c.do(ctx, http.MethodGet, "/api/v1/dashboard/revenue", q, nil, &out)
	return out, err
}

// MonthlyRevenue returns revenue for a property in one calendar month.
func (c *Client) MonthlyRevenue(ctx context.Context, propertyID string, month, year int) (api.RevenueSummary, error) {
	var out api.RevenueSummary
	q := url.Values{
		"property_id": {propertyID},
		"month":       {strconv.Itoa(month)},
		"year":        {strconv.Itoa(year)},
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/dashboard/revenue", q, nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = query.Encode()

	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e api.ErrorResponse
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&e); err != nil || e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &Error{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
