// Package backend is the HTTP client for the vocabulary backend service.
// Every call forwards the browser's session cookies and, on a 401, refreshes
// the session once before giving up.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// Session cookie names the backend may set, in lookup order.
var SessionCookies = []string{"auth-token", "accessToken", "token"}

// ErrSignedOut means the session could not be refreshed; the user must sign
// in again.
var ErrSignedOut = errors.New("session expired")

// APIError is a non-success response from the backend.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend: %d %s", e.Status, e.Message)
}

// Observer receives client-side measurements.
type Observer interface {
	ObserveBackend(method string, d time.Duration)
	RecordTokenRefresh(outcome string)
}

// Request describes one backend call.
type Request struct {
	Method      string
	Path        string
	Query       url.Values
	Body        []byte
	ContentType string
	Cookies     []*http.Cookie
	// Bearer adds an Authorization header built from the session cookie.
	Bearer bool
}

// JSON returns a request with v encoded as the body.
func JSON(method, path string, v any) (Request, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return Request{}, fmt.Errorf("encode %s %s: %w", method, path, err)
	}
	return Request{Method: method, Path: path, Body: body, ContentType: "application/json"}, nil
}

// Response is a successful backend response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	// SetCookies are cookies issued by a session refresh during the call.
	// They must be passed on to the browser.
	SetCookies []*http.Cookie
}

// Decode unmarshals the body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode backend response: %w", err)
	}
	return nil
}

// Client talks to the backend.
type Client struct {
	base *url.URL
	http *http.Client
	obs  Observer
}

// New returns a client for the backend at baseURL.
func New(baseURL string, httpClient *http.Client, obs Observer) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("backend url %q must be absolute", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{base: u, http: httpClient, obs: obs}, nil
}

// BaseURL returns the backend root.
func (c *Client) BaseURL() string { return c.base.String() }

// Do performs req. A 401 triggers one session refresh and one retry; a
// second 401 or any 403 yields ErrSignedOut. Other failures are *APIError.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	resp, err := c.send(ctx, req)
	if err != nil {
		return nil, err
	}
	switch resp.Status {
	case http.StatusForbidden:
		return nil, ErrSignedOut
	case http.StatusUnauthorized:
		if req.Path == refreshPath {
			return nil, ErrSignedOut
		}
		if credentialPaths[req.Path] {
			return checkStatus(resp)
		}
	default:
		return checkStatus(resp)
	}

	fresh, err := c.refresh(ctx, req.Cookies)
	if err != nil {
		return nil, err
	}
	req.Cookies = MergeCookies(req.Cookies, fresh)
	resp, err = c.send(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Status == http.StatusUnauthorized || resp.Status == http.StatusForbidden {
		return nil, ErrSignedOut
	}
	resp.SetCookies = fresh
	return checkStatus(resp)
}

const refreshPath = "/auth/refresh"

// credentialPaths answer 401 for bad credentials rather than an expired session.
var credentialPaths = map[string]bool{"/auth/login": true, "/auth/register": true}

func (c *Client) refresh(ctx context.Context, cookies []*http.Cookie) ([]*http.Cookie, error) {
	resp, err := c.send(ctx, Request{Method: http.MethodPost, Path: refreshPath, Cookies: cookies})
	if err != nil {
		c.recordRefresh("error")
		return nil, err
	}
	if resp.Status < 200 || resp.Status > 299 {
		c.recordRefresh("rejected")
		slog.Info("session refresh rejected", "status", resp.Status)
		return nil, ErrSignedOut
	}
	c.recordRefresh("ok")
	return (&http.Response{Header: resp.Header}).Cookies(), nil
}

func (c *Client) recordRefresh(outcome string) {
	if c.obs != nil {
		c.obs.RecordTokenRefresh(outcome)
	}
}

func (c *Client) send(ctx context.Context, req Request) (*Response, error) {
	u := *c.base
	// req.Path arrives with its segments already escaped.
	rawPath := c.base.EscapedPath() + "/" + strings.TrimLeft(req.Path, "/")
	p, err := url.PathUnescape(rawPath)
	if err != nil {
		return nil, fmt.Errorf("backend path %q: %w", req.Path, err)
	}
	u.Path, u.RawPath = p, rawPath
	if len(req.Query) > 0 {
		u.RawQuery = req.Query.Encode()
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build backend request: %w", err)
	}
	if req.ContentType != "" {
		hreq.Header.Set("Content-Type", req.ContentType)
	}
	hreq.Header.Set("Accept", "application/json")
	hreq.Header.Set("X-Request-ID", requestID(ctx))
	for _, ck := range req.Cookies {
		hreq.AddCookie(&http.Cookie{Name: ck.Name, Value: ck.Value})
	}
	if req.Bearer {
		if tok := BearerToken(req.Cookies); tok != "" {
			hreq.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	start := time.Now()
	hresp, err := c.http.Do(hreq)
	if c.obs != nil {
		c.obs.ObserveBackend(method, time.Since(start))
	}
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, req.Path, err)
	}
	defer hresp.Body.Close()
	data, err := io.ReadAll(hresp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s %s: %w", method, req.Path, err)
	}
	return &Response{Status: hresp.StatusCode, Header: hresp.Header, Body: data}, nil
}

func checkStatus(resp *Response) (*Response, error) {
	if resp.Status >= 200 && resp.Status <= 299 {
		return resp, nil
	}
	return nil, &APIError{Status: resp.Status, Message: errorMessage(resp.Body, resp.Status)}
}

// errorMessage pulls a human-readable message out of an error body.
func errorMessage(body []byte, status int) string {
	var e struct {
		Message any    `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil {
		switch m := e.Message.(type) {
		case string:
			if m != "" {
				return m
			}
		case []any:
			parts := make([]string, 0, len(m))
			for _, p := range m {
				parts = append(parts, fmt.Sprint(p))
			}
			if len(parts) > 0 {
				return strings.Join(parts, "; ")
			}
		}
		if e.Error != "" {
			return e.Error
		}
	}
	return http.StatusText(status)
}

// BearerToken returns the first session cookie value, or "".
func BearerToken(cookies []*http.Cookie) string {
	for _, name := range SessionCookies {
		for _, ck := range cookies {
			if ck.Name == name && ck.Value != "" {
				return ck.Value
			}
		}
	}
	return ""
}

// MergeCookies replaces cookies in base by name with those in fresh.
func MergeCookies(base, fresh []*http.Cookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(base)+len(fresh))
	seen := make(map[string]bool, len(fresh))
	for _, ck := range fresh {
		seen[ck.Name] = true
	}
	for _, ck := range base {
		if !seen[ck.Name] {
			out = append(out, ck)
		}
	}
	return append(out, fresh...)
}

// StatusOf maps err to the HTTP status a forwarder should answer with.
func StatusOf(err error) int {
	var apiErr *APIError
	switch {
	case errors.As(err, &apiErr):
		return apiErr.Status
	case errors.Is(err, ErrSignedOut):
		return http.StatusUnauthorized
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

// MessageOf returns the user-facing message for err.
func MessageOf(err error) string {
	var apiErr *APIError
	switch {
	case errors.As(err, &apiErr):
		return apiErr.Message
	case errors.Is(err, ErrSignedOut):
		return "Your session has expired. Please sign in again."
	}
	return "The service is unavailable. Please try again later."
}

// requestID returns the id chi assigned to the inbound request, so backend
// logs line up with ours. Calls made outside a request get a fresh id.
func requestID(ctx context.Context) string {
	if id := middleware.GetReqID(ctx); id != "" {
		return id
	}
	return uuid.NewString()
}
