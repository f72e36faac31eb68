// Package client is a typed HTTP client for the path memory surface served
// by pathmemory/httpapi. Calls are never retried here; wrap them with a
// resilience.RetryConfig (see Retrying) when transient failures matter.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jllopis/synod/pkg/errors"
	"github.com/jllopis/synod/pkg/pathmemory"
	"github.com/jllopis/synod/pkg/pathmemory/httpapi"
	"github.com/jllopis/synod/pkg/resilience"
)

// Client talks to a path memory server as one principal.
type Client struct {
	BaseURL     string
	Principal   string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, principal string) *Client {
	return &Client{
		BaseURL:   baseURL,
		Principal: principal,
		Timeout:   10 * time.Second,
	}
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
}

// RecordPath records sig under target as kind.
func (c *Client) RecordPath(ctx context.Context, target string, kind pathmemory.Kind, sig pathmemory.Signature) (pathmemory.Signature, error) {
	body := httpapi.RecordRequest{
		Actor:     c.Principal,
		Target:    target,
		Kind:      string(kind),
		Signature: httpapi.FromSignature(sig),
	}
	var resp httpapi.SignatureBody
	if err := c.do(ctx, http.MethodPost, "paths/record", body, &resp); err != nil {
		return pathmemory.Signature{}, err
	}
	return resp.ToSignature(), nil
}

// QueryPaths queries similar signatures under target.
func (c *Client) QueryPaths(ctx context.Context, target string, kind pathmemory.Kind, sig pathmemory.Signature, threshold float64) ([]pathmemory.Match, error) {
	body := httpapi.QueryRequest{
		Actor:     c.Principal,
		Target:    target,
		Kind:      string(kind),
		Signature: httpapi.FromSignature(sig),
		Threshold: threshold,
	}
	var resp httpapi.QueryResponse
	if err := c.do(ctx, http.MethodPost, "paths/query", body, &resp); err != nil {
		return nil, err
	}
	out := make([]pathmemory.Match, 0, len(resp.Matches))
	for _, m := range resp.Matches {
		out = append(out, pathmemory.Match{Similarity: m.Similarity, Signature: m.Signature.ToSignature()})
	}
	return out, nil
}

// Put stores key=value in principal's scope.
func (c *Client) Put(ctx context.Context, principal, scope, key, value string) error {
	return c.do(ctx, http.MethodPost, scopePath(principal, scope), httpapi.PutValueRequest{Key: key, Value: value}, nil)
}

// Get reads key from principal's scope.
func (c *Client) Get(ctx context.Context, principal, scope, key string) (string, error) {
	var resp httpapi.ValueResponse
	if err := c.do(ctx, http.MethodGet, scopePath(principal, scope)+"/"+url.PathEscape(key), nil, &resp); err != nil {
		return "", err
	}
	return resp.Value, nil
}

// ScopeHash returns the integrity hash of principal's scope.
func (c *Client) ScopeHash(ctx context.Context, principal, scope string) (string, error) {
	var resp httpapi.HashResponse
	if err := c.do(ctx, http.MethodGet, scopePath(principal, scope)+"/hash", nil, &resp); err != nil {
		return "", err
	}
	return resp.Hash, nil
}

// Retrying returns a view of c whose calls are wrapped with rc.
func (c *Client) Retrying(rc resilience.RetryConfig) *RetryingClient {
	return &RetryingClient{Client: c, Retry: rc}
}

// RetryingClient retries transient failures. Authorization and not-found
// responses are returned immediately.
type RetryingClient struct {
	*Client
	Retry resilience.RetryConfig
}

func (r *RetryingClient) QueryPaths(ctx context.Context, target string, kind pathmemory.Kind, sig pathmemory.Signature, threshold float64) ([]pathmemory.Match, error) {
	return resilience.DoWithResult(ctx, r.Retry, func() ([]pathmemory.Match, error) {
		return r.Client.QueryPaths(ctx, target, kind, sig, threshold)
	})
}

func (r *RetryingClient) Get(ctx context.Context, principal, scope, key string) (string, error) {
	return resilience.DoWithResult(ctx, r.Retry, func() (string, error) {
		return r.Client.Get(ctx, principal, scope, key)
	})
}

func (r *RetryingClient) ScopeHash(ctx context.Context, principal, scope string) (string, error) {
	return resilience.DoWithResult(ctx, r.Retry, func() (string, error) {
		return r.Client.ScopeHash(ctx, principal, scope)
	})
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.Principal != "":
		req.Header.Set(httpapi.PrincipalHeader, c.Principal)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// decodeError maps the server envelope back onto synod error codes so
// callers can branch with errors.Is.
func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(resp.Body)
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.Unmarshal(raw, &env)
	apiErr := &APIError{StatusCode: resp.StatusCode, Code: env.Error.Code, Message: env.Error.Message}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return errors.New(errors.CodeUnauthorized, apiErr.Message, apiErr)
	case http.StatusNotFound:
		return errors.New(errors.CodeNotFound, apiErr.Message, apiErr)
	case http.StatusBadRequest:
		return errors.New(errors.CodeInvalidInput, apiErr.Message, apiErr)
	default:
		return errors.New(errors.CodeStorage, apiErr.Message, apiErr)
	}
}

func scopePath(principal, scope string) string {
	return url.PathEscape(principal) + "/" + url.PathEscape(scope)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
