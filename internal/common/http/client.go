// Package http provides the outbound HTTP client shared by the store, check
// endpoint and event-bus clients.
//
// Each call is a single attempt. Retrying is the scheduler's job: a failed
// call leaves its trigger due (or backed off) and the next tick tries again.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"polling-scheduler/internal/circuitbreaker"
	"polling-scheduler/internal/common/errors"
)

// maxErrorBody bounds how much of a failed response is copied into an error.
const maxErrorBody = 512

// ClientConfig holds HTTP client configuration
type ClientConfig struct {
	Timeout             time.Duration
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	Transport           http.RoundTripper
}

// DefaultClientConfig returns default HTTP client configuration
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:             30 * time.Second,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
}

// ClientOption is a function that modifies ClientConfig
type ClientOption func(*ClientConfig)

// WithTimeout sets the client timeout. Zero disables the per-call timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *ClientConfig) {
		c.Timeout = timeout
	}
}

// WithMaxIdleConnsPerHost sets the maximum number of idle connections per host
func WithMaxIdleConnsPerHost(max int) ClientOption {
	return func(c *ClientConfig) {
		c.MaxIdleConnsPerHost = max
	}
}

// WithTransport sets a custom transport
func WithTransport(transport http.RoundTripper) ClientOption {
	return func(c *ClientConfig) {
		c.Transport = transport
	}
}

// NewHTTPClient creates a new HTTP client with the given options
func NewHTTPClient(opts ...ClientOption) *http.Client {
	cfg := DefaultClientConfig()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	transport := cfg.Transport
	if transport == nil {
		transport = &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        cfg.MaxIdleConns,
			MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
			IdleConnTimeout:     cfg.IdleConnTimeout,
		}
	}

	return &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
	}
}

// RequestOptions describes one outbound request
type RequestOptions struct {
	Method  string
	URL     string
	Headers map[string]string
	// JSONBody, when non-nil, is marshalled and sent with a JSON content type.
	JSONBody interface{}
}

// Response is a fully read HTTP response
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Decode unmarshals the JSON body into dest
func (r *Response) Decode(dest interface{}) error {
	if len(bytes.TrimSpace(r.Body)) == 0 {
		return errors.ValidationError("empty response body")
	}
	if err := json.Unmarshal(r.Body, dest); err != nil {
		return errors.ValidationError(fmt.Sprintf("invalid JSON response: %v", err))
	}
	return nil
}

// Client wraps http.Client with an optional circuit breaker and a uniform
// error classification:
//   - transport failures and breaker rejections are connection errors
//   - 4xx responses are validation errors
//   - 5xx responses are internal errors
//
// Non-2xx errors carry the status code in their context under "status_code"
// and are returned together with the response so callers can read the body.
type Client struct {
	client  *http.Client
	breaker *circuitbreaker.GoBreakerAdapter
}

// NewClient creates a wrapped HTTP client
func NewClient(opts ...ClientOption) *Client {
	return &Client{client: NewHTTPClient(opts...)}
}

// NewClientFrom wraps an existing http.Client
func NewClientFrom(client *http.Client) *Client {
	if client == nil {
		client = NewHTTPClient()
	}
	return &Client{client: client}
}

// WithCircuitBreaker guards every call made by the client with breaker
func (c *Client) WithCircuitBreaker(breaker *circuitbreaker.GoBreakerAdapter) *Client {
	c.breaker = breaker
	return c
}

// Do performs a single request attempt
func (c *Client) Do(ctx context.Context, opts RequestOptions) (*Response, error) {
	var body []byte
	if opts.JSONBody != nil {
		encoded, err := json.Marshal(opts.JSONBody)
		if err != nil {
			return nil, errors.InternalError("failed to encode request body", err)
		}
		body = encoded
	}

	var response *Response
	call := func() error {
		var err error
		response, err = c.execute(ctx, opts, body)
		return err
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Execute(ctx, call)
	} else {
		err = call()
	}
	return response, err
}

func (c *Client) execute(ctx context.Context, opts RequestOptions, body []byte) (*Response, error) {
	start := time.Now()

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, opts.Method, opts.URL, bodyReader)
	if err != nil {
		return nil, errors.InternalError("failed to create request", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for key, value := range opts.Headers {
		req.Header.Set(key, value)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.ConnectionError(fmt.Sprintf("%s %s failed", opts.Method, redact(req)), err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.ConnectionError("failed to read response body", err)
	}

	response := &Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       responseBody,
		Duration:   time.Since(start),
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return response, nil
	}

	msg := fmt.Sprintf("HTTP %d from %s %s: %s", resp.StatusCode, opts.Method, redact(req), truncate(responseBody))
	var statusErr *errors.AppError
	if resp.StatusCode >= 500 {
		statusErr = errors.InternalError(msg, nil)
	} else {
		statusErr = errors.ValidationError(msg)
	}
	return response, statusErr.WithContext("status_code", resp.StatusCode)
}

// StatusCode extracts the HTTP status recorded on an error returned by Do, or 0.
func StatusCode(err error) int {
	var appErr *errors.AppError
	if !errors.As(err, &appErr) {
		return 0
	}
	code, _ := appErr.Context["status_code"].(int)
	return code
}

// redact drops the query string, which may carry filter values, and the path
// of the event-bus URL, which carries the ingestion key.
func redact(req *http.Request) string {
	return req.URL.Scheme + "://" + req.URL.Host
}

func truncate(body []byte) string {
	if len(body) > maxErrorBody {
		return string(body[:maxErrorBody]) + "..."
	}
	return string(body)
}
