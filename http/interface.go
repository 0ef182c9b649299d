package http

import (
	"context"
	"encoding/json"
	"fmt"
	nethttp "net/http"
	"time"
)

// Client defines the REST client interface for making HTTP requests
type Client interface {
	Get(ctx context.Context, req *Request) (*Response, error)
	Post(ctx context.Context, req *Request) (*Response, error)
	Put(ctx context.Context, req *Request) (*Response, error)
	Patch(ctx context.Context, req *Request) (*Response, error)
	Delete(ctx context.Context, req *Request) (*Response, error)
	Do(ctx context.Context, method string, req *Request) (*Response, error)
}

// Request represents an HTTP request with all necessary data
type Request struct {
	// URL is absolute, or relative to the client's base URL.
	URL     string
	Headers map[string]string
	Body    []byte
	// JSON is encoded as the body when Body is nil.
	JSON any
	// Timeout bounds each attempt; zero uses the client default.
	Timeout time.Duration
	// Retry overrides the client retry policy for this request.
	Retry *RetryPolicy
}

// Response represents an HTTP response with tracking information
type Response struct {
	StatusCode int
	Body       []byte
	Headers    nethttp.Header
	// JSON holds the decoded body when Content-Type is JSON; otherwise Text holds it.
	JSON  any
	Text  string
	Stats Stats
}

// Decode unmarshals the JSON body into out.
func (r *Response) Decode(out any) error {
	if len(r.Body) == 0 {
		return fmt.Errorf("empty response body")
	}
	if err := json.Unmarshal(r.Body, out); err != nil {
		return fmt.Errorf("failed to decode response body: %w", err)
	}
	return nil
}

// Stats contains request execution statistics
type Stats struct {
	ElapsedTime time.Duration
	CallCount   int64
	Attempts    int
}

// RequestInterceptor is called before sending the request
type RequestInterceptor func(ctx context.Context, req *nethttp.Request) error

// ResponseInterceptor is called after receiving the response
type ResponseInterceptor func(ctx context.Context, req *nethttp.Request, resp *nethttp.Response) error

// TokenSource supplies bearer tokens. It must fail when no session exists.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Connectivity reports whether the process is online.
type Connectivity interface {
	Online() bool
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Config holds the REST client configuration
type Config struct {
	BaseURL              string
	Timeout              time.Duration
	Retry                RetryPolicy
	RequestInterceptors  []RequestInterceptor
	ResponseInterceptors []ResponseInterceptor
	DefaultHeaders       map[string]string
}
