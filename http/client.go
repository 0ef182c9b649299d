package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	nethttp "net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gaborage/go-bricks-datalayer/http/internal/tracking"
	"github.com/gaborage/go-bricks-datalayer/logger"
	reqtrace "github.com/gaborage/go-bricks-datalayer/trace"
)

const (
	// DefaultTimeout is the default per-attempt timeout
	DefaultTimeout = 30 * time.Second

	tracerName = "go-bricks-datalayer/http"
)

// outcome classifies one attempt.
type outcome int

const (
	outcomeOK outcome = iota
	outcomeRetryable
	outcomeFatal
)

// attemptResult is the value produced by one attempt of the retry loop.
type attemptResult struct {
	outcome outcome
	resp    *Response
	err     *RequestError
}

// client implements the Client interface
type client struct {
	httpClient           *nethttp.Client
	logger               logger.Logger
	config               *Config
	requestInterceptors  []RequestInterceptor
	responseInterceptors []ResponseInterceptor
	connectivity         Connectivity
	sleep                Sleeper
	tracer               trace.Tracer
	callCount            int64
}

// NewClient creates a new REST client with default configuration
func NewClient(log logger.Logger) Client {
	return NewBuilder(log).Build()
}

// Builder provides a fluent interface for configuring the REST client
type Builder struct {
	config       *Config
	logger       logger.Logger
	transport    nethttp.RoundTripper
	connectivity Connectivity
	sleep        Sleeper
}

// NewBuilder creates a new client builder
func NewBuilder(log logger.Logger) *Builder {
	return &Builder{
		config: &Config{
			Timeout:              DefaultTimeout,
			Retry:                DefaultRetryPolicy(),
			RequestInterceptors:  []RequestInterceptor{},
			ResponseInterceptors: []ResponseInterceptor{},
			DefaultHeaders: map[string]string{
				"Accept": "application/json",
			},
		},
		logger: logger.OrNop(log),
	}
}

// WithBaseURL sets the prefix joined to relative request URLs
func (b *Builder) WithBaseURL(baseURL string) *Builder {
	b.config.BaseURL = strings.TrimRight(baseURL, "/")
	return b
}

// WithTimeout sets the per-attempt timeout
func (b *Builder) WithTimeout(timeout time.Duration) *Builder {
	b.config.Timeout = timeout
	return b
}

// WithRetryPolicy replaces the retry policy
func (b *Builder) WithRetryPolicy(policy RetryPolicy) *Builder {
	b.config.Retry = policy
	return b
}

// WithRetries sets attempt count and base delay, keeping the other policy fields
func (b *Builder) WithRetries(maxAttempts int, baseDelay time.Duration) *Builder {
	b.config.Retry.MaxAttempts = maxAttempts
	b.config.Retry.BaseDelay = baseDelay
	return b
}

// WithDefaultHeader adds a default header that will be sent with all requests
func (b *Builder) WithDefaultHeader(key, value string) *Builder {
	b.config.DefaultHeaders[key] = value
	return b
}

// WithRequestInterceptor adds a request interceptor
func (b *Builder) WithRequestInterceptor(interceptor RequestInterceptor) *Builder {
	b.config.RequestInterceptors = append(b.config.RequestInterceptors, interceptor)
	return b
}

// WithResponseInterceptor adds a response interceptor
func (b *Builder) WithResponseInterceptor(interceptor ResponseInterceptor) *Builder {
	b.config.ResponseInterceptors = append(b.config.ResponseInterceptors, interceptor)
	return b
}

// WithTokenSource adds an interceptor that sends "Authorization: Bearer <token>".
// A token failure aborts the request without retrying.
func (b *Builder) WithTokenSource(src TokenSource) *Builder {
	return b.WithRequestInterceptor(BearerTokenInterceptor(src))
}

// WithConnectivity makes every failure retryable while the monitor reports offline
func (b *Builder) WithConnectivity(c Connectivity) *Builder {
	b.connectivity = c
	return b
}

// WithSleeper replaces the backoff wait, mainly for tests
func (b *Builder) WithSleeper(s Sleeper) *Builder {
	b.sleep = s
	return b
}

// WithTransport sets the underlying round tripper
func (b *Builder) WithTransport(rt nethttp.RoundTripper) *Builder {
	b.transport = rt
	return b
}

// Build creates the REST client with the configured options
func (b *Builder) Build() Client {
	sleep := b.sleep
	if sleep == nil {
		sleep = sleepContext
	}
	b.config.Retry = b.config.Retry.normalized()
	return &client{
		httpClient: &nethttp.Client{
			Transport: b.transport,
		},
		logger:               b.logger.Component("http"),
		config:               b.config,
		requestInterceptors:  append([]RequestInterceptor{RequestIDInterceptor()}, b.config.RequestInterceptors...),
		responseInterceptors: b.config.ResponseInterceptors,
		connectivity:         b.connectivity,
		sleep:                sleep,
		tracer:               otel.Tracer(tracerName),
	}
}

// Get performs a GET request
func (c *client) Get(ctx context.Context, req *Request) (*Response, error) {
	return c.Do(ctx, nethttp.MethodGet, req)
}

// Post performs a POST request
func (c *client) Post(ctx context.Context, req *Request) (*Response, error) {
	return c.Do(ctx, nethttp.MethodPost, req)
}

// Put performs a PUT request
func (c *client) Put(ctx context.Context, req *Request) (*Response, error) {
	return c.Do(ctx, nethttp.MethodPut, req)
}

// Patch performs a PATCH request
func (c *client) Patch(ctx context.Context, req *Request) (*Response, error) {
	return c.Do(ctx, nethttp.MethodPatch, req)
}

// Delete performs a DELETE request
func (c *client) Delete(ctx context.Context, req *Request) (*Response, error) {
	return c.Do(ctx, nethttp.MethodDelete, req)
}

// Do performs an HTTP request with the specified method. Attempts run until one
// succeeds, a failure is fatal, or the policy's attempts are exhausted. Caller
// cancellation stops the loop immediately with a CancelledError.
func (c *client) Do(ctx context.Context, method string, req *Request) (*Response, error) {
	if err := c.validateRequest(req); err != nil {
		return nil, err
	}
	body, err := requestBody(req)
	if err != nil {
		return nil, err
	}

	url := c.resolveURL(req.URL)
	policy := c.config.Retry
	if req.Retry != nil {
		policy = req.Retry.normalized()
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.config.Timeout
	}

	ctx, span := c.tracer.Start(ctx, "HTTP "+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("url.full", url),
		))
	defer span.End()

	start := time.Now()
	callCount := atomic.AddInt64(&c.callCount, 1)

	var last attemptResult
	attempts := 0
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		attempts++
		last = c.attempt(ctx, method, url, req.Headers, body, timeout, policy)
		if last.outcome != outcomeRetryable || attempt == policy.MaxAttempts-1 {
			break
		}

		delay := policy.Backoff(attempt)
		c.logger.Warn().
			Str("method", method).
			Str("url", url).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Err(last.err).
			Msg("REST client retrying request")
		tracking.RecordRetry(ctx, method)

		if err := c.sleep(ctx, delay); err != nil {
			last = attemptResult{outcome: outcomeFatal, err: NewCancelledError(err)}
			break
		}
	}

	elapsed := time.Since(start)
	span.SetAttributes(attribute.Int("http.request.resend_count", attempts-1))
	if last.resp != nil {
		last.resp.Stats = Stats{ElapsedTime: elapsed, CallCount: callCount, Attempts: attempts}
		span.SetAttributes(attribute.Int("http.response.status_code", last.resp.StatusCode))
	}

	if last.outcome == outcomeOK {
		c.logResponse(method, url, last.resp)
		tracking.RecordRequest(ctx, method, last.resp.StatusCode, "", elapsed)
		return last.resp, nil
	}

	reqErr := last.err.withRequest(method, url)
	reqErr.Retryable = last.outcome == outcomeRetryable
	reqErr.Response = last.resp
	span.RecordError(reqErr)
	span.SetStatus(codes.Error, reqErr.Message)
	tracking.RecordRequest(ctx, method, reqErr.Status, string(reqErr.ErrType), elapsed)

	if reqErr.ErrType != CancelledError {
		c.logger.Error().
			Str("method", method).
			Str("url", url).
			Int("status", reqErr.Status).
			Int("attempts", attempts).
			Dur("elapsed", elapsed).
			Err(reqErr).
			Msg("REST client request failed")
	}
	return last.resp, reqErr
}

// attempt sends one request and classifies the result.
func (c *client) attempt(ctx context.Context, method, url string, headers map[string]string, body []byte, timeout time.Duration, policy RetryPolicy) attemptResult {
	if err := ctx.Err(); err != nil {
		return attemptResult{outcome: outcomeFatal, err: NewCancelledError(err)}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, reqErr := c.buildRequest(attemptCtx, method, url, headers, body)
	if reqErr != nil {
		return attemptResult{outcome: outcomeFatal, err: reqErr}
	}

	c.logRequest(method, url, headers, body)
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return c.parentDone(ctxErr, timeout)
		}
		var failure *RequestError
		if c.isTimeout(err) {
			failure = NewTimeoutError("request timeout", timeout)
		} else {
			failure = NewNetworkError("request execution failed", err)
		}
		return attemptResult{outcome: c.classify(policy.retryableKind(failure.ErrType)), err: failure}
	}

	resp, reqErr := c.buildResponse(attemptCtx, httpReq, httpResp)
	if reqErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return c.parentDone(ctxErr, timeout)
		}
		if reqErr.ErrType == InterceptorError {
			return attemptResult{outcome: outcomeFatal, err: reqErr}
		}
		return attemptResult{outcome: c.classify(policy.retryableKind(reqErr.ErrType)), err: reqErr}
	}

	if IsSuccessStatus(resp.StatusCode) {
		return attemptResult{outcome: outcomeOK, resp: resp}
	}

	failure := NewHTTPError(fmt.Sprintf("HTTP request failed with status %d", resp.StatusCode), resp.StatusCode, resp.Body)
	return attemptResult{outcome: c.classify(policy.retryableStatus(resp.StatusCode)), resp: resp, err: failure}
}

// parentDone converts the caller's context ending into a fatal result.
func (c *client) parentDone(ctxErr error, timeout time.Duration) attemptResult {
	if errors.Is(ctxErr, context.DeadlineExceeded) {
		return attemptResult{outcome: outcomeFatal, err: NewTimeoutError("caller deadline exceeded", timeout)}
	}
	return attemptResult{outcome: outcomeFatal, err: NewCancelledError(ctxErr)}
}

// classify turns a retryability decision into an outcome; offline makes any failure retryable.
func (c *client) classify(retryable bool) outcome {
	if retryable || (c.connectivity != nil && !c.connectivity.Online()) {
		return outcomeRetryable
	}
	return outcomeFatal
}

// validateRequest validates the request before sending
func (c *client) validateRequest(req *Request) error {
	if req == nil {
		return NewValidationError("request cannot be nil", "request")
	}
	if req.URL == "" {
		return NewValidationError("URL cannot be empty", "url")
	}
	if req.Body != nil && req.JSON != nil {
		return NewValidationError("set either Body or JSON, not both", "body")
	}
	return nil
}

func requestBody(req *Request) ([]byte, error) {
	if req.JSON == nil {
		return req.Body, nil
	}
	data, err := json.Marshal(req.JSON)
	if err != nil {
		return nil, NewValidationError(fmt.Sprintf("failed to encode JSON body: %v", err), "json")
	}
	return data, nil
}

func (c *client) resolveURL(u string) string {
	if c.config.BaseURL == "" || strings.Contains(u, "://") {
		return u
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return c.config.BaseURL + u
}

// applyHeaders applies headers to the HTTP request
func (c *client) applyHeaders(httpReq *nethttp.Request, headers map[string]string, hasBody bool) {
	// Apply default headers first
	for key, value := range c.config.DefaultHeaders {
		httpReq.Header.Set(key, value)
	}

	// Apply request-specific headers (these override defaults)
	for key, value := range headers {
		httpReq.Header.Set(key, value)
	}

	// Set Content-Type if not already set and body is present
	if httpReq.Header.Get("Content-Type") == "" && hasBody {
		httpReq.Header.Set("Content-Type", "application/json")
	}
}

// buildRequest constructs an *http.Request, applies headers, and runs request interceptors.
func (c *client) buildRequest(ctx context.Context, method, url string, headers map[string]string, body []byte) (*nethttp.Request, *RequestError) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	httpReq, err := nethttp.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, NewValidationError(fmt.Sprintf("failed to create HTTP request: %v", err), "url")
	}

	c.applyHeaders(httpReq, headers, body != nil)

	if err := c.runRequestInterceptors(ctx, httpReq); err != nil {
		return nil, NewInterceptorError("request interceptor failed", "request", err)
	}
	return httpReq, nil
}

// buildResponse runs response interceptors, reads and decodes the body.
func (c *client) buildResponse(ctx context.Context, httpReq *nethttp.Request, httpResp *nethttp.Response) (*Response, *RequestError) {
	defer httpResp.Body.Close()

	if err := c.runResponseInterceptors(ctx, httpReq, httpResp); err != nil {
		return nil, NewInterceptorError("response interceptor failed", "response", err)
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, NewNetworkError("failed to read response body", err)
	}

	resp := &Response{
		StatusCode: httpResp.StatusCode,
		Body:       respBody,
		Headers:    httpResp.Header,
	}
	c.decodeBody(resp)
	return resp, nil
}

// decodeBody parses JSON bodies into resp.JSON; anything else, including
// malformed JSON, is exposed as text.
func (c *client) decodeBody(resp *Response) {
	if len(resp.Body) == 0 {
		return
	}
	if strings.Contains(strings.ToLower(resp.Headers.Get("Content-Type")), "json") {
		var v any
		if err := json.Unmarshal(resp.Body, &v); err == nil {
			resp.JSON = v
			return
		}
		c.logger.Warn().Int("status", resp.StatusCode).Msg("REST client received malformed JSON body")
	}
	resp.Text = string(resp.Body)
}

func (c *client) isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// runRequestInterceptors executes all request interceptors
func (c *client) runRequestInterceptors(ctx context.Context, req *nethttp.Request) error {
	for _, interceptor := range c.requestInterceptors {
		if err := interceptor(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

// runResponseInterceptors executes all response interceptors
func (c *client) runResponseInterceptors(ctx context.Context, req *nethttp.Request, resp *nethttp.Response) error {
	for _, interceptor := range c.responseInterceptors {
		if err := interceptor(ctx, req, resp); err != nil {
			return err
		}
	}
	return nil
}

// logRequest logs the outgoing request
func (c *client) logRequest(method, url string, headers map[string]string, body []byte) {
	logEvent := c.logger.Debug().
		Str("direction", "outbound").
		Str("method", method).
		Str("url", url)

	if len(headers) > 0 {
		logEvent.Interface("headers", headers)
	}

	if len(body) > 0 {
		logEvent.Int("body_bytes", len(body))
	}

	logEvent.Msg("REST client request")
}

// logResponse logs the incoming response
func (c *client) logResponse(method, url string, resp *Response) {
	c.logger.Info().
		Str("direction", "inbound").
		Str("method", method).
		Str("url", url).
		Int("status", resp.StatusCode).
		Dur("elapsed", resp.Stats.ElapsedTime).
		Int("attempts", resp.Stats.Attempts).
		Int64("call_count", resp.Stats.CallCount).
		Msg("REST client response")
}

// BearerTokenInterceptor sets "Authorization: Bearer <token>" from src.
func BearerTokenInterceptor(src TokenSource) RequestInterceptor {
	return func(ctx context.Context, req *nethttp.Request) error {
		token, err := src.Token(ctx)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		return nil
	}
}

// RequestIDInterceptor propagates the context request id as X-Request-ID,
// generating one when the context has none.
func RequestIDInterceptor() RequestInterceptor {
	return func(ctx context.Context, req *nethttp.Request) error {
		if req.Header.Get(reqtrace.HeaderXRequestID) == "" {
			req.Header.Set(reqtrace.HeaderXRequestID, reqtrace.EnsureRequestID(ctx))
		}
		if tp, ok := reqtrace.ParentFromContext(ctx); ok && req.Header.Get(reqtrace.HeaderTraceParent) == "" {
			req.Header.Set(reqtrace.HeaderTraceParent, tp)
		}
		return nil
	}
}
