// Package http provides the data layer's REST client: request/response
// interceptors, default headers, bearer tokens, request id propagation, and
// a retry loop with exponential backoff and jitter.
//
// Retries
//   - Controlled by a RetryPolicy (Builder.WithRetryPolicy, or Request.Retry per call).
//   - An attempt is retried while attempts remain and the failure is retryable:
//   - the HTTP status is in RetryableStatuses (default 408, 429, 500, 502, 503, 504)
//   - the failure kind is in RetryableKinds (default network and timeout)
//   - the connectivity monitor reports offline
//   - Interceptor and validation failures are never retried.
//
// Backoff Strategy
//   - Delay before retry n is min(MaxDelay, BaseDelay * BackoffFactor^n).
//   - Uniform jitter in [0, 10% of that delay) is added.
//
// Cancellation
//   - Timeout bounds each attempt; the caller's context bounds the whole call.
//   - Cancelling the caller's context stops the loop at once and returns a
//     CancelledError (errs.KindCancelled). No retry follows a cancellation.
//
// Responses
//   - Bodies with a JSON Content-Type are decoded into Response.JSON;
//     everything else is exposed as Response.Text.
package http
