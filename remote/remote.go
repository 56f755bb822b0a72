// Package remote executes authenticated requests against the remote store,
// classifies outcomes into the syncerr taxonomy and retries transient
// failures with exponential backoff.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/jarmo-productory/ritemark-sync/log"
	"github.com/jarmo-productory/ritemark-sync/metrics"
	"github.com/jarmo-productory/ritemark-sync/syncerr"
	"github.com/jarmo-productory/ritemark-sync/tracing"
)

const maxResponseBody = 32 << 20

// CredentialSource yields the bearer credential for each attempt.
type CredentialSource interface {
	// AccessSecret returns a valid access secret, renewing if needed. An
	// offline-classified error means renewal could not reach its issuer; any
	// other error means the user must re-authenticate.
	AccessSecret(ctx context.Context) (string, error)
	// Invalidate discards the in-memory access secret.
	Invalidate()
}

// Reauthenticator prompts the user to sign in again.
type Reauthenticator interface {
	RequestReauthentication(ctx context.Context, cause error)
}

// ReauthenticatorFunc adapts a function to Reauthenticator.
type ReauthenticatorFunc func(ctx context.Context, cause error)

// RequestReauthentication calls f.
func (f ReauthenticatorFunc) RequestReauthentication(ctx context.Context, cause error) {
	f(ctx, cause)
}

// Options tune the retry loop and transport.
type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      time.Duration
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// DefaultOptions returns the production retry policy.
func DefaultOptions() Options {
	return Options{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Jitter:      500 * time.Millisecond,
		Timeout:     30 * time.Second,
	}
}

// Backoff returns the delay sequence between attempts. It stops after
// MaxAttempts-1 retries so the total attempt count never exceeds MaxAttempts.
func (o Options) Backoff() retry.Backoff {
	backoff := retry.NewExponential(o.BaseDelay)
	backoff = retry.WithCappedDuration(o.MaxDelay, backoff)

	if o.Jitter > 0 {
		backoff = retry.WithJitter(o.Jitter, backoff)
	}

	retries := max(o.MaxAttempts-1, 0)

	return retry.WithMaxRetries(uint64(retries), backoff)
}

// Request is one remote operation. Body is replayed on every attempt.
type Request struct {
	Op     string
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is a successful remote reply.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// DecodeJSON unmarshals the response body into out.
func (r *Response) DecodeJSON(out any) error {
	if err := json.Unmarshal(r.Body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}

// Client runs requests with credential injection and retry.
type Client struct {
	credentials CredentialSource
	reauth      Reauthenticator
	opts        Options
	httpClient  *http.Client
}

// New returns a client. reauth may be nil.
func New(credentials CredentialSource, reauth Reauthenticator, opts Options) *Client {
	defaults := DefaultOptions()

	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaults.MaxAttempts
	}

	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaults.BaseDelay
	}

	if opts.MaxDelay <= 0 {
		opts.MaxDelay = defaults.MaxDelay
	}

	if opts.Timeout <= 0 {
		opts.Timeout = defaults.Timeout
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = NewHTTPClient()
	}

	return &Client{
		credentials: credentials,
		reauth:      reauth,
		opts:        opts,
		httpClient:  httpClient,
	}
}

// Execute sends req, retrying retryable failures. The last error is returned
// unchanged once attempts are exhausted. Unauthenticated failures are never
// retried: the access secret is invalidated, one renewal is attempted and
// re-authentication is requested if that renewal fails.
func (c *Client) Execute(ctx context.Context, req *Request) (*Response, error) {
	ctx, span := tracing.StartSpan(ctx, "remote."+req.Op, "http.method", req.Method)
	defer span.End()

	ctx = log.WithValues(ctx, "op", req.Op)
	start := time.Now()

	var (
		response *Response
		lastErr  error
		attempts int
	)

	err := retry.Do(ctx, c.opts.Backoff(), func(ctx context.Context) error {
		attempts++

		resp, err := c.attempt(ctx, req)
		if err == nil {
			response = resp

			return nil
		}

		lastErr = err

		if syncerr.IsRetryable(err) {
			log.Debug(ctx, "Retrying remote call", "attempt", attempts, "error", err)
			metrics.RecordCounter(ctx, "remote_retries_total", 1, "op", req.Op)

			return retry.RetryableError(err)
		}

		return err
	})

	if err != nil && lastErr != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		err = lastErr
	}

	outcome := "success"
	if err != nil {
		outcome = "error"
		if kind, ok := syncerr.KindOf(err); ok {
			outcome = string(kind)
		}

		tracing.SetError(ctx, err)

		var classified *syncerr.Error
		if errors.As(err, &classified) && classified.Kind == syncerr.KindUnauthenticated {
			// A rejected secret gets one renewal; a missing one already had it.
			err = c.recoverCredentials(ctx, err, classified.Status == http.StatusUnauthorized)
		}
	} else {
		tracing.SetOK(ctx)
	}

	tracing.SetAttributes(ctx, "attempts", strconv.Itoa(attempts), "outcome", outcome)
	metrics.RecordCounter(ctx, "remote_requests_total", 1, "op", req.Op, "outcome", outcome)
	metrics.RecordDuration(ctx, "remote_request_duration_ms", start, "op", req.Op)

	if err != nil {
		return nil, err
	}

	return response, nil
}

// recoverCredentials drops the rejected secret and tries one renewal; a failed
// renewal asks the user to sign in again. A renewal that could not reach its
// issuer replaces cause so callers see the request as offline.
func (c *Client) recoverCredentials(ctx context.Context, cause error, renew bool) error {
	if renew {
		c.credentials.Invalidate()

		_, err := c.credentials.AccessSecret(ctx)
		if err == nil {
			log.Info(ctx, "Credential renewed after rejection; request not replayed")

			return cause
		}

		if syncerr.IsOffline(err) {
			log.Warn(ctx, "Credential renewal deferred until the issuer is reachable", "error", err)

			return err
		}
	}

	log.Warn(ctx, "Re-authentication required", "error", cause)

	if c.reauth != nil {
		c.reauth.RequestReauthentication(ctx, cause)
	}

	return cause
}

func (c *Client) attempt(ctx context.Context, req *Request) (*Response, error) {
	secret, err := c.credentials.AccessSecret(ctx)
	if syncerr.IsOffline(err) {
		return nil, err
	}

	if err != nil {
		return nil, &syncerr.Error{Kind: syncerr.KindUnauthenticated, Op: req.Op, Message: "no access credential available", Err: err}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, req.URL, body)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindInvalidRequest, req.Op, err)
	}

	for name, values := range req.Header {
		httpReq.Header[name] = values
	}

	httpReq.Header.Set("Authorization", "Bearer "+secret)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(ctx, attemptCtx, req.Op, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, classifyTransport(ctx, attemptCtx, req.Op, err)
	}

	if err := Classify(req.Op, resp.StatusCode, payload); err != nil {
		return nil, err
	}

	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: payload}, nil
}

func classifyTransport(parent, attemptCtx context.Context, op string, err error) error {
	switch {
	case parent.Err() != nil:
		return parent.Err()
	case errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
		return syncerr.Wrap(syncerr.KindTimeout, op, err)
	default:
		return syncerr.Wrap(syncerr.KindNetwork, op, err)
	}
}

// apiError is the remote store's JSON error body.
type apiError struct {
	Error struct {
		Message string `json:"message"`
		Errors  []struct {
			Reason string `json:"reason"`
		} `json:"errors"`
	} `json:"error"`
}

// Classify maps an HTTP status and body to nil (2xx) or a *syncerr.Error.
func Classify(op string, status int, body []byte) error {
	if status >= http.StatusOK && status < http.StatusMultipleChoices {
		return nil
	}

	var parsed apiError
	_ = json.Unmarshal(body, &parsed)

	classified := &syncerr.Error{Op: op, Status: status, Message: parsed.Error.Message}

	switch {
	case status == http.StatusUnauthorized:
		classified.Kind = syncerr.KindUnauthenticated
	case status == http.StatusForbidden && parsed.rateLimited():
		classified.Kind = syncerr.KindRateLimited
	case status == http.StatusForbidden:
		classified.Kind = syncerr.KindPermissionDenied
	case status == http.StatusNotFound:
		classified.Kind = syncerr.KindNotFound
	case status == http.StatusRequestTimeout:
		classified.Kind = syncerr.KindTimeout
	case status == http.StatusTooManyRequests:
		classified.Kind = syncerr.KindRateLimited
	case status >= http.StatusInternalServerError:
		classified.Kind = syncerr.KindServerError
	default:
		classified.Kind = syncerr.KindInvalidRequest
	}

	return classified
}

func (e *apiError) rateLimited() bool {
	for _, detail := range e.Error.Errors {
		if detail.Reason == "rateLimitExceeded" || detail.Reason == "userRateLimitExceeded" {
			return true
		}
	}

	return false
}
