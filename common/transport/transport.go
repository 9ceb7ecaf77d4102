// Package transport implements the robust HTTP client used for every call
// between control-plane processes: bounded retries with exponential backoff,
// per-request timeouts, bearer-token auth, trace propagation, and a per-target
// circuit breaker.
//
// A remote installation or command poll that loses the network must neither
// block indefinitely nor stampede a recovering peer, so transient failures
// (connection errors, timeouts, 5xx) are retried with backoff while 4xx
// responses and serialization errors are returned immediately.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/bdobrica/Taicho/common/fault"
	"github.com/bdobrica/Taicho/common/retry"
	"github.com/bdobrica/Taicho/common/trace"
)

// NoRetries disables retries entirely; a zero MaxRetries selects the default.
const NoRetries = -1

// Defaults, overridable through Options.
const (
	DefaultMaxRetries       = 3
	DefaultBaseDelay        = time.Second
	DefaultMaxDelay         = 60 * time.Second
	DefaultTimeout          = 30 * time.Second
	DefaultFailureThreshold = 5
	DefaultCooldown         = 60 * time.Second
)

// maxResponseBytes caps response bodies to prevent memory exhaustion from a
// misbehaving peer.
const maxResponseBytes = 8 * 1024 * 1024

// Options configures a Client. The zero value gets the documented defaults.
type Options struct {
	// Token, when non-empty, is sent as "Authorization: Bearer <token>" on
	// every request.
	Token string
	// MaxRetries is the number of retries after the first attempt.
	// NoRetries disables retrying.
	MaxRetries int
	// BaseDelay is the backoff before the first retry; doubled per attempt.
	BaseDelay time.Duration
	// MaxDelay caps the backoff.
	MaxDelay time.Duration
	// Timeout bounds each request end-to-end unless the caller's context
	// carries an earlier deadline.
	Timeout time.Duration
	// FailureThreshold is the consecutive-failure count that opens a
	// target's circuit.
	FailureThreshold int
	// Cooldown is how long an open circuit stays open before half-opening.
	Cooldown time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxRetries == 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = DefaultFailureThreshold
	}
	if o.Cooldown <= 0 {
		o.Cooldown = DefaultCooldown
	}
	return o
}

// Response is the outcome of a completed HTTP exchange (any status < 500).
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// DecodeJSON unmarshals the response body into out.
func (r *Response) DecodeJSON(out any) error {
	if len(r.Body) == 0 {
		return fmt.Errorf("empty response body")
	}
	if err := json.Unmarshal(r.Body, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

// errorBody is the structured {error, kind} body peers return on failures.
type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// Client is the shared robust HTTP client. Safe for concurrent use.
type Client struct {
	opts       Options
	httpClient *http.Client
	breakers   *breakerSet
}

// New creates a Client with the given options.
func New(opts Options) *Client {
	opts = opts.withDefaults()
	return &Client{
		opts: opts,
		// Per-request deadlines come from contexts; no global client timeout.
		httpClient: &http.Client{},
		breakers:   newBreakerSet(opts.FailureThreshold, opts.Cooldown, nil),
	}
}

// Request performs one HTTP exchange against rawURL with retries and circuit
// breaking. body may be nil, a []byte used verbatim, or any JSON-marshalable
// value. Responses with status < 500 complete the request; 5xx and network
// failures are retried until the retry budget is spent.
func (c *Client) Request(ctx context.Context, method, rawURL string, body any, headers http.Header) (*Response, error) {
	payload, err := encodeBody(body)
	if err != nil {
		return nil, fault.Wrap(fault.BadRequest, err, "encode request body")
	}

	target, err := targetOf(rawURL)
	if err != nil {
		return nil, fault.Wrap(fault.BadRequest, err, "parse url %q", rawURL)
	}
	br := c.breakers.get(target)

	var resp *Response
	attempt := func() error {
		if err := br.allow(); err != nil {
			return fault.Wrap(fault.Transport, err, "target %s", target)
		}

		attemptCtx := ctx
		var cancel context.CancelFunc
		if _, ok := ctx.Deadline(); !ok {
			attemptCtx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
			defer cancel()
		}

		req, err := http.NewRequestWithContext(attemptCtx, method, rawURL, bytes.NewReader(payload))
		if err != nil {
			return fault.Wrap(fault.BadRequest, err, "build request")
		}
		for k, vs := range headers {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		if len(payload) > 0 && req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.opts.Token != "" {
			req.Header.Set("Authorization", "Bearer "+c.opts.Token)
		}
		trace.SetHeader(ctx, req)

		res, err := c.httpClient.Do(req)
		if err != nil {
			br.failure()
			return fault.Wrap(fault.Transport, err, "%s %s", method, rawURL)
		}
		defer res.Body.Close()

		data, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
		if err != nil {
			br.failure()
			return fault.Wrap(fault.Transport, err, "read response from %s", rawURL)
		}

		if res.StatusCode >= 500 {
			br.failure()
			return fault.New(fault.Transport, "%s %s returned %d", method, rawURL, res.StatusCode)
		}

		br.success()
		resp = &Response{StatusCode: res.StatusCode, Header: res.Header, Body: data}
		return nil
	}

	err = retry.Do(ctx, retry.Config{
		MaxAttempts: c.opts.MaxRetries + 1,
		BaseDelay:   c.opts.BaseDelay,
		MaxDelay:    c.opts.MaxDelay,
		ShouldRetry: isRetryable,
	}, attempt)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// isRetryable classifies transport failures as retryable except for an open
// circuit, which fails the request immediately.
func isRetryable(err error) bool {
	if errors.Is(err, ErrCircuitOpen) {
		return false
	}
	return fault.IsKind(err, fault.Transport)
}

// GetJSON performs a GET and decodes the JSON response into out.
// Status codes >= 400 are converted into kind-tagged errors.
func (c *Client) GetJSON(ctx context.Context, url string, out any) error {
	resp, err := c.Request(ctx, http.MethodGet, url, nil, nil)
	if err != nil {
		return err
	}
	return decodeOrError(resp, url, out)
}

// PostJSON performs a POST with a JSON body and decodes the JSON response
// into out (out may be nil).
func (c *Client) PostJSON(ctx context.Context, url string, in, out any) error {
	resp, err := c.Request(ctx, http.MethodPost, url, in, nil)
	if err != nil {
		return err
	}
	return decodeOrError(resp, url, out)
}

// decodeOrError maps error-status responses onto the fault taxonomy, trusting
// the peer's declared kind when it sends one.
func decodeOrError(resp *Response, url string, out any) error {
	if resp.StatusCode >= 400 {
		var eb errorBody
		if err := json.Unmarshal(resp.Body, &eb); err == nil && eb.Error != "" {
			kind := fault.Kind(eb.Kind)
			if kind == "" {
				kind = kindForStatus(resp.StatusCode)
			}
			return fault.New(kind, "%s → %d: %s", url, resp.StatusCode, eb.Error)
		}
		return fault.New(kindForStatus(resp.StatusCode), "%s → %d", url, resp.StatusCode)
	}
	if out != nil && len(resp.Body) > 0 {
		return resp.DecodeJSON(out)
	}
	return nil
}

func kindForStatus(status int) fault.Kind {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fault.Auth
	case http.StatusNotFound:
		return fault.NotFound
	case http.StatusConflict:
		return fault.Conflict
	case http.StatusServiceUnavailable:
		return fault.NoCapacity
	default:
		return fault.BadRequest
	}
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	default:
		return json.Marshal(body)
	}
}

// targetOf reduces a URL to its breaker key: scheme plus host.
func targetOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}
	return u.Scheme + "://" + u.Host, nil
}
