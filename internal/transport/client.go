// Package transport implements the HTTP client agents use to reach the
// controller: bearer auth, TLS, bounded retries, and trace propagation.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fleetlab/slm/internal/telemetry"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultMaxAttempts = 3
	dialTimeout        = 15 * time.Second
	maxErrorBody       = 4 << 10
)

// StatusError is returned for non-2xx responses, carrying the server's
// status code and error message.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Code)
	}
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

// Options configures a Client.
type Options struct {
	BaseURL     string
	Token       string
	Insecure    bool          // skip TLS verification, explicit opt-in only
	Timeout     time.Duration // per-call budget including retries
	MaxAttempts int           // total send attempts, default 3
	Logger      zerolog.Logger
}

// Client is a retrying JSON client. Retries are safe here because every
// route it serves is idempotent on the controller side: heartbeats upsert,
// event syncs deduplicate by event ID, code-sync replaces.
type Client struct {
	base        string
	token       string
	http        *http.Client
	timeout     time.Duration
	maxAttempts int
	log         zerolog.Logger
}

// NewClient validates the base URL and builds the underlying transport.
func NewClient(opts Options) (*Client, error) {
	u, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", opts.BaseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid base URL %q: scheme must be http or https", opts.BaseURL)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}

	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if opts.Insecure {
		tlsCfg.InsecureSkipVerify = true
	}
	base := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: dialTimeout}).DialContext,
		TLSClientConfig:     tlsCfg,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        16,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		base:        strings.TrimRight(u.String(), "/"),
		token:       opts.Token,
		timeout:     opts.Timeout,
		maxAttempts: opts.MaxAttempts,
		log:         opts.Logger.With().Str("component", "transport").Logger(),
		http: &http.Client{
			Transport: otelhttp.NewTransport(base,
				otelhttp.WithPropagators(telemetry.Propagator())),
		},
	}, nil
}

// GetJSON fetches path and decodes the response into out.
func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out, c.timeout)
}

// PostJSON posts in as JSON and decodes the response into out (out may be
// nil to discard the body).
func (c *Client) PostJSON(ctx context.Context, path string, in, out any) error {
	return c.PostJSONWithTimeout(ctx, path, in, out, c.timeout)
}

// PostJSONWithTimeout is PostJSON with a non-default call budget, for
// long-running routes such as large event syncs.
func (c *Client) PostJSONWithTimeout(ctx context.Context, path string, in, out any, timeout time.Duration) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, body, out, timeout)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any, timeout time.Duration) error {
	if _, ok := ctx.Deadline(); !ok && timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	attempt := 0
	operation := func() error {
		attempt++
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			c.log.Debug().Err(err).Str("path", path).Int("attempt", attempt).Msg("request failed")
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if out == nil {
				_, _ = io.Copy(io.Discard, resp.Body)
				return nil
			}
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
			}
			return nil
		}

		serr := readStatusError(resp)
		if retryableStatus(resp.StatusCode) {
			c.log.Debug().Int("status", resp.StatusCode).Str("path", path).Int("attempt", attempt).Msg("retryable response")
			return serr
		}
		return backoff.Permanent(serr)
	}

	boff := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(time.Second),
			backoff.WithMultiplier(2),
			backoff.WithMaxInterval(60*time.Second),
			backoff.WithMaxElapsedTime(0),
		),
		uint64(c.maxAttempts-1),
	), ctx)

	return backoff.Retry(operation, boff)
}

// retryableStatus: transient server trouble only. Client errors (auth,
// validation, not found) will not improve on a resend.
func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests
}

func readStatusError(resp *http.Response) *StatusError {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	serr := &StatusError{Code: resp.StatusCode}
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		serr.Message = body.Error
	} else {
		serr.Message = strings.TrimSpace(string(data))
	}
	return serr
}
