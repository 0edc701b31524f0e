// Package serverapi is the client's HTTP transport to the ContextMate
// server: upload/download/list/delete over bearer or API-key auth, with a
// bounded retry policy for transient failures.
package serverapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sethvargo/go-retry"

	cmerrors "contextmate/internal/errors"
)

// FileMeta is one entry in list()/list_since() results.
type FileMeta struct {
	Path          string `json:"path"`
	Version       int64  `json:"version"`
	EncryptedHash string `json:"encrypted_hash"`
	Size          int64  `json:"size"`
	UpdatedAt     int64  `json:"updated_at"`
}

// UploadResult carries the server-assigned version after a successful
// upload.
type UploadResult struct {
	NewVersion int64 `json:"version"`
}

// Client is a thin, retrying HTTP client bound to one base URL and one
// credential.
type Client struct {
	baseURL    string
	credential string // bearer token or scoped API key, sent as-is
	http       *http.Client
	maxRetries uint64
	baseDelay  time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying http.Client (for tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRetryPolicy overrides the retry attempt count and base backoff delay.
func WithRetryPolicy(maxRetries uint64, baseDelay time.Duration) Option {
	return func(c *Client) { c.maxRetries = maxRetries; c.baseDelay = baseDelay }
}

// New creates a Client against baseURL, authenticating every request with
// credential (a bearer session token or a scoped API key).
func New(baseURL, credential string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		credential: credential,
		http:       &http.Client{Timeout: 30 * time.Second},
		maxRetries: 3,
		baseDelay:  time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) backoff() retry.Backoff {
	b := retry.NewExponential(c.baseDelay)
	return retry.WithMaxRetries(c.maxRetries, b)
}

// doWithRetry executes fn, retrying on transient errors per the client's
// backoff policy. fn should return a retry.RetryableError-wrapped error for
// anything worth retrying; any other error stops the loop immediately.
func (c *Client) doWithRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, c.backoff(), fn)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, cmerrors.Wrap(err, "serverapi: build request")
	}
	req.Header.Set("Authorization", "Bearer "+c.credential)
	return req, nil
}

// classify maps a completed (non-network-error) HTTP response to either nil
// (success, caller should stop) or an error — retryable or not.
func classify(resp *http.Response, path string, expectedVersion int64) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		var body struct {
			CurrentVersion int64 `json:"current_version"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return cmerrors.NewConflictError(path, body.CurrentVersion, expectedVersion)
	case resp.StatusCode == http.StatusNotFound:
		return cmerrors.ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return retry.RetryableError(cmerrors.ErrRateLimited)
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		return cmerrors.ErrPayloadTooLarge
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return cmerrors.ErrAuthRejected
	case resp.StatusCode >= 500:
		return retry.RetryableError(fmt.Errorf("%w: status %d", cmerrors.ErrNetworkTransient, resp.StatusCode))
	default:
		return fmt.Errorf("serverapi: unexpected status %d", resp.StatusCode)
	}
}

// networkRetryable wraps a transport-level error (DNS, dial, TLS, connection
// reset) as retryable; these count as spec's "network failure" criterion.
func networkRetryable(err error) error {
	return retry.RetryableError(fmt.Errorf("%w: %v", cmerrors.ErrNetworkUnreachable, err))
}

// Upload sends envelopeBytes for path, conditioned on expectedVersion via
// optimistic concurrency control, and returns the server-assigned version.
// A 409 response is surfaced as *cmerrors.ConflictError without retry.
func (c *Client) Upload(ctx context.Context, path string, envelopeBytes []byte, encryptedHash string, expectedVersion int64) (int64, error) {
	var result UploadResult
	err := c.doWithRetry(ctx, func(ctx context.Context) error {
		q := url.Values{}
		q.Set("encrypted_hash", encryptedHash)
		q.Set("expected_version", strconv.FormatInt(expectedVersion, 10))
		req, err := c.newRequest(ctx, http.MethodPut, "/api/files/"+url.PathEscape(path)+"?"+q.Encode(), bytes.NewReader(envelopeBytes))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/octet-stream")

		resp, err := c.http.Do(req)
		if err != nil {
			return networkRetryable(err)
		}
		defer resp.Body.Close()

		if err := classify(resp, path, expectedVersion); err != nil {
			return err
		}
		return json.NewDecoder(resp.Body).Decode(&result)
	})
	if err != nil {
		return 0, err
	}
	return result.NewVersion, nil
}

// Download fetches the current envelope for path.
func (c *Client) Download(ctx context.Context, path string) (envelopeBytes []byte, version int64, encryptedHash string, err error) {
	err = c.doWithRetry(ctx, func(ctx context.Context) error {
		req, reqErr := c.newRequest(ctx, http.MethodGet, "/api/files/"+url.PathEscape(path), nil)
		if reqErr != nil {
			return reqErr
		}
		resp, doErr := c.http.Do(req)
		if doErr != nil {
			return networkRetryable(doErr)
		}
		defer resp.Body.Close()

		if classifyErr := classify(resp, path, 0); classifyErr != nil {
			return classifyErr
		}
		version, err = strconv.ParseInt(resp.Header.Get("X-Version"), 10, 64)
		if err != nil {
			return cmerrors.Wrap(err, "serverapi: parse X-Version")
		}
		encryptedHash = resp.Header.Get("X-Encrypted-Hash")
		envelopeBytes, err = io.ReadAll(resp.Body)
		if err != nil {
			return cmerrors.Wrap(err, "serverapi: read envelope body")
		}
		return nil
	})
	return envelopeBytes, version, encryptedHash, err
}

// List returns metadata for every file in the caller's vault.
func (c *Client) List(ctx context.Context) ([]FileMeta, error) {
	return c.listFrom(ctx, "/api/files", nil)
}

// ListSince returns metadata for files updated at or after since (unix
// milliseconds), for incremental reconciliation.
func (c *Client) ListSince(ctx context.Context, since int64) ([]FileMeta, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(since, 10))
	return c.listFrom(ctx, "/api/files", q)
}

func (c *Client) listFrom(ctx context.Context, path string, q url.Values) ([]FileMeta, error) {
	var out []FileMeta
	err := c.doWithRetry(ctx, func(ctx context.Context) error {
		full := path
		if q != nil {
			full += "?" + q.Encode()
		}
		req, reqErr := c.newRequest(ctx, http.MethodGet, full, nil)
		if reqErr != nil {
			return reqErr
		}
		resp, doErr := c.http.Do(req)
		if doErr != nil {
			return networkRetryable(doErr)
		}
		defer resp.Body.Close()

		if classifyErr := classify(resp, path, 0); classifyErr != nil {
			return classifyErr
		}
		return json.NewDecoder(resp.Body).Decode(&out)
	})
	return out, err
}

// Delete removes path from the server.
func (c *Client) Delete(ctx context.Context, path string) error {
	return c.doWithRetry(ctx, func(ctx context.Context) error {
		req, err := c.newRequest(ctx, http.MethodDelete, "/api/files/"+url.PathEscape(path), nil)
		if err != nil {
			return err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return networkRetryable(err)
		}
		defer resp.Body.Close()
		return classify(resp, path, 0)
	})
}
