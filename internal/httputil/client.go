// Package httputil provides a hardened HTTP client that maps upstream
// responses onto typed pipeline failures, plus input sanitization helpers.
package httputil

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"mediagrab/internal/failure"
)

// UserAgent is sent on every outbound request. Several CDNs reject requests
// without a browser-like agent.
const UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

// maxJSONBody caps metadata responses.
const maxJSONBody = 10 * 1024 * 1024

// NewClient creates a hardened HTTP client. A zero timeout leaves the
// deadline to the request context.
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          10,
			IdleConnTimeout:       30 * time.Second,
			MaxIdleConnsPerHost:   5,
			ResponseHeaderTimeout: 30 * time.Second,
		},
	}
}

// Doer is the subset of *http.Client used here.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

func newRequest(ctx context.Context, rawURL, accept string, headers map[string]string) (*http.Request, error) {
	if err := ValidateURL(rawURL); err != nil {
		return nil, failure.Wrap(failure.InvalidURL, err, "invalid upstream URL")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", accept)
	req.Header.Set("Accept-Language", "zh-CN,zh;q=0.9,en-US;q=0.8,en;q=0.5")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// Get performs a GET request and returns the response for streaming. Any
// status other than 200 or 206 is converted to a typed failure and the body
// is closed.
func Get(ctx context.Context, client Doer, rawURL string, headers map[string]string) (*http.Response, error) {
	req, err := newRequest(ctx, rawURL, "*/*", headers)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, transportError(err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, StatusError(resp.StatusCode, body)
	}
	return resp, nil
}

// GetJSON performs a GET request and decodes a JSON body into v.
func GetJSON(ctx context.Context, client Doer, rawURL string, headers map[string]string, v any) error {
	req, err := newRequest(ctx, rawURL, "application/json", headers)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJSONBody))
	if err != nil {
		return transportError(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return StatusError(resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return failure.Wrap(failure.UpstreamShapeError, err, "upstream returned malformed JSON")
	}
	return nil
}

// HTTPStatusError is the cause attached to failures built from a non-2xx
// response.
type HTTPStatusError struct {
	Code int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// StatusCode returns the HTTP status behind err, or 0.
func StatusCode(err error) int {
	var se *HTTPStatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

// StatusError classifies a non-2xx response. 5xx and 429 are retryable; any
// other status is a rejection carrying the body's error or message field.
func StatusError(status int, body []byte) error {
	cause := &HTTPStatusError{Code: status}
	if status >= 500 || status == http.StatusTooManyRequests || status == http.StatusRequestTimeout {
		return failure.Wrap(failure.UpstreamUnavailable, cause, upstreamMessage(body))
	}
	msg := upstreamMessage(body)
	if msg == "" {
		msg = fmt.Sprintf("upstream rejected the request (%d %s)", status, http.StatusText(status))
	}
	return failure.Wrap(failure.UpstreamRejected, cause, msg)
}

func upstreamMessage(body []byte) string {
	var payload struct {
		Error   any    `json:"error"`
		Message string `json:"message"`
		Msg     string `json:"msg"`
	}
	if json.Unmarshal(body, &payload) != nil {
		return ""
	}
	if s, ok := payload.Error.(string); ok && s != "" {
		return s
	}
	if payload.Message != "" {
		return payload.Message
	}
	return payload.Msg
}

func transportError(err error) error {
	msg := "upstream request failed"
	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "Client.Timeout") {
		msg = "upstream request timed out"
	}
	return failure.Wrap(failure.UpstreamUnavailable, err, msg)
}
