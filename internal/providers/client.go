package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kalambet/callbridge/internal/integration"
)

const (
	defaultTimeout = 30 * time.Second
	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond
	maxErrorBody   = 512
)

// restClient is the JSON-over-HTTP client shared by the REST adapters.
type restClient struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	backoff    time.Duration
	// authorize sets credentials on each request.
	authorize func(*http.Request)
	headers   map[string]string
	throttle  func(context.Context) error
}

func newRESTClient(baseURL string, httpClient *http.Client, authorize func(*http.Request)) *restClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &restClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		timeout:    defaultTimeout,
		backoff:    initialBackoff,
		authorize:  authorize,
		headers:    map[string]string{},
	}
}

func bearer(token func() string) func(*http.Request) {
	return func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token())
	}
}

// statusError is returned for non-2xx responses.
type statusError struct {
	Status int
	Body   string
}

func (e *statusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Status)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Status, e.Body)
}

// rateLimitError is returned on HTTP 429.
type rateLimitError struct {
	status int
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d)", e.status)
}

func isRateLimit(err error) bool {
	var rl *rateLimitError
	return errors.As(err, &rl)
}

func statusOf(err error) int {
	var se *statusError
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}

// classify tags err with the integration error code for its HTTP status.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var ie *integration.Error
	if errors.As(err, &ie) {
		return err
	}
	switch statusOf(err) {
	case http.StatusUnauthorized, http.StatusForbidden:
		return integration.NewError(integration.CodeAuth, op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return integration.NewError(integration.CodeProcessing, op, err)
	}
	return integration.NewError(integration.CodeUnknown, op, err)
}

// do sends one request and decodes the JSON response into out. body may be
// nil, url.Values (form encoded) or any JSON-marshalable value. 429 responses
// are retried with exponential backoff.
func (c *restClient) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var (
		payload     []byte
		contentType string
		err         error
	)
	switch b := body.(type) {
	case nil:
	case url.Values:
		payload = []byte(b.Encode())
		contentType = "application/x-www-form-urlencoded"
	default:
		payload, err = json.Marshal(b)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		contentType = "application/json"
	}

	target := c.baseURL + path
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		target = path
	}
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var lastErr error
	for attempt := range maxRetries {
		if c.throttle != nil {
			if err := c.throttle(ctx); err != nil {
				return err
			}
		}
		err := c.once(ctx, method, target, payload, contentType, out)
		if err == nil {
			return nil
		}
		if !isRateLimit(err) {
			return err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(c.backoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return fmt.Errorf("rate limited after %d retries: %w", maxRetries, lastErr)
}

func (c *restClient) once(ctx context.Context, method, target string, payload []byte, contentType string, out any) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, target, rd)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	if c.authorize != nil {
		c.authorize(req)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return &rateLimitError{status: resp.StatusCode}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &statusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *restClient) get(ctx context.Context, path string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, query, nil, out)
}

func (c *restClient) post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, nil, body, out)
}

func (c *restClient) patch(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPatch, path, nil, body, out)
}

func (c *restClient) put(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPut, path, nil, body, out)
}

// with returns a copy of c that also sends headers.
func (c *restClient) with(headers map[string]string) *restClient {
	cp := *c
	cp.headers = make(map[string]string, len(c.headers)+len(headers))
	for k, v := range c.headers {
		cp.headers[k] = v
	}
	for k, v := range headers {
		cp.headers[k] = v
	}
	return &cp
}
