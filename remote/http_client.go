// ABOUTME: JSON-over-HTTP client for the authoritative deal store
// ABOUTME: Reads are retried with capped backoff; writes are left to the reconciler
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/oauth2"
)

// envelope is the wire shape of every server response.
type envelope struct {
	Success bool              `json:"success"`
	Deal    json.RawMessage   `json:"deal,omitempty"`
	Deals   []json.RawMessage `json:"deals,omitempty"`
	Code    string            `json:"code,omitempty"`
	Message string            `json:"message,omitempty"`
}

// updateRequest is the body of a PATCH.
type updateRequest struct {
	Changes       map[string]any `json:"changes"`
	BaseUpdatedAt *time.Time     `json:"base_updated_at,omitempty"`
}

// HTTPClient implements Reader and Writer.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewHTTPClient creates a client for baseURL. A nil token source sends no
// Authorization header.
func NewHTTPClient(baseURL string, ts oauth2.TokenSource, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if ts != nil {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)
		authed := oauth2.NewClient(ctx, ts)
		authed.Timeout = httpClient.Timeout
		httpClient = authed
	}
	return &HTTPClient{
		baseURL:    baseURL,
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func dealsPath(scope string) string {
	return fmt.Sprintf("/v1/orgs/%s/deals", url.PathEscape(scope))
}

func dealPath(scope, id string) string {
	return dealsPath(scope) + "/" + url.PathEscape(id)
}

func (c *HTTPClient) List(ctx context.Context, scope string) ([]json.RawMessage, error) {
	status, body, err := c.do(ctx, http.MethodGet, dealsPath(scope), nil, true)
	if err != nil {
		return nil, err
	}
	var env envelope
	if len(body) > 0 {
		if err := json.Unmarshal(body, &env); err != nil {
			return nil, fmt.Errorf("failed to decode deal list: %w", err)
		}
	}
	if status < 200 || status > 299 {
		return nil, &HTTPError{StatusCode: status, Code: env.Code, Message: env.Message}
	}
	return env.Deals, nil
}

func (c *HTTPClient) Create(ctx context.Context, scope string, payload map[string]any) (Result, error) {
	return c.write(ctx, http.MethodPost, dealsPath(scope), payload)
}

func (c *HTTPClient) Update(ctx context.Context, scope, id string, changes map[string]any, base *time.Time) (Result, error) {
	return c.write(ctx, http.MethodPatch, dealPath(scope, id), updateRequest{Changes: changes, BaseUpdatedAt: base})
}

func (c *HTTPClient) Delete(ctx context.Context, scope, id string) (Result, error) {
	return c.write(ctx, http.MethodDelete, dealPath(scope, id), nil)
}

func (c *HTTPClient) write(ctx context.Context, method, path string, body any) (Result, error) {
	status, payload, err := c.do(ctx, method, path, body, false)
	if err != nil {
		return Result{}, err
	}

	res := Result{Status: status, Success: status >= 200 && status <= 299}
	if len(payload) > 0 {
		var env envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			return Result{Status: status, Code: codeForStatus(status), Message: "malformed server response"}, nil
		}
		res.Success = res.Success && env.Success
		res.Record = env.Deal
		res.Code = env.Code
		res.Message = env.Message
	}
	if !res.Success && res.Code == "" {
		res.Code = codeForStatus(status)
	}
	return res, nil
}

// errRetryStatus marks a response whose status is worth another attempt.
var errRetryStatus = errors.New("retryable status")

// do sends one request. Transport errors, 429, and 5xx are retried only when retryable is set.
func (c *HTTPClient) do(ctx context.Context, method, requestPath string, body any, retryable bool) (int, []byte, error) {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to encode request: %w", err)
		}
	}

	maxRetries := uint64(0)
	if retryable {
		maxRetries = uint64(c.maxRetries)
	}

	var (
		status     int
		payload    []byte
		retryAfter time.Duration
	)
	backoff := retry.WithMaxRetries(maxRetries, c.backoff(&retryAfter))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		data, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return err
		}

		status, payload = resp.StatusCode, data
		if status == http.StatusTooManyRequests || status >= 500 {
			retryAfter = c.parseRetryAfter(resp.Header.Get("Retry-After"))
			return retry.RetryableError(errRetryStatus)
		}
		return nil
	})
	// Out of attempts on a retryable status: the caller still sees the response.
	if err != nil && !errors.Is(err, errRetryStatus) {
		return 0, nil, err
	}
	return status, payload, nil
}

// backoff grows exponentially up to maxDelay. A Retry-After value stored in
// retryAfter by the last response is used once in place of the next step.
func (c *HTTPClient) backoff(retryAfter *time.Duration) retry.Backoff {
	capped := retry.WithCappedDuration(c.maxDelay, retry.NewExponential(c.baseDelay))
	return retry.BackoffFunc(func() (time.Duration, bool) {
		if d := *retryAfter; d > 0 {
			*retryAfter = 0
			return d, false
		}
		return capped.Next()
	})
}

// parseRetryAfter reads a delay in seconds, capped at maxDelay. Zero means absent.
func (c *HTTPClient) parseRetryAfter(header string) time.Duration {
	seconds, err := strconv.Atoi(strings.TrimSpace(header))
	if err != nil || seconds <= 0 {
		return 0
	}
	if d := time.Duration(seconds) * time.Second; d < c.maxDelay {
		return d
	}
	return c.maxDelay
}
