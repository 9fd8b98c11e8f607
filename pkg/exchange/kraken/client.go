package kraken

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
	"golang.org/x/time/rate"

	"github.com/irgendwasmitfelix/TradingBot/pkg/exchange"
)

const (
	defaultBaseURL        = "https://api.kraken.com"
	defaultHTTPTimeout    = 30 * time.Second
	defaultMinCallSpacing = 500 * time.Millisecond
	defaultRetryBackoff   = 200 * time.Millisecond
	defaultMaxRetries     = 3
)

// Client talks to the Kraken REST API. Every request waits on a shared
// limiter so consecutive calls are at least minCallSpacing apart.
type Client struct {
	baseURL    string
	httpClient *http.Client
	apiKey     string
	secret     []byte
	clock      func() time.Time
	limiter    *rate.Limiter

	maxRetries   int
	retryBackoff time.Duration

	nonceMu   sync.Mutex
	lastNonce int64
}

// ClientOption customises the Kraken client.
type ClientOption func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithBaseURL points the client at a different host (tests, proxies).
func WithBaseURL(base string) ClientOption {
	return func(c *Client) {
		if base = strings.TrimRight(strings.TrimSpace(base), "/"); base != "" {
			c.baseURL = base
		}
	}
}

// WithClock overrides the time source used for nonces.
func WithClock(clock func() time.Time) ClientOption {
	return func(c *Client) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithMinCallSpacing sets the minimum delay between two requests.
func WithMinCallSpacing(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.limiter = rate.NewLimiter(rate.Every(d), 1)
		}
	}
}

// WithMaxRetries bounds attempts for read requests.
func WithMaxRetries(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.maxRetries = n
		}
	}
}

// WithRetryBackoff sets the initial backoff between read attempts; it doubles per attempt.
func WithRetryBackoff(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.retryBackoff = d
		}
	}
}

// NewClient constructs a client. Public endpoints work without credentials;
// private endpoints fail with ErrPermission when key or secret is empty.
func NewClient(apiKey, apiSecret string, opts ...ClientOption) (*Client, error) {
	secret, err := decodeSecret(apiSecret)
	if err != nil {
		return nil, err
	}
	client := &Client{
		baseURL:      defaultBaseURL,
		httpClient:   &http.Client{Timeout: defaultHTTPTimeout},
		apiKey:       strings.TrimSpace(apiKey),
		secret:       secret,
		clock:        time.Now,
		limiter:      rate.NewLimiter(rate.Every(defaultMinCallSpacing), 1),
		maxRetries:   defaultMaxRetries,
		retryBackoff: defaultRetryBackoff,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

type envelope struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

// doRead issues an idempotent request, retrying retryable failures with
// doubling backoff.
func (c *Client) doRead(ctx context.Context, path string, params url.Values, private bool, result interface{}) error {
	backoff := c.retryBackoff
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		err := c.do(ctx, path, params, private, result)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !exchange.IsRetryable(err) {
			return err
		}
		lastErr = err
		if attempt == c.maxRetries-1 {
			break
		}
		logx.WithContext(ctx).Slowf("kraken: %s attempt %d/%d failed, retrying in %s: %v", path, attempt+1, c.maxRetries, backoff, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return lastErr
}

// doWrite issues a side-effecting request exactly once.
func (c *Client) doWrite(ctx context.Context, path string, params url.Values, result interface{}) error {
	return c.do(ctx, path, params, true, result)
}

func (c *Client) do(ctx context.Context, path string, params url.Values, private bool, result interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := c.buildRequest(ctx, path, params, private)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &exchange.APIError{Op: path, Codes: []string{err.Error()}, Kind: exchange.ErrTemporary}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &exchange.APIError{Op: path, Codes: []string{"read response: " + err.Error()}, Kind: exchange.ErrTemporary}
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= 300 {
		return &exchange.APIError{
			Op:    path,
			Codes: []string{fmt.Sprintf("http status %d: %s", resp.StatusCode, truncate(string(body), 200))},
			Kind:  classifyStatus(resp.StatusCode),
		}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("kraken: decode %s response: %w", path, err)
	}
	if codes := errorCodes(env.Error); len(codes) > 0 {
		return &exchange.APIError{Op: path, Codes: codes, Kind: classifyCodes(codes)}
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(env.Result, result); err != nil {
		return fmt.Errorf("kraken: decode %s result: %w", path, err)
	}
	return nil
}

func (c *Client) buildRequest(ctx context.Context, path string, params url.Values, private bool) (*http.Request, error) {
	if !private {
		target := c.baseURL + path
		if len(params) > 0 {
			target += "?" + params.Encode()
		}
		return http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	}
	if c.apiKey == "" || len(c.secret) == 0 {
		return nil, &exchange.APIError{Op: path, Codes: []string{"missing api credentials"}, Kind: exchange.ErrPermission}
	}

	form := url.Values{}
	for k, v := range params {
		form[k] = append([]string(nil), v...)
	}
	form.Set("nonce", fmt.Sprintf("%d", c.nextNonce()))
	payload := form.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=utf-8")
	req.Header.Set("API-Key", c.apiKey)
	req.Header.Set("API-Sign", sign(path, form.Get("nonce"), payload, c.secret))
	return req, nil
}

// nextNonce returns a strictly increasing millisecond nonce.
func (c *Client) nextNonce() int64 {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	n := c.clock().UnixMilli()
	if n <= c.lastNonce {
		n = c.lastNonce + 1
	}
	c.lastNonce = n
	return n
}

// errorCodes drops warnings ("W...") which Kraken returns alongside results.
func errorCodes(raw []string) []string {
	var out []string
	for _, code := range raw {
		code = strings.TrimSpace(code)
		if code == "" || strings.HasPrefix(code, "W") {
			continue
		}
		out = append(out, code)
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
