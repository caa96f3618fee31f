// Package bitvavo implements the exchange capability against the Bitvavo
// REST API v2: HMAC-signed requests, client-side rate limiting and retries.
package bitvavo

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultBaseURL = "https://api.bitvavo.com/v2"
	signPrefix     = "/v2"

	// Bitvavo allows 1000 weight points per minute; stay well below it.
	defaultRatePerSec = 8
	defaultBurst      = 4
	defaultWindowMS   = 10000

	maxRetries    = 3
	baseRetryWait = 500 * time.Millisecond
)

// Config configures a Client. Zero values take the defaults.
type Config struct {
	BaseURL    string
	APIKey     string
	APISecret  string
	WindowMS   int
	RatePerSec float64
	Burst      int
	Timeout    time.Duration
}

// APIError is a 4xx answer from the exchange. It is never retried.
type APIError struct {
	Status  int    `json:"-"`
	Code    int    `json:"errorCode"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("bitvavo: status %d: error %d: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("bitvavo: status %d: %s", e.Status, e.Message)
}

// Client implements ports.Exchange.
type Client struct {
	http      *http.Client
	baseURL   string
	apiKey    string
	apiSecret string
	window    string
	limiter   *rate.Limiter
	retryWait time.Duration
	now       func() time.Time
}

// NewClient builds a Client. Without API credentials only public endpoints work.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.WindowMS <= 0 {
		cfg.WindowMS = defaultWindowMS
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = defaultRatePerSec
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultBurst
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		http:      &http.Client{Timeout: cfg.Timeout},
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		window:    strconv.Itoa(cfg.WindowMS),
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		retryWait: baseRetryWait,
		now:       time.Now,
	}
}

// SetRetryWait changes the base backoff. Used by tests.
func (c *Client) SetRetryWait(d time.Duration) { c.retryWait = d }

// SendRequest sends a signed request to path (relative to the API root, with
// its query string) and returns the raw JSON answer.
func (c *Client) SendRequest(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("bitvavo.SendRequest: marshal body: %w", err)
		}
		payload = b
	}

	// Only reads are replayed after a 5xx or a lost response. A resent order
	// could fill twice.
	replay := method == http.MethodGet
	out, err := c.doWithRetry(ctx, replay, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		c.sign(req, method, path, payload)
		return c.http.Do(req)
	})
	if err != nil {
		return nil, fmt.Errorf("bitvavo.SendRequest: %s %s: %w", method, path, err)
	}
	return out, nil
}

// sign sets the authentication headers. The signature is the hex
// HMAC-SHA256 of timestamp + method + "/v2" + path + body.
func (c *Client) sign(req *http.Request, method, path string, payload []byte) {
	if c.apiKey == "" || c.apiSecret == "" {
		return
	}
	ts := strconv.FormatInt(c.now().UnixMilli(), 10)
	req.Header.Set("Bitvavo-Access-Key", c.apiKey)
	req.Header.Set("Bitvavo-Access-Signature", Signature(c.apiSecret, ts, method, path, payload))
	req.Header.Set("Bitvavo-Access-Timestamp", ts)
	req.Header.Set("Bitvavo-Access-Window", c.window)
}

// Signature computes the request signature expected by the exchange.
func Signature(secret, timestamp, method, path string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + strings.ToUpper(method) + signPrefix + path))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// doWithRetry runs fn with exponential backoff on 429, 5xx and transport errors.
// With replay false only 429 is retried: the request was refused before it ran.
func (c *Client) doWithRetry(ctx context.Context, replay bool, fn func() (*http.Response, error)) (json.RawMessage, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}

		resp, err := fn()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !replay {
				return nil, err
			}
			lastErr = err
			c.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			slog.Warn("bitvavo: rate limited by API", "attempt", attempt+1)
			lastErr = errors.New("rate limited")
			c.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("server error %d", resp.StatusCode)
			if !replay {
				return nil, lastErr
			}
			c.sleep(ctx, attempt)
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read body: %w", err)
			if !replay {
				return nil, lastErr
			}
			c.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode >= 400 {
			apiErr := &APIError{Status: resp.StatusCode}
			if json.Unmarshal(body, apiErr) != nil || apiErr.Message == "" {
				apiErr.Message = strings.TrimSpace(string(body))
			}
			return nil, apiErr
		}

		if !json.Valid(body) {
			return nil, fmt.Errorf("decode response: invalid JSON")
		}
		return json.RawMessage(body), nil
	}
	return nil, fmt.Errorf("exhausted %d retries: %w", maxRetries, lastErr)
}

// sleep waits with exponential backoff, honouring ctx. There is no wait
// after the last attempt.
func (c *Client) sleep(ctx context.Context, attempt int) {
	if attempt == maxRetries {
		return
	}
	wait := time.Duration(math.Pow(2, float64(attempt))) * c.retryWait
	select {
	case <-time.After(wait):
	case <-ctx.Done():
	}
}
