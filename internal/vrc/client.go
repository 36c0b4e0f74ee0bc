package vrc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	logx "sleepchat/pkg/logx"
)

const (
	DefaultBaseURL   = "https://api.vrchat.cloud/api/1"
	DefaultUserAgent = "sleepchat/1.0"

	maxResponseBytes = 4 << 20
)

// HeaderSource supplies session authorization headers.
// AuthHeaders returns nil when there is no valid session.
type HeaderSource interface {
	AuthHeaders() http.Header
}

type Config struct {
	BaseURL   string
	APIKey    string
	UserAgent string
	Timeout   time.Duration

	// Outbound pacing. RatePerSec <= 0 disables it.
	RatePerSec float64
	Burst      int

	MaxRetries int
	RetryBase  time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.BaseURL) == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if strings.TrimSpace(c.UserAgent) == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	return c
}

// Client is the rate-limited API client shared by the poller and the slot
// synchronizer. It is safe for concurrent use.
type Client struct {
	cfg     Config
	auth    HeaderSource
	http    *http.Client
	limiter *rate.Limiter
	sleep   func(ctx context.Context, d time.Duration) error
	log     logx.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithLogger(l logx.Logger) Option { return func(c *Client) { c.log = l } }

// WithSleep replaces the backoff wait. Tests use it to record delays.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) {
		if fn != nil {
			c.sleep = fn
		}
	}
}

func New(cfg Config, auth HeaderSource, opts ...Option) *Client {
	cfg = cfg.withDefaults()
	lim := rate.NewLimiter(rate.Inf, cfg.Burst)
	if cfg.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
	}
	c := &Client{
		cfg:     cfg,
		auth:    auth,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: lim,
		sleep:   SleepContext,
		log:     logx.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// BaseURL returns the effective API root.
func (c *Client) BaseURL() string { return c.cfg.BaseURL }

// BuildURL joins path onto the base URL and appends the static API key, if any.
func (c *Client) BuildURL(path string) string {
	u := c.cfg.BaseURL + path
	if c.cfg.APIKey == "" {
		return u
	}
	joiner := "?"
	if strings.Contains(path, "?") {
		joiner = "&"
	}
	return u + joiner + "apiKey=" + url.QueryEscape(c.cfg.APIKey)
}

func (c *Client) backoff() Backoff {
	return Backoff{
		Base:       c.cfg.RetryBase,
		MaxRetries: c.cfg.MaxRetries,
		Sleep:      c.sleep,
		Log:        c.log,
	}
}

// call performs method+path with retry and decodes the JSON response into out
// (which may be nil or a *json.RawMessage).
func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	return c.callBackoff(ctx, c.backoff(), method, path, body, out)
}

func (c *Client) callBackoff(ctx context.Context, b Backoff, method, path string, body, out any) error {
	_, err := Do(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.once(ctx, method, path, body, out)
	})
	return err
}

func (c *Client) once(ctx context.Context, method, path string, body, out any) error {
	var headers http.Header
	if c.auth != nil {
		headers = c.auth.AuthHeaders()
	}
	if headers == nil {
		return ErrAuth
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BuildURL(path), rdr)
	if err != nil {
		return err
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s %s: %w", ErrNetwork, method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: read %s %s: %w", ErrNetwork, method, path, err)
	}

	c.log.Trace("api request",
		logx.String("method", method),
		logx.String("path", path),
		logx.Int("status", resp.StatusCode),
		logx.Duration("took", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newAPIError(method, path, resp.StatusCode, raw)
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
