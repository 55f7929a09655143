package elexon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"curtailment-cashflow/internal/cache"
)

const (
	defaultBaseURL   = "https://data.elexon.co.uk/bmrs/api/v1"
	defaultUserAgent = "curtailctl/1.0"
	timeLayout       = "2006-01-02T15:04:05Z"
)

// ErrRateLimited is returned when a request is still rate limited after all retries.
var ErrRateLimited = errors.New("elexon: rate limited")

// APIError is a non-200 response other than 429.
type APIError struct {
	Endpoint string
	Status   int
	Body     string
}

func (e *APIError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("elexon api error (%d) on %s: %s", e.Status, e.Endpoint, e.Body)
	}
	return fmt.Sprintf("elexon api error (%d) on %s", e.Status, e.Endpoint)
}

// Observer receives upstream request events. metrics.Recorder implements it.
type Observer interface {
	UpstreamRequest(endpoint, status string)
	UpstreamRetry(endpoint string)
	ChunkSkipped(endpoint string)
}

type noopObserver struct{}

func (noopObserver) UpstreamRequest(string, string) {}
func (noopObserver) UpstreamRetry(string)           {}
func (noopObserver) ChunkSkipped(string)            {}

// Options parameterise the BMRS client.
type Options struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
	// MaxSpan is the longest window fetched in one request; longer windows are
	// split into ChunkSpan pieces.
	MaxSpan       time.Duration
	ChunkSpan     time.Duration
	MaxConcurrent int
	MaxRetries    int
	BaseDelay     time.Duration
	// RequestsPerSecond <= 0 disables pacing.
	RequestsPerSecond float64
	Burst             int

	Cache      *cache.LRU[[]byte]
	Observer   Observer
	HTTPClient *http.Client
}

// Client fetches balancing data from the Elexon BMRS API.
type Client struct {
	opts     Options
	logger   zerolog.Logger
	client   *http.Client
	baseURL  string
	limiter  *rate.Limiter
	sem      *semaphore.Weighted
	cache    *cache.LRU[[]byte]
	observer Observer
}

// NewClient constructs a BMRS client.
func NewClient(opts Options, logger zerolog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxSpan <= 0 {
		opts.MaxSpan = 6 * 24 * time.Hour
	}
	if opts.ChunkSpan <= 0 || opts.ChunkSpan > opts.MaxSpan {
		opts.ChunkSpan = min(5*24*time.Hour, opts.MaxSpan)
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 10
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if strings.TrimSpace(opts.UserAgent) == "" {
		opts.UserAgent = defaultUserAgent
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	var observer Observer = noopObserver{}
	if opts.Observer != nil {
		observer = opts.Observer
	}

	return &Client{
		opts:     opts,
		logger:   logger.With().Str("component", "elexon_client").Logger(),
		client:   httpClient,
		baseURL:  baseURL,
		limiter:  rate.NewLimiter(limit, burst),
		sem:      semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		cache:    opts.Cache,
		observer: observer,
	}
}

type envelope[T any] struct {
	Data []T `json:"data"`
}

// getData performs a GET against path and decodes the "data" array.
func getData[T any](ctx context.Context, c *Client, endpoint, path string, query url.Values) ([]T, error) {
	payload, err := c.get(ctx, endpoint, path, query)
	if err != nil {
		return nil, err
	}
	var env envelope[T]
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return env.Data, nil
}

func (c *Client) get(ctx context.Context, endpoint, path string, query url.Values) ([]byte, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	if payload, ok := c.cache.Get(target); ok {
		return payload, nil
	}

	var (
		payload []byte
		attempt int
	)
	op := func() error {
		attempt++
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		status, body, err := c.do(ctx, target)
		if err != nil {
			c.observer.UpstreamRequest(endpoint, "error")
			return backoff.Permanent(fmt.Errorf("request %s: %w", endpoint, err))
		}
		c.observer.UpstreamRequest(endpoint, strconv.Itoa(status))

		switch status {
		case http.StatusOK:
			payload = body
			return nil
		case http.StatusTooManyRequests:
			return ErrRateLimited
		default:
			return backoff.Permanent(&APIError{Endpoint: endpoint, Status: status, Body: strings.TrimSpace(string(body))})
		}
	}
	notify := func(_ error, delay time.Duration) {
		c.logger.Warn().
			Str("endpoint", endpoint).
			Int("attempt", attempt).
			Int("max_retries", c.opts.MaxRetries).
			Dur("delay", delay).
			Msg("rate limited, retrying")
		c.observer.UpstreamRetry(endpoint)
	}

	if err := backoff.RetryNotify(op, c.newBackOff(ctx), notify); err != nil {
		if errors.Is(err, ErrRateLimited) {
			return nil, fmt.Errorf("%s after %d attempts: %w", endpoint, attempt, err)
		}
		return nil, err
	}
	c.cache.Set(target, payload)
	return payload, nil
}

func (c *Client) do(ctx context.Context, target string) (int, []byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.opts.UserAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, payload, nil
}

// newBackOff waits BaseDelay * 4^(n+1) before the n-th retry and allows
// MaxRetries attempts in total.
func (c *Client) newBackOff(ctx context.Context) backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     4 * c.opts.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          4,
		MaxInterval:         time.Duration(math.MaxInt64),
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.opts.MaxRetries-1)), ctx)
}
