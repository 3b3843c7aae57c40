package weather

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"
)

// DefaultBaseURL is the current weather endpoint
const DefaultBaseURL = "https://api.openweathermap.org/data/2.5/weather"

// maxBodySize caps how much of a response is read
const maxBodySize = 1 << 20

// Config holds fetcher configuration
type Config struct {
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	RequestsPerMinute int
	RetryAttempts     int
	RetryInitial      time.Duration
	RetryMax          time.Duration
	HTTPClient        *http.Client
	Logger            *slog.Logger
}

// Fetcher performs current-weather lookups
type Fetcher struct {
	baseURL      string
	apiKey       string
	timeout      time.Duration
	retries      int
	retryInitial time.Duration
	retryMax     time.Duration
	client       *http.Client
	limiter      *rate.Limiter
	logger       *slog.Logger
}

// NewFetcher creates a Fetcher, applying defaults for unset fields
func NewFetcher(cfg *Config) *Fetcher {
	f := &Fetcher{
		baseURL:      cfg.BaseURL,
		apiKey:       cfg.APIKey,
		timeout:      cfg.Timeout,
		retries:      cfg.RetryAttempts,
		retryInitial: cfg.RetryInitial,
		retryMax:     cfg.RetryMax,
		client:       cfg.HTTPClient,
		logger:       cfg.Logger,
	}

	if f.baseURL == "" {
		f.baseURL = DefaultBaseURL
	}
	if f.timeout <= 0 {
		f.timeout = 10 * time.Second
	}
	if f.retries < 0 {
		f.retries = 0
	}
	if f.retryInitial <= 0 {
		f.retryInitial = 500 * time.Millisecond
	}
	if f.client == nil {
		f.client = &http.Client{}
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	if cfg.RequestsPerMinute > 0 {
		f.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)
	}

	return f
}

// Fetch looks up the current weather of a city
func (f *Fetcher) Fetch(ctx context.Context, city string) (*Report, error) {
	var lastErr error

	for attempt := 0; attempt <= f.retries; attempt++ {
		if attempt > 0 {
			delay := f.backoff(attempt)
			f.logger.Warn("Weather request failed, retrying...",
				slog.String("city", city),
				slog.Int("attempt", attempt+1),
				slog.Int("max_attempts", f.retries+1),
				slog.Duration("retry_after", delay),
				slog.Any("error", lastErr),
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrRequestFailed, ctx.Err())
			}
		}

		body, retryable, err := f.do(ctx, city)
		if err == nil {
			return ParseReport(city, body)
		}

		lastErr = err
		if !retryable {
			break
		}
	}

	return nil, lastErr
}

// do performs a single request. It reports whether a failure is worth retrying.
func (f *Fetcher) do(ctx context.Context, city string) ([]byte, bool, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrRequestFailed, err)
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, f.requestURL(city), nil)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
	req.Header.Set("Accept", "application/json")

	f.logger.Debug("Requesting current weather",
		slog.String("city", city),
		slog.String("url", f.baseURL),
	)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, true, fmt.Errorf("%w: failed to read body: %v", ErrRequestFailed, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		if msg := parseAPIError(body); msg != "" {
			return nil, retryable, fmt.Errorf("%w: status %d: %s", ErrRequestFailed, resp.StatusCode, msg)
		}
		return nil, retryable, fmt.Errorf("%w: status %d", ErrRequestFailed, resp.StatusCode)
	}

	return body, false, nil
}

func (f *Fetcher) requestURL(city string) string {
	q := url.Values{}
	q.Set("q", city)
	q.Set("appid", f.apiKey)
	return f.baseURL + "?" + q.Encode()
}

// backoff returns retryInitial * 2^(attempt-1), capped at retryMax
func (f *Fetcher) backoff(attempt int) time.Duration {
	d := time.Duration(float64(f.retryInitial) * math.Pow(2, float64(attempt-1)))
	if f.retryMax > 0 && d > f.retryMax {
		return f.retryMax
	}
	return d
}
