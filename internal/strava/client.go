package strava

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/joshdurbin/strava-stats/internal/logging"
)

const (
	baseURL = "https://www.strava.com/api/v3"

	// PageSize is the per_page value sent with every activities request. A page
	// shorter than this ends the year.
	PageSize = 100
)

// Default retry settings
const (
	defaultMaxRetries     = 5
	defaultInitialBackoff = 1 * time.Second
	defaultMaxBackoff     = 5 * time.Minute
	defaultMaxPages       = 1000
)

var (
	// ErrRateLimited indicates the API still returned 429 after retries ran out
	ErrRateLimited = errors.New("rate limited")

	// ErrUnexpectedStatus wraps any other non-200 response
	ErrUnexpectedStatus = errors.New("unexpected status code")

	// ErrUnauthorized is a 401; it also matches ErrUnexpectedStatus
	ErrUnauthorized = errors.New("unauthorized")

	// ErrMalformedResponse indicates the body was not a JSON array of activities
	ErrMalformedResponse = errors.New("malformed response")

	// ErrPageLimit stops a year whose pages never come back short
	ErrPageLimit = errors.New("page limit reached")
)

// Client is a Strava API client with automatic retry and backoff.
// A Client is safe for concurrent use.
type Client struct {
	httpClient  *retryablehttp.Client
	accessToken string
	baseURL     string
	maxPages    int

	rateMu    sync.RWMutex
	rateLimit RateLimitInfo
}

// RetryConfig holds retry/backoff settings
type RetryConfig struct {
	MaxRetries int
	MinWait    time.Duration
	MaxWait    time.Duration
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: defaultMaxRetries,
		MinWait:    defaultInitialBackoff,
		MaxWait:    defaultMaxBackoff,
	}
}

// NewClient creates a new Strava API client with automatic retry
func NewClient(accessToken string) *Client {
	return newClient(accessToken, baseURL, DefaultRetryConfig())
}

// NewClientWithRetryConfig creates a new Strava API client with custom retry settings
func NewClientWithRetryConfig(accessToken string, cfg RetryConfig) *Client {
	return newClient(accessToken, baseURL, cfg)
}

// NewClientWithBaseURL creates a new Strava API client with a custom base URL (for testing)
func NewClientWithBaseURL(accessToken, customBaseURL string) *Client {
	return newClient(accessToken, customBaseURL, DefaultRetryConfig())
}

func newClient(accessToken, apiURL string, cfg RetryConfig) *Client {
	client := retryablehttp.NewClient()
	client.RetryMax = cfg.MaxRetries
	client.RetryWaitMin = cfg.MinWait
	client.RetryWaitMax = cfg.MaxWait
	client.Logger = &logging.LeveledLogger{}
	client.CheckRetry = checkRetry
	client.Backoff = backoff
	// hand the last response back so the page can be classified by status
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	client.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, retry int) {
		if retry > 0 {
			logging.Logger.Info().
				Str("url", req.URL.Path).
				Int("attempt", retry+1).
				Msg("retrying request")
		}
		if logging.IsTraceEnabled() {
			logging.Logger.Debug().
				Str("method", req.Method).
				Str("url", req.URL.String()).
				Str("headers", logging.FormatHeaders(req.Header)).
				Msg("request headers")
		}
	}

	client.ResponseLogHook = func(_ retryablehttp.Logger, resp *http.Response) {
		if logging.IsTraceEnabled() {
			logging.Logger.Debug().
				Int("status", resp.StatusCode).
				Str("url", resp.Request.URL.Path).
				Str("headers", logging.FormatHeaders(resp.Header)).
				Msg("response headers")
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			rateLimit := parseRateLimitHeaders(resp.Header, time.Now())
			logging.Logger.Warn().
				Str("url", resp.Request.URL.Path).
				Str("usage", rateLimit.String()).
				Dur("wait_for_reset", rateLimit.TimeUntil15MinReset).
				Msg("rate limited by API")
		}
	}

	return &Client{
		httpClient:  client,
		accessToken: accessToken,
		baseURL:     apiURL,
		maxPages:    defaultMaxPages,
	}
}

// checkRetry retries connection errors, 429 and 5xx. Everything else, a 401
// included, is final.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return true, nil
	}
	return false, nil
}

// backoff waits out the rate limit window on 429 and backs off exponentially otherwise
func backoff(minWait, maxWait time.Duration, attemptNum int, resp *http.Response) time.Duration {
	if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
		if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
			if seconds, err := strconv.Atoi(retryAfter); err == nil {
				wait := time.Duration(seconds) * time.Second
				logging.Logger.Info().
					Dur("wait", wait).
					Int("attempt", attemptNum).
					Msg("rate limited, waiting for Retry-After header")
				return wait
			}
		}

		wait := timeUntilNext15MinWindow(time.Now())
		logging.Logger.Info().
			Dur("wait", wait).
			Int("attempt", attemptNum).
			Msg("rate limited, waiting for 15-minute window reset")
		return wait
	}

	wait := minWait * time.Duration(1<<uint(attemptNum))
	if wait > maxWait || wait <= 0 {
		wait = maxWait
	}
	logging.Logger.Info().
		Dur("wait", wait).
		Int("attempt", attemptNum).
		Msg("backing off before retry")
	return wait
}

// WithRetryConfig sets custom retry configuration (useful for testing)
func (c *Client) WithRetryConfig(maxRetries int, initialBackoff, maxBackoff time.Duration) *Client {
	c.httpClient.RetryMax = maxRetries
	c.httpClient.RetryWaitMin = initialBackoff
	c.httpClient.RetryWaitMax = maxBackoff
	return c
}

// WithMaxPages caps the pages requested for a single year. Values below 1
// restore the default.
func (c *Client) WithMaxPages(n int) *Client {
	if n < 1 {
		n = defaultMaxPages
	}
	c.maxPages = n
	return c
}

// fetchActivitiesPage requests one page of the activities inside window
func (c *Client) fetchActivitiesPage(ctx context.Context, window YearWindow, page int) ([]Activity, RateLimitInfo, error) {
	query := url.Values{}
	query.Set("before", strconv.FormatInt(window.Before, 10))
	query.Set("after", strconv.FormatInt(window.After, 10))
	query.Set("page", strconv.Itoa(page))
	query.Set("per_page", strconv.Itoa(PageSize))

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/athlete/activities?"+query.Encode(), nil)
	if err != nil {
		return nil, RateLimitInfo{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, RateLimitInfo{}, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	rateLimit := c.updateRateLimit(resp)

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, rateLimit, ErrRateLimited
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, rateLimit, fmt.Errorf("%w: %w: %d", ErrUnexpectedStatus, ErrUnauthorized, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, rateLimit, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	var body json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, rateLimit, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	// null and objects decode into a nil slice without error
	if trimmed := bytes.TrimSpace(body); len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, rateLimit, fmt.Errorf("%w: body is not a JSON array", ErrMalformedResponse)
	}
	activities := []Activity{}
	if err := json.Unmarshal(body, &activities); err != nil {
		return nil, rateLimit, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	return activities, rateLimit, nil
}
