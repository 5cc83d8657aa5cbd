package strava

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/joshdurbin/strava-stats/internal/logging"
)

// Requests to keep in reserve below each limit
const rateLimitBuffer = 5

// RateLimitInfo is the usage Strava reported on the most recent response
type RateLimitInfo struct {
	Limit15Min    int
	Usage15Min    int
	LimitDaily    int
	UsageDaily    int
	IsRateLimited bool

	TimeUntil15MinReset time.Duration
	TimeUntilDailyReset time.Duration
	RecommendedWait     time.Duration
}

// IsApproaching15MinLimit returns true if we're close to the 15-minute limit
func (info *RateLimitInfo) IsApproaching15MinLimit() bool {
	if info.Limit15Min == 0 {
		return false
	}
	return info.Usage15Min >= info.Limit15Min-rateLimitBuffer
}

// IsApproachingDailyLimit returns true if we're close to the daily limit
func (info *RateLimitInfo) IsApproachingDailyLimit() bool {
	if info.LimitDaily == 0 {
		return false
	}
	return info.UsageDaily >= info.LimitDaily-rateLimitBuffer
}

// String renders usage as "15min a/b, daily c/d"
func (info RateLimitInfo) String() string {
	return fmt.Sprintf("15min %d/%d, daily %d/%d", info.Usage15Min, info.Limit15Min, info.UsageDaily, info.LimitDaily)
}

// refresh recomputes the reset timers and recommended wait relative to now
func (info *RateLimitInfo) refresh(now time.Time) {
	info.TimeUntil15MinReset = timeUntilNext15MinWindow(now)
	info.TimeUntilDailyReset = timeUntilMidnightUTC(now)
	info.RecommendedWait = 0

	switch {
	case info.Limit15Min > 0 && info.Usage15Min >= info.Limit15Min:
		info.IsRateLimited = true
		info.RecommendedWait = info.TimeUntil15MinReset
	case info.LimitDaily > 0 && info.UsageDaily >= info.LimitDaily:
		info.IsRateLimited = true
		info.RecommendedWait = info.TimeUntilDailyReset
	case info.IsApproaching15MinLimit():
		info.RecommendedWait = info.TimeUntil15MinReset
	case info.IsApproachingDailyLimit():
		info.RecommendedWait = info.TimeUntilDailyReset
	}
}

// timeUntilNext15MinWindow returns the wait until the next :00/:15/:30/:45
// boundary plus two seconds of slack.
func timeUntilNext15MinWindow(now time.Time) time.Duration {
	minute := now.Minute()
	next := (minute/15 + 1) * 15
	wait := time.Duration(next-minute)*time.Minute -
		time.Duration(now.Second())*time.Second -
		time.Duration(now.Nanosecond())
	return wait + 2*time.Second
}

// timeUntilMidnightUTC returns the wait until the daily reset plus two seconds
func timeUntilMidnightUTC(now time.Time) time.Duration {
	nowUTC := now.UTC()
	midnight := time.Date(nowUTC.Year(), nowUTC.Month(), nowUTC.Day()+1, 0, 0, 0, 0, time.UTC)
	return midnight.Sub(nowUTC) + 2*time.Second
}

// GetRateLimit returns the last seen rate limit info with fresh reset timers
func (c *Client) GetRateLimit() RateLimitInfo {
	c.rateMu.RLock()
	info := c.rateLimit
	c.rateMu.RUnlock()

	info.refresh(time.Now())
	return info
}

// WaitForRateLimit blocks until the limits leave room for more requests, or
// the context ends.
func (c *Client) WaitForRateLimit(ctx context.Context) error {
	rateLimit := c.GetRateLimit()
	wait := rateLimit.RecommendedWait
	if wait <= 0 {
		return nil
	}

	logging.Logger.Info().
		Dur("wait", wait).
		Str("usage", rateLimit.String()).
		Msg("waiting for rate limit window to reset")

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) updateRateLimit(resp *http.Response) RateLimitInfo {
	rateLimit := parseRateLimitHeaders(resp.Header, time.Now())
	if resp.StatusCode == http.StatusTooManyRequests {
		rateLimit.IsRateLimited = true
	}
	c.rateMu.Lock()
	c.rateLimit = rateLimit
	c.rateMu.Unlock()
	return rateLimit
}

// parseRateLimitHeaders merges the general X-RateLimit-* and the stricter
// X-ReadRateLimit-* headers, each formatted "fifteen_minute,daily". The lower
// limit and the higher usage win.
func parseRateLimitHeaders(headers http.Header, now time.Time) RateLimitInfo {
	general15, generalDaily := parsePair(headers.Get("X-RateLimit-Limit"))
	generalUsage15, generalUsageDaily := parsePair(headers.Get("X-RateLimit-Usage"))
	read15, readDaily := parsePair(headers.Get("X-ReadRateLimit-Limit"))
	readUsage15, readUsageDaily := parsePair(headers.Get("X-ReadRateLimit-Usage"))

	info := RateLimitInfo{
		Limit15Min: minPositive(general15, read15),
		LimitDaily: minPositive(generalDaily, readDaily),
		Usage15Min: max(generalUsage15, readUsage15),
		UsageDaily: max(generalUsageDaily, readUsageDaily),
	}
	info.refresh(now)
	return info
}

func parsePair(header string) (int, int) {
	if header == "" {
		return 0, 0
	}
	parts := strings.Split(header, ",")
	first, _ := strconv.Atoi(strings.TrimSpace(parts[0]))
	var second int
	if len(parts) > 1 {
		second, _ = strconv.Atoi(strings.TrimSpace(parts[1]))
	}
	return first, second
}

// minPositive returns the smaller of two values, ignoring unset (<= 0) ones
func minPositive(a, b int) int {
	if a <= 0 {
		return b
	}
	if b <= 0 {
		return a
	}
	return min(a, b)
}
