package strava

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/joshdurbin/strava-stats/internal/logging"
	"golang.org/x/sync/errgroup"
)

// FetchResult is reported to a ProgressCallback after each page request
type FetchResult struct {
	Year         int
	Activities   []Activity
	RateLimit    RateLimitInfo
	Page         int
	TotalFetched int
	Error        error
}

// ProgressCallback is called after each page is fetched
type ProgressCallback func(result FetchResult)

// YearFetch is the outcome of paging through one year.
//
// A failed page does not discard the year: Activities holds every record from
// the pages before the failure, and Err says why the year stopped early.
type YearFetch struct {
	Year       int
	Activities []Activity
	Pages      int
	Duration   time.Duration
	Err        error
}

// Complete reports whether the year was paged through to a short page
func (f YearFetch) Complete() bool {
	return f.Err == nil
}

// FetchYear pages through the activities inside window until a page comes back
// with fewer than PageSize records. Pages are requested strictly in order.
//
// The remote is trusted to eventually return a short page; the client's page
// limit only guards against one that never does.
func (c *Client) FetchYear(ctx context.Context, window YearWindow, progress ProgressCallback) YearFetch {
	start := time.Now()
	result := YearFetch{Year: window.Year, Activities: []Activity{}}

	for page := 1; ; page++ {
		if page > c.maxPages {
			result.Err = fmt.Errorf("year %d: %w (%d pages)", window.Year, ErrPageLimit, c.maxPages)
			break
		}
		if err := ctx.Err(); err != nil {
			result.Err = fmt.Errorf("year %d page %d: %w", window.Year, page, err)
			break
		}

		activities, rateLimit, err := c.fetchActivitiesPage(ctx, window, page)
		if progress != nil {
			progress(FetchResult{
				Year:         window.Year,
				Activities:   activities,
				RateLimit:    rateLimit,
				Page:         page,
				TotalFetched: len(result.Activities) + len(activities),
				Error:        err,
			})
		}
		if err != nil {
			result.Err = fmt.Errorf("year %d page %d: %w", window.Year, page, err)
			break
		}

		result.Pages = page
		result.Activities = append(result.Activities, activities...)
		if len(activities) < PageSize {
			break
		}
	}

	result.Duration = time.Since(start)

	if result.Err != nil {
		logging.Logger.Warn().
			Err(result.Err).
			Int("year", window.Year).
			Int("activities", len(result.Activities)).
			Msg("year fetch stopped early, keeping partial results")
	} else {
		logging.Logger.Debug().
			Int("year", window.Year).
			Int("pages", result.Pages).
			Int("activities", len(result.Activities)).
			Dur("duration", result.Duration).
			Msg("year fetched")
	}
	return result
}

// RangeOptions tune FetchRange
type RangeOptions struct {
	// Concurrency is the number of years fetched at once. Values below 2 fetch
	// one year at a time, newest first.
	Concurrency int

	// OmitEmptyYears leaves years with no activities out of RangeResult.Activities
	OmitEmptyYears bool

	// Progress receives every page result. Calls are serialized.
	Progress ProgressCallback

	// OnYear is called once per year as soon as it finishes. Calls are serialized.
	OnYear func(YearFetch)
}

// RangeResult holds one YearFetch per year of the range
type RangeResult struct {
	From  int
	To    int
	Years map[int]YearFetch

	omitEmpty bool
}

// Activities returns the fetched records keyed by year. Every year of the
// range has an entry, possibly empty, unless OmitEmptyYears was set.
func (r RangeResult) Activities() ActivitiesByYear {
	byYear := make(ActivitiesByYear, len(r.Years))
	for year, fetch := range r.Years {
		if r.omitEmpty && len(fetch.Activities) == 0 {
			continue
		}
		activities := fetch.Activities
		if activities == nil {
			activities = []Activity{}
		}
		byYear[year] = activities
	}
	return byYear
}

// Incomplete lists the years that stopped before a short page, ascending
func (r RangeResult) Incomplete() []int {
	var years []int
	for year, fetch := range r.Years {
		if !fetch.Complete() {
			years = append(years, year)
		}
	}
	sort.Ints(years)
	return years
}

// Unauthorized reports whether the token was rejected for every year, which
// means nothing was fetched at all.
func (r RangeResult) Unauthorized() bool {
	if len(r.Years) == 0 {
		return false
	}
	for _, fetch := range r.Years {
		if len(fetch.Activities) > 0 || !errors.Is(fetch.Err, ErrUnauthorized) {
			return false
		}
	}
	return true
}

// Total returns the number of activities fetched across the range
func (r RangeResult) Total() int {
	n := 0
	for _, fetch := range r.Years {
		n += len(fetch.Activities)
	}
	return n
}

// FetchRange runs FetchYear exactly once for every year between yearFrom and
// yearTo inclusive, in either order. A failure in one year never stops the
// others; it only marks that year incomplete.
func (c *Client) FetchRange(ctx context.Context, yearFrom, yearTo int, opts RangeOptions) RangeResult {
	lo, hi := orderedBounds(yearFrom, yearTo)
	result := RangeResult{
		From:      lo,
		To:        hi,
		Years:     make(map[int]YearFetch, hi-lo+1),
		omitEmpty: opts.OmitEmptyYears,
	}

	var mu sync.Mutex
	progress := opts.Progress
	if progress != nil {
		progress = func(r FetchResult) {
			mu.Lock()
			defer mu.Unlock()
			opts.Progress(r)
		}
	}
	record := func(fetch YearFetch) {
		mu.Lock()
		defer mu.Unlock()
		result.Years[fetch.Year] = fetch
		if opts.OnYear != nil {
			opts.OnYear(fetch)
		}
	}

	years := YearsDescending(lo, hi)

	if opts.Concurrency < 2 {
		for _, year := range years {
			if err := c.WaitForRateLimit(ctx); err != nil {
				logging.Logger.Debug().Err(err).Int("year", year).Msg("rate limit wait interrupted")
			}
			record(c.FetchYear(ctx, NewYearWindow(year), progress))
		}
	} else {
		var g errgroup.Group
		g.SetLimit(opts.Concurrency)
		for _, year := range years {
			g.Go(func() error {
				if err := c.WaitForRateLimit(ctx); err != nil {
					logging.Logger.Debug().Err(err).Int("year", year).Msg("rate limit wait interrupted")
				}
				record(c.FetchYear(ctx, NewYearWindow(year), progress))
				return nil
			})
		}
		_ = g.Wait()
	}

	logging.Logger.Info().
		Int("from", lo).
		Int("to", hi).
		Int("activities", result.Total()).
		Ints("incomplete_years", result.Incomplete()).
		Msg("range fetched")
	return result
}
