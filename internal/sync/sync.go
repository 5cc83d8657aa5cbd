package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/joshdurbin/strava-stats/internal/logging"
	"github.com/joshdurbin/strava-stats/internal/store"
	"github.com/joshdurbin/strava-stats/internal/strava"
)

// Fetcher pages activities out of the Strava API one year at a time
type Fetcher interface {
	FetchYear(ctx context.Context, window strava.YearWindow, progress strava.ProgressCallback) strava.YearFetch
	FetchRange(ctx context.Context, yearFrom, yearTo int, opts strava.RangeOptions) strava.RangeResult
}

// Service fetches years of activities and writes them to the store
type Service struct {
	store   *store.Store
	fetcher Fetcher
	opts    strava.RangeOptions
}

// NewService creates a new sync service. opts are used for every range
// fetch; their OnYear hook runs after each year is saved.
func NewService(st *store.Store, fetcher Fetcher, opts strava.RangeOptions) *Service {
	return &Service{
		store:   st,
		fetcher: fetcher,
		opts:    opts,
	}
}

// SyncRange fetches every year between the bounds and saves each one as soon
// as it finishes, partial years included. The RangeResult is returned even
// when saving fails; the error joins every failed save.
func (s *Service) SyncRange(ctx context.Context, yearFrom, yearTo int) (strava.RangeResult, error) {
	var saveErrs []error

	opts := s.opts
	opts.OnYear = func(fetch strava.YearFetch) {
		// a cancelled fetch would overwrite a good snapshot with nothing
		if errors.Is(fetch.Err, context.Canceled) && len(fetch.Activities) == 0 {
			logging.Logger.Debug().Int("year", fetch.Year).Msg("skipping save of cancelled year")
		} else if err := s.store.SaveYear(ctx, fetch); err != nil {
			saveErrs = append(saveErrs, fmt.Errorf("saving %d: %w", fetch.Year, err))
		}
		if s.opts.OnYear != nil {
			s.opts.OnYear(fetch)
		}
	}

	result := s.fetcher.FetchRange(ctx, yearFrom, yearTo, opts)

	logging.Logger.Info().
		Int("from", result.From).
		Int("to", result.To).
		Int("activities", result.Total()).
		Ints("incomplete_years", result.Incomplete()).
		Int("save_errors", len(saveErrs)).
		Msg("sync completed")

	return result, errors.Join(saveErrs...)
}

// SyncYear fetches and saves a single year
func (s *Service) SyncYear(ctx context.Context, year int) (strava.YearFetch, error) {
	fetch := s.fetcher.FetchYear(ctx, strava.NewYearWindow(year), s.opts.Progress)
	if errors.Is(fetch.Err, context.Canceled) && len(fetch.Activities) == 0 {
		return fetch, fetch.Err
	}
	if err := s.store.SaveYear(ctx, fetch); err != nil {
		return fetch, fmt.Errorf("saving %d: %w", year, err)
	}
	if s.opts.OnYear != nil {
		s.opts.OnYear(fetch)
	}
	return fetch, nil
}
