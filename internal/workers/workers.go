package workers

import (
	"context"
	"time"

	"github.com/joshdurbin/strava-stats/internal/logging"
	"github.com/joshdurbin/strava-stats/internal/store"
	"github.com/joshdurbin/strava-stats/internal/strava"
)

// YearSyncer fetches and stores one year
type YearSyncer interface {
	SyncYear(ctx context.Context, year int) (strava.YearFetch, error)
}

// RateLimiter reports whether the API has room for more requests
type RateLimiter interface {
	WaitForRateLimit(ctx context.Context) error
}

// CurrentYearRefresher periodically re-fetches the current UTC year so the
// snapshot picks up new activities. Past years are left alone.
type CurrentYearRefresher struct {
	syncer   YearSyncer
	limiter  RateLimiter
	interval time.Duration
	now      func() time.Time
}

// NewCurrentYearRefresher creates a new refresher worker. limiter may be nil.
func NewCurrentYearRefresher(syncer YearSyncer, limiter RateLimiter, interval time.Duration) *CurrentYearRefresher {
	return &CurrentYearRefresher{
		syncer:   syncer,
		limiter:  limiter,
		interval: interval,
		now:      time.Now,
	}
}

// Run refreshes on every tick until ctx is done
func (r *CurrentYearRefresher) Run(ctx context.Context) {
	log := logging.Logger
	log.Info().Dur("interval", r.interval).Msg("current year refresher started")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("current year refresher stopped")
			return
		case <-ticker.C:
			r.refresh(ctx)
		}
	}
}

func (r *CurrentYearRefresher) refresh(ctx context.Context) {
	log := logging.Logger
	year := r.now().UTC().Year()

	if r.limiter != nil {
		if err := r.limiter.WaitForRateLimit(ctx); err != nil {
			log.Info().Err(err).Msg("refresh cancelled while waiting for rate limit")
			return
		}
	}

	fetch, err := r.syncer.SyncYear(ctx, year)
	if err != nil {
		log.Error().Err(err).Int("year", year).Msg("failed to refresh current year")
		return
	}

	event := log.Info()
	if !fetch.Complete() {
		event = log.Warn().Err(fetch.Err)
	}
	event.
		Int("year", year).
		Int("activities", len(fetch.Activities)).
		Bool("complete", fetch.Complete()).
		Msg("current year refreshed")
}

// LogStoreStats logs current snapshot statistics
func LogStoreStats(ctx context.Context, st *store.Store) {
	log := logging.Logger

	stats, err := st.Stats(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to read store statistics")
		return
	}

	if stats.Years == 0 {
		log.Info().Int("years", 0).Msg("store statistics")
		return
	}

	log.Info().
		Int("years", stats.Years).
		Int("activities", stats.Activities).
		Int("incomplete_years", stats.IncompleteYears).
		Int("oldest_year", stats.OldestYear).
		Int("newest_year", stats.NewestYear).
		Str("last_fetched_at", stats.LastFetchedAt.Format(time.RFC3339)).
		Msg("store statistics")
}
