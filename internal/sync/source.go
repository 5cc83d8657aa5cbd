package sync

import (
	"context"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/joshdurbin/strava-stats/internal/logging"
	"github.com/joshdurbin/strava-stats/internal/store"
	"github.com/joshdurbin/strava-stats/internal/strava"
	"golang.org/x/sync/singleflight"
)

// Snapshot is a set of fetched activities and the years known to be partial
type Snapshot struct {
	From       int
	To         int
	Activities strava.ActivitiesByYear
	Incomplete []int
}

// SnapshotFromRange converts a finished range fetch
func SnapshotFromRange(result strava.RangeResult) Snapshot {
	return Snapshot{
		From:       result.From,
		To:         result.To,
		Activities: result.Activities(),
		Incomplete: result.Incomplete(),
	}
}

// Source supplies activities for a year range
type Source interface {
	Snapshot(ctx context.Context, yearFrom, yearTo int) (Snapshot, error)
}

// StoreSource reads snapshots from the database without touching the API
type StoreSource struct {
	store *store.Store
}

// NewStoreSource creates a source backed by st
func NewStoreSource(st *store.Store) *StoreSource {
	return &StoreSource{store: st}
}

// Snapshot loads the stored years in range
func (s *StoreSource) Snapshot(ctx context.Context, yearFrom, yearTo int) (Snapshot, error) {
	lo, hi := ordered(yearFrom, yearTo)

	byYear, err := s.store.LoadRange(ctx, lo, hi)
	if err != nil {
		return Snapshot{}, fmt.Errorf("loading snapshot: %w", err)
	}
	incomplete, err := s.store.IncompleteYears(ctx, lo, hi)
	if err != nil {
		return Snapshot{}, fmt.Errorf("loading snapshot status: %w", err)
	}
	return Snapshot{From: lo, To: hi, Activities: byYear, Incomplete: incomplete}, nil
}

// DefaultFetchTimeout bounds one shared LiveSource fetch
const DefaultFetchTimeout = 10 * time.Minute

type cachedSnapshot struct {
	snapshot  Snapshot
	fetchedAt time.Time
}

// LiveSource fetches from the API on first use of a range and serves later
// calls for the same range from memory until ttl passes. A ttl of zero keeps
// results until Invalidate. Concurrent callers for one range share a fetch,
// which runs under its own timeout so it outlives a caller that gives up.
type LiveSource struct {
	fetcher      Fetcher
	opts         strava.RangeOptions
	ttl          time.Duration
	fetchTimeout time.Duration
	now          func() time.Time

	group singleflight.Group
	mu    stdsync.Mutex
	cache map[[2]int]cachedSnapshot
}

// NewLiveSource creates a source that fetches through fetcher
func NewLiveSource(fetcher Fetcher, opts strava.RangeOptions, ttl time.Duration) *LiveSource {
	return &LiveSource{
		fetcher:      fetcher,
		opts:         opts,
		ttl:          ttl,
		fetchTimeout: DefaultFetchTimeout,
		now:          time.Now,
		cache:        make(map[[2]int]cachedSnapshot),
	}
}

// Snapshot returns the cached range or fetches it. Partial years are not an
// error; they are listed in Snapshot.Incomplete. A token rejected for every
// year returns strava.ErrUnauthorized and is not cached. Cancelling ctx
// returns early without stopping a fetch other callers may be waiting on.
func (l *LiveSource) Snapshot(ctx context.Context, yearFrom, yearTo int) (Snapshot, error) {
	lo, hi := ordered(yearFrom, yearTo)
	key := [2]int{lo, hi}
	if err := ctx.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("fetching %d-%d: %w", lo, hi, err)
	}

	l.mu.Lock()
	cached, ok := l.cache[key]
	l.mu.Unlock()
	if ok && (l.ttl <= 0 || l.now().Sub(cached.fetchedAt) < l.ttl) {
		return cached.snapshot, nil
	}

	ch := l.group.DoChan(fmt.Sprintf("%d-%d", lo, hi), func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.fetchTimeout)
		defer cancel()

		result := l.fetcher.FetchRange(fetchCtx, lo, hi, l.opts)
		if err := fetchCtx.Err(); err != nil {
			return nil, err
		}
		if result.Unauthorized() {
			return nil, strava.ErrUnauthorized
		}
		snapshot := SnapshotFromRange(result)
		l.mu.Lock()
		l.cache[key] = cachedSnapshot{snapshot: snapshot, fetchedAt: l.now()}
		l.mu.Unlock()
		return snapshot, nil
	})

	select {
	case <-ctx.Done():
		return Snapshot{}, fmt.Errorf("fetching %d-%d: %w", lo, hi, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return Snapshot{}, fmt.Errorf("fetching %d-%d: %w", lo, hi, res.Err)
		}
		if res.Shared {
			logging.Logger.Debug().Int("from", lo).Int("to", hi).Msg("shared in-flight fetch")
		}
		return res.Val.(Snapshot), nil
	}
}

// Invalidate drops every cached range
func (l *LiveSource) Invalidate() {
	l.mu.Lock()
	l.cache = make(map[[2]int]cachedSnapshot)
	l.mu.Unlock()
}

func ordered(a, b int) (int, int) {
	if a > b {
		return b, a
	}
	return a, b
}
