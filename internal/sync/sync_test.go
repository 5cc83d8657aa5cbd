package sync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	stdsync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joshdurbin/strava-stats/internal/store"
	"github.com/joshdurbin/strava-stats/internal/strava"
)

// fakeFetcher serves canned years and counts range fetches. A non-nil gate
// holds every range fetch until it is closed.
type fakeFetcher struct {
	years      map[int]strava.YearFetch
	rangeCalls atomic.Int32
	delay      time.Duration
	gate       chan struct{}
}

func (f *fakeFetcher) FetchYear(ctx context.Context, window strava.YearWindow, _ strava.ProgressCallback) strava.YearFetch {
	if err := ctx.Err(); err != nil {
		return strava.YearFetch{Year: window.Year, Activities: []strava.Activity{}, Err: err}
	}
	if fetch, ok := f.years[window.Year]; ok {
		return fetch
	}
	return strava.YearFetch{Year: window.Year, Activities: []strava.Activity{}, Pages: 1}
}

func (f *fakeFetcher) FetchRange(ctx context.Context, yearFrom, yearTo int, opts strava.RangeOptions) strava.RangeResult {
	f.rangeCalls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	lo, hi := ordered(yearFrom, yearTo)
	result := strava.RangeResult{From: lo, To: hi, Years: map[int]strava.YearFetch{}}
	for _, year := range strava.YearsDescending(lo, hi) {
		fetch := f.FetchYear(ctx, strava.NewYearWindow(year), opts.Progress)
		result.Years[year] = fetch
		if opts.OnYear != nil {
			opts.OnYear(fetch)
		}
	}
	return result
}

func openStore(t *testing.T) *store.Store {
	t.Helper()

	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func runs(n int) []strava.Activity {
	activities := make([]strava.Activity, n)
	for i := range activities {
		activities[i] = strava.Activity{Type: "Run", Distance: 1000, ElapsedTime: 300, TotalElevationGain: 1}
	}
	return activities
}

func TestSyncRangeSavesEveryYear(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openStore(t)

	fetcher := &fakeFetcher{years: map[int]strava.YearFetch{
		2022: {Year: 2022, Activities: runs(100), Pages: 1, Err: errors.New("page 2 failed")},
		2021: {Year: 2021, Activities: runs(3), Pages: 1},
	}}

	var seen []int
	svc := NewService(st, fetcher, strava.RangeOptions{
		OnYear: func(f strava.YearFetch) { seen = append(seen, f.Year) },
	})

	result, err := svc.SyncRange(ctx, 2020, 2022)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Total() != 103 {
		t.Errorf("total = %d, want 103", result.Total())
	}
	if len(seen) != 3 {
		t.Errorf("OnYear called for %v, want 3 years", seen)
	}

	byYear, err := st.LoadRange(ctx, 2020, 2022)
	if err != nil {
		t.Fatalf("loading: %v", err)
	}
	if len(byYear) != 3 {
		t.Fatalf("stored %d years, want 3", len(byYear))
	}
	if len(byYear[2022]) != 100 || len(byYear[2021]) != 3 || len(byYear[2020]) != 0 {
		t.Errorf("unexpected stored counts: 2022=%d 2021=%d 2020=%d", len(byYear[2022]), len(byYear[2021]), len(byYear[2020]))
	}

	incomplete, err := st.IncompleteYears(ctx, 2020, 2022)
	if err != nil {
		t.Fatalf("loading status: %v", err)
	}
	if len(incomplete) != 1 || incomplete[0] != 2022 {
		t.Errorf("incomplete = %v, want [2022]", incomplete)
	}
}

func TestSyncRangeCancelledKeepsSnapshot(t *testing.T) {
	t.Parallel()
	st := openStore(t)

	if err := st.SaveYear(context.Background(), strava.YearFetch{Year: 2020, Activities: runs(5)}); err != nil {
		t.Fatalf("seeding: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	svc := NewService(st, &fakeFetcher{}, strava.RangeOptions{})
	if _, err := svc.SyncRange(ctx, 2020, 2020); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	byYear, err := st.LoadRange(context.Background(), 2020, 2020)
	if err != nil {
		t.Fatalf("loading: %v", err)
	}
	if len(byYear[2020]) != 5 {
		t.Errorf("cancelled sync replaced the stored year: %d activities", len(byYear[2020]))
	}
}

func TestSyncYear(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openStore(t)

	svc := NewService(st, &fakeFetcher{years: map[int]strava.YearFetch{
		2024: {Year: 2024, Activities: runs(2), Pages: 1},
	}}, strava.RangeOptions{})

	fetch, err := svc.SyncYear(ctx, 2024)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fetch.Activities) != 2 {
		t.Errorf("fetched %d, want 2", len(fetch.Activities))
	}

	stats, err := st.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Years != 1 || stats.Activities != 2 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestStoreSource(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openStore(t)

	st.SaveYear(ctx, strava.YearFetch{Year: 2019, Activities: runs(4)})
	st.SaveYear(ctx, strava.YearFetch{Year: 2018, Activities: runs(1), Err: errors.New("boom")})

	snapshot, err := NewStoreSource(st).Snapshot(ctx, 2019, 2015)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snapshot.From != 2015 || snapshot.To != 2019 {
		t.Errorf("range = %d-%d", snapshot.From, snapshot.To)
	}
	if snapshot.Activities.Count() != 5 {
		t.Errorf("count = %d, want 5", snapshot.Activities.Count())
	}
	if len(snapshot.Incomplete) != 1 || snapshot.Incomplete[0] != 2018 {
		t.Errorf("incomplete = %v", snapshot.Incomplete)
	}
}

func TestLiveSourceFetchesOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fetcher := &fakeFetcher{years: map[int]strava.YearFetch{
		2023: {Year: 2023, Activities: runs(2), Pages: 1},
	}}
	live := NewLiveSource(fetcher, strava.RangeOptions{}, 0)

	for i := 0; i < 3; i++ {
		snapshot, err := live.Snapshot(ctx, 2023, 2022)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(snapshot.Activities[2023]) != 2 {
			t.Errorf("2023 has %d activities", len(snapshot.Activities[2023]))
		}
		if _, ok := snapshot.Activities[2022]; !ok {
			t.Error("empty year should still have an entry")
		}
	}
	if got := fetcher.rangeCalls.Load(); got != 1 {
		t.Errorf("range fetched %d times, want 1", got)
	}

	live.Invalidate()
	if _, err := live.Snapshot(ctx, 2022, 2023); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := fetcher.rangeCalls.Load(); got != 2 {
		t.Errorf("range fetched %d times after invalidate, want 2", got)
	}
}

func TestLiveSourceTTL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fetcher := &fakeFetcher{}
	live := NewLiveSource(fetcher, strava.RangeOptions{}, time.Minute)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	live.now = func() time.Time { return now }

	live.Snapshot(ctx, 2020, 2020)
	now = now.Add(30 * time.Second)
	live.Snapshot(ctx, 2020, 2020)
	if got := fetcher.rangeCalls.Load(); got != 1 {
		t.Fatalf("fetched %d times inside ttl, want 1", got)
	}

	now = now.Add(time.Minute)
	live.Snapshot(ctx, 2020, 2020)
	if got := fetcher.rangeCalls.Load(); got != 2 {
		t.Errorf("fetched %d times after ttl, want 2", got)
	}
}

func TestLiveSourceSharesInFlightFetch(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{delay: 50 * time.Millisecond}
	live := NewLiveSource(fetcher, strava.RangeOptions{}, 0)

	var wg stdsync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := live.Snapshot(context.Background(), 2010, 2012); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := fetcher.rangeCalls.Load(); got > 2 {
		t.Errorf("range fetched %d times, want concurrent callers to share", got)
	}
}

func TestLiveSourceCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fetcher := &fakeFetcher{}
	live := NewLiveSource(fetcher, strava.RangeOptions{}, 0)
	if _, err := live.Snapshot(ctx, 2020, 2021); !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}

	// a caller that had already given up never started a fetch
	if _, err := live.Snapshot(context.Background(), 2020, 2021); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := fetcher.rangeCalls.Load(); got != 1 {
		t.Errorf("fetched %d times, want 1", got)
	}
}

func TestLiveSourceCallerCancelDoesNotAbortFetch(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{
		years: map[int]strava.YearFetch{2020: {Year: 2020, Activities: runs(3), Pages: 1}},
		gate:  make(chan struct{}),
	}
	live := NewLiveSource(fetcher, strava.RangeOptions{}, 0)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := live.Snapshot(ctxA, 2020, 2020)
		errA <- err
	}()

	deadline := time.Now().Add(time.Second)
	for fetcher.rangeCalls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("fetch never started")
		}
		time.Sleep(time.Millisecond)
	}
	cancelA()
	if err := <-errA; !errors.Is(err, context.Canceled) {
		t.Fatalf("first caller error = %v, want context.Canceled", err)
	}

	type outcome struct {
		snapshot Snapshot
		err      error
	}
	resB := make(chan outcome, 1)
	go func() {
		snapshot, err := live.Snapshot(context.Background(), 2020, 2020)
		resB <- outcome{snapshot, err}
	}()

	time.Sleep(20 * time.Millisecond)
	close(fetcher.gate)

	b := <-resB
	if b.err != nil {
		t.Fatalf("second caller error = %v", b.err)
	}
	if got := len(b.snapshot.Activities[2020]); got != 3 {
		t.Errorf("second caller got %d activities, want 3", got)
	}
	if got := fetcher.rangeCalls.Load(); got != 1 {
		t.Errorf("fetched %d times, want the first fetch reused", got)
	}
}

func TestLiveSourceRejectedToken(t *testing.T) {
	t.Parallel()

	rejected := func(year int) strava.YearFetch {
		return strava.YearFetch{
			Year:       year,
			Activities: []strava.Activity{},
			Err:        fmt.Errorf("year %d page 1: %w", year, strava.ErrUnauthorized),
		}
	}
	fetcher := &fakeFetcher{years: map[int]strava.YearFetch{
		2020: rejected(2020),
		2021: rejected(2021),
	}}
	live := NewLiveSource(fetcher, strava.RangeOptions{}, 0)

	for i := 0; i < 2; i++ {
		if _, err := live.Snapshot(context.Background(), 2020, 2021); !errors.Is(err, strava.ErrUnauthorized) {
			t.Fatalf("error = %v, want ErrUnauthorized", err)
		}
	}
	if got := fetcher.rangeCalls.Load(); got != 2 {
		t.Errorf("fetched %d times, want a rejected token never cached", got)
	}
}
