package workers

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/joshdurbin/strava-stats/internal/store"
	"github.com/joshdurbin/strava-stats/internal/strava"
	"go.uber.org/goleak"
)

// every refresher goroutine must be gone once its context is cancelled
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSyncer struct {
	mu    sync.Mutex
	years []int
	err   error
}

func (f *fakeSyncer) SyncYear(_ context.Context, year int) (strava.YearFetch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.years = append(f.years, year)
	return strava.YearFetch{Year: year}, f.err
}

func (f *fakeSyncer) calls() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.years...)
}

type fakeLimiter struct {
	err error
}

func (f fakeLimiter) WaitForRateLimit(context.Context) error {
	return f.err
}

func TestNewCurrentYearRefresher(t *testing.T) {
	t.Parallel()

	refresher := NewCurrentYearRefresher(&fakeSyncer{}, nil, 30*time.Minute)

	if refresher.interval != 30*time.Minute {
		t.Errorf("expected interval 30m, got %v", refresher.interval)
	}
	if refresher.now == nil {
		t.Error("expected clock to be set")
	}
}

func TestRefreshUsesCurrentUTCYear(t *testing.T) {
	t.Parallel()

	syncer := &fakeSyncer{}
	refresher := NewCurrentYearRefresher(syncer, nil, time.Hour)
	// still 2024 in Auckland, already 2023 in UTC
	refresher.now = func() time.Time {
		return time.Date(2024, 1, 1, 9, 0, 0, 0, time.FixedZone("NZDT", 13*3600))
	}

	refresher.refresh(context.Background())

	if got := syncer.calls(); len(got) != 1 || got[0] != 2023 {
		t.Errorf("synced %v, want [2023]", got)
	}
}

func TestRefreshSkipsWhenRateLimitWaitFails(t *testing.T) {
	t.Parallel()

	syncer := &fakeSyncer{}
	refresher := NewCurrentYearRefresher(syncer, fakeLimiter{err: context.Canceled}, time.Hour)

	refresher.refresh(context.Background())

	if got := syncer.calls(); len(got) != 0 {
		t.Errorf("expected no sync, got %v", got)
	}
}

func TestRefreshSurvivesSyncError(t *testing.T) {
	t.Parallel()

	syncer := &fakeSyncer{err: errors.New("disk full")}
	refresher := NewCurrentYearRefresher(syncer, fakeLimiter{}, time.Hour)

	refresher.refresh(context.Background())
	refresher.refresh(context.Background())

	if got := syncer.calls(); len(got) != 2 {
		t.Errorf("expected 2 attempts, got %v", got)
	}
}

func TestCurrentYearRefresherRun(t *testing.T) {
	t.Parallel()

	syncer := &fakeSyncer{}
	refresher := NewCurrentYearRefresher(syncer, nil, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		refresher.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for len(syncer.calls()) < 2 {
		select {
		case <-deadline:
			t.Fatal("refresher did not tick")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("refresher did not stop after cancel")
	}
}

func TestLogStoreStats(t *testing.T) {
	t.Parallel()

	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "workers.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer st.Close()

	// should not panic with an empty store
	LogStoreStats(context.Background(), st)

	if err := st.SaveYear(context.Background(), strava.YearFetch{Year: 2024, Activities: []strava.Activity{{Type: "Run"}}}); err != nil {
		t.Fatalf("failed to save: %v", err)
	}
	LogStoreStats(context.Background(), st)
}
