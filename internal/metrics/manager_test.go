package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/joshdurbin/strava-stats/internal/strava"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestInstrument(t *testing.T) {
	m, reg := NewTestManagerAndRegistry()

	var pages, years int
	opts := m.Instrument(strava.RangeOptions{
		Concurrency: 3,
		Progress:    func(strava.FetchResult) { pages++ },
		OnYear:      func(strava.YearFetch) { years++ },
	})
	assert.Equal(t, 3, opts.Concurrency)

	opts.Progress(strava.FetchResult{Page: 1, Activities: make([]strava.Activity, 100)})
	opts.Progress(strava.FetchResult{Page: 2, Activities: make([]strava.Activity, 4)})
	opts.Progress(strava.FetchResult{Page: 1, Error: errors.New("boom")})
	opts.OnYear(strava.YearFetch{Year: 2022, Duration: time.Second, Err: errors.New("boom")})
	opts.OnYear(strava.YearFetch{Year: 2021, Duration: time.Second})

	assert.Equal(t, 3, pages)
	assert.Equal(t, 2, years)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.CounterPages))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CounterPageFailures))
	assert.Equal(t, float64(104), testutil.ToFloat64(m.CounterActivitiesFetched))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CounterIncompleteYears))

	count, err := testutil.GatherAndCount(reg, "strava_stats_test_year_fetch_duration_seconds")
	assert.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestInstrumentWithoutHooks(t *testing.T) {
	m := NewTestManager()

	opts := m.Instrument(strava.RangeOptions{})
	opts.Progress(strava.FetchResult{Activities: make([]strava.Activity, 1)})
	opts.OnYear(strava.YearFetch{})

	assert.Equal(t, float64(1), testutil.ToFloat64(m.CounterPages))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.CounterIncompleteYears))

	var nilManager *Manager
	plain := nilManager.Instrument(strava.RangeOptions{})
	assert.Nil(t, plain.Progress)
	assert.Nil(t, plain.OnYear)
}
