package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coocood/freecache"
	"github.com/joshdurbin/strava-stats/internal/metrics"
	"github.com/joshdurbin/strava-stats/internal/strava"
	"github.com/joshdurbin/strava-stats/internal/sync"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPanicRecovery(t *testing.T) {
	m := metrics.NewTestManager()
	handler := PanicRecovery(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rr := httptest.NewRecorder()
	assert.NotPanics(t, func() {
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	})
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CounterHandleRequestPanic))
}

func TestRequestMetricsWithoutManager(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	handler := RequestMetrics(nil)(next)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rr.Code)
}

func TestResponseWriterKeepsFirstStatus(t *testing.T) {
	rr := httptest.NewRecorder()
	w := &responseWriter{ResponseWriter: rr, statusCode: http.StatusOK}

	_, _ = w.Write([]byte("ok"))
	w.WriteHeader(http.StatusInternalServerError)
	assert.Equal(t, http.StatusOK, w.statusCode)
}

func TestSnapshotCache(t *testing.T) {
	m := metrics.NewTestManager()
	cache := newSnapshotCache(1, time.Minute, m)

	snapshot := sync.Snapshot{
		From: 2023,
		To:   2024,
		Activities: strava.ActivitiesByYear{
			2023: {{ID: 7, Type: "Run", Distance: 1234.5, ElapsedTime: 600, TotalElevationGain: 3.5,
				StartDate: time.Date(2023, 5, 1, 6, 0, 0, 0, time.UTC)}},
			2024: {},
		},
		Incomplete: []int{2024},
	}

	_, ok := cache.get("token", 2023, 2024)
	assert.False(t, ok)

	require.NoError(t, cache.set("token", snapshot))

	got, ok := cache.get("token", 2023, 2024)
	require.True(t, ok)
	assert.Equal(t, 2023, got.From)
	assert.Equal(t, []int{2024}, got.Incomplete)
	require.Len(t, got.Activities[2023], 1)
	assert.Equal(t, snapshot.Activities[2023][0].Distance, got.Activities[2023][0].Distance)
	assert.True(t, snapshot.Activities[2023][0].StartDate.Equal(got.Activities[2023][0].StartDate))
	assert.NotNil(t, got.Activities[2024])

	_, ok = cache.get("other-token", 2023, 2024)
	assert.False(t, ok)
	_, ok = cache.get("token", 2022, 2024)
	assert.False(t, ok)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.CounterCache.WithLabelValues("hit")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.CounterCache.WithLabelValues("miss")))
}

func TestSnapshotCacheChunks(t *testing.T) {
	m := metrics.NewTestManager()
	c := newSnapshotCache(1, time.Minute, m)

	activities := make([]strava.Activity, 0, 50)
	for i := 0; i < 50; i++ {
		raw := fmt.Sprintf(`{"id":%d,"type":"Run","distance":1,"elapsed_time":1,"total_elevation_gain":0,"note":%q}`, i, strings.Repeat("n", 100))
		var a strava.Activity
		require.NoError(t, json.Unmarshal([]byte(raw), &a))
		activities = append(activities, a)
	}

	chunks, err := c.chunk(activities)
	require.NoError(t, err)
	assert.Greater(t, len(chunks), 1)
	for _, chunk := range chunks {
		assert.LessOrEqual(t, len(chunk), c.maxChunk)
	}

	snapshot := sync.Snapshot{From: 2023, To: 2023, Activities: strava.ActivitiesByYear{2023: activities}, Incomplete: []int{}}
	require.NoError(t, c.set(goodToken, snapshot))
	got, ok := c.get(goodToken, 2023, 2023)
	require.True(t, ok)
	require.Len(t, got.Activities[2023], 50)
	for i, a := range got.Activities[2023] {
		assert.Equal(t, string(activities[i].Raw()), string(a.Raw()))
	}

	huge := strava.Activity{ID: 1, Type: "Run", Name: strings.Repeat("h", c.maxChunk)}
	err = c.set(goodToken, sync.Snapshot{From: 2024, To: 2024, Activities: strava.ActivitiesByYear{2024: {huge}}})
	assert.ErrorIs(t, err, freecache.ErrLargeEntry)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CounterCache.WithLabelValues("too_large")))

	_, ok = c.get(goodToken, 2024, 2024)
	assert.False(t, ok)
}

func TestCacheKeyHidesToken(t *testing.T) {
	key := string(manifestKey("secret-token", 2009, 2024))
	assert.NotContains(t, key, "secret-token")
	assert.Equal(t, key, string(manifestKey("secret-token", 2009, 2024)))
	assert.NotEqual(t, key, string(manifestKey("secret-token", 2010, 2024)))
}
