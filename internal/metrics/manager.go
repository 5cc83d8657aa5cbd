package metrics

import (
	"github.com/joshdurbin/strava-stats/internal/strava"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Manager struct {
	// counters
	CounterRequests           *prometheus.CounterVec
	CounterPages              prometheus.Counter
	CounterPageFailures       prometheus.Counter
	CounterActivitiesFetched  prometheus.Counter
	CounterIncompleteYears    prometheus.Counter
	CounterHandleRequestPanic prometheus.Counter
	CounterCache              *prometheus.CounterVec

	// gauges
	GaugeRequests prometheus.Gauge

	// histograms
	HistRequestDuration   prometheus.Histogram
	HistYearFetchDuration prometheus.Histogram
}

func NewTestManager() *Manager {
	return NewManager("strava_stats", "test", prometheus.NewRegistry())
}

func NewTestManagerAndRegistry() (*Manager, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	return NewManager("strava_stats", "test", reg), reg
}

func NewManager(namespace, subsystem string, reg prometheus.Registerer) *Manager {
	factory := promauto.With(reg)

	counterRequests := factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "request",
		Help:      "The total number of incoming requests",
	}, []string{"route", "status"})
	counterPages := factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "pages_fetched",
		Help:      "The total number of activity pages fetched from Strava",
	})
	counterPageFailures := factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "page_failures",
		Help:      "The total number of activity page requests that failed",
	})
	counterActivitiesFetched := factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "activities_fetched",
		Help:      "The total number of activities fetched from Strava",
	})
	counterIncompleteYears := factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "incomplete_years",
		Help:      "The total number of year fetches that stopped early",
	})
	counterHandleRequestPanic := factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "handle_request_panic",
		Help:      "The total number of serve request panics",
	})
	counterCache := factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "activity_cache",
		Help:      "Activity cache lookups by result",
	}, []string{"result"})

	gaugeRequests := factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "current_requests",
		Help:      "Current number of requests served",
	})

	histReqDuration := factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			Name:      "request_duration_seconds",
			Help:      "Total duration of requests in seconds",
		},
	)
	histYearFetchDuration := factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 300, 900},
			Name:      "year_fetch_duration_seconds",
			Help:      "Duration of paging through a single year in seconds",
		},
	)

	return &Manager{
		CounterRequests:           counterRequests,
		CounterPages:              counterPages,
		CounterPageFailures:       counterPageFailures,
		CounterActivitiesFetched:  counterActivitiesFetched,
		CounterIncompleteYears:    counterIncompleteYears,
		CounterHandleRequestPanic: counterHandleRequestPanic,
		CounterCache:              counterCache,
		GaugeRequests:             gaugeRequests,
		HistRequestDuration:       histReqDuration,
		HistYearFetchDuration:     histYearFetchDuration,
	}
}

// ObservePage records one page result
func (m *Manager) ObservePage(r strava.FetchResult) {
	if r.Error != nil {
		m.CounterPageFailures.Inc()
		return
	}
	m.CounterPages.Inc()
	m.CounterActivitiesFetched.Add(float64(len(r.Activities)))
}

// ObserveYear records one finished year
func (m *Manager) ObserveYear(f strava.YearFetch) {
	m.HistYearFetchDuration.Observe(f.Duration.Seconds())
	if !f.Complete() {
		m.CounterIncompleteYears.Inc()
	}
}

// Instrument returns opts with the metric observers chained in front of any
// hooks already set.
func (m *Manager) Instrument(opts strava.RangeOptions) strava.RangeOptions {
	if m == nil {
		return opts
	}
	progress, onYear := opts.Progress, opts.OnYear
	opts.Progress = func(r strava.FetchResult) {
		m.ObservePage(r)
		if progress != nil {
			progress(r)
		}
	}
	opts.OnYear = func(f strava.YearFetch) {
		m.ObserveYear(f)
		if onYear != nil {
			onYear(f)
		}
	}
	return opts
}
