package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/joshdurbin/strava-stats/internal/auth"
	"github.com/joshdurbin/strava-stats/internal/logging"
	"github.com/joshdurbin/strava-stats/internal/metrics"
	"github.com/joshdurbin/strava-stats/internal/stats"
	"github.com/joshdurbin/strava-stats/internal/strava"
	"github.com/joshdurbin/strava-stats/internal/sync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/singleflight"
)

//go:embed templates/*.html
var templateFS embed.FS

const (
	stateCookie = "strava_oauth_state"
	maxYears    = 100
)

var (
	errMissingToken = errors.New("missing access token")
	errUnauthorized = errors.New("access token rejected by Strava")
)

// FetcherFactory builds a fetcher for one access token
type FetcherFactory func(token string) sync.Fetcher

// Config configures the dashboard
type Config struct {
	// Exchanger enables the Strava connect flow. Without it the index page
	// only accepts a pasted access token.
	Exchanger *auth.Exchanger

	NewFetcher   FetcherFactory
	RangeOptions strava.RangeOptions

	// YearFrom is the first year shown. YearTo of 0 follows the current UTC year.
	YearFrom int
	YearTo   int

	// PrimaryType is shown first; the dashboard toggles between it and OtherType.
	PrimaryType string
	OtherType   string

	CacheSizeMB int
	CacheTTL    time.Duration

	// FetchTimeout bounds a shared range fetch. Defaults to 10 minutes.
	FetchTimeout time.Duration

	Metrics  *metrics.Manager
	Gatherer prometheus.Gatherer
}

// Handler serves the dashboard, its JSON API and the metrics endpoint
type Handler struct {
	cfg       Config
	router    *mux.Router
	cache     *snapshotCache
	group     singleflight.Group
	templates *template.Template
	now       func() time.Time
}

// NewHandler wires every route
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.NewFetcher == nil {
		return nil, errors.New("web: NewFetcher is required")
	}
	if cfg.PrimaryType == "" {
		cfg.PrimaryType = "Run"
	}
	if cfg.OtherType == "" {
		cfg.OtherType = "Ride"
	}
	if cfg.YearFrom == 0 {
		cfg.YearFrom = 2009
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 10 * time.Minute
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Minute
	}

	tmpl, err := template.New("").Funcs(template.FuncMap{
		"join": joinInts,
	}).ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parsing templates: %w", err)
	}

	h := &Handler{
		cfg:       cfg,
		router:    mux.NewRouter(),
		cache:     newSnapshotCache(cfg.CacheSizeMB, cfg.CacheTTL, cfg.Metrics),
		templates: tmpl,
		now:       time.Now,
	}

	r := h.router
	r.Use(PanicRecovery(cfg.Metrics))
	r.Use(LogRequest())
	r.Use(RequestMetrics(cfg.Metrics))

	r.HandleFunc("/", h.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/exchange_token", h.handleExchangeToken).Methods(http.MethodGet)
	r.HandleFunc("/dashboard", h.handleDashboard).Methods(http.MethodGet)
	r.HandleFunc("/healthz", h.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/activities", h.handleActivities).Methods(http.MethodGet)
	api.HandleFunc("/stats", h.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/stats.csv", h.handleStatsCSV).Methods(http.MethodGet)

	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

type indexPage struct {
	ConnectURL string
}

func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	var page indexPage
	if h.cfg.Exchanger != nil {
		state, err := auth.NewState()
		if err != nil {
			logging.Logger.Error().Err(err).Msg("failed to create oauth state")
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		http.SetCookie(w, &http.Cookie{
			Name:     stateCookie,
			Value:    state,
			Path:     "/",
			MaxAge:   600,
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
		page.ConnectURL = h.cfg.Exchanger.AuthCodeURL(state)
	}
	h.render(w, "index.html", page)
}

func (h *Handler) handleExchangeToken(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Exchanger == nil {
		http.NotFound(w, r)
		return
	}

	q := r.URL.Query()
	if errMsg := q.Get("error"); errMsg != "" {
		http.Error(w, "authorization failed: "+errMsg, http.StatusBadRequest)
		return
	}

	cookie, err := r.Cookie(stateCookie)
	if err != nil || cookie.Value == "" || cookie.Value != q.Get("state") {
		http.Error(w, auth.ErrStateMismatch.Error(), http.StatusBadRequest)
		return
	}
	http.SetCookie(w, &http.Cookie{Name: stateCookie, Value: "", Path: "/", MaxAge: -1})

	token, err := h.cfg.Exchanger.Exchange(r.Context(), q.Get("code"))
	if err != nil {
		logging.Logger.Warn().Err(err).Msg("token exchange failed")
		http.Error(w, "token exchange failed", http.StatusBadGateway)
		return
	}

	logging.Logger.Info().Int64("athlete_id", token.AthleteID).Msg("athlete connected")
	target := url.URL{Path: "/dashboard", RawQuery: url.Values{"access_token": {token.AccessToken}}.Encode()}
	http.Redirect(w, r, target.String(), http.StatusFound)
}

type dashboardPage struct {
	ActivityType string
	ToggleType   string
	ToggleURL    string
	From         int
	To           int
	Rows         []stats.Display
	Incomplete   []int
	TypeCounts   map[string]int
}

func (h *Handler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	token := accessToken(r)
	if token == "" {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	from, to, err := h.yearRange(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	snapshot, err := h.snapshot(r.Context(), token, from, to)
	if err != nil {
		h.snapshotError(w, err, false)
		return
	}

	activityType := h.activityType(r)
	projection := stats.NewProjection(snapshot.Activities, snapshot.From, snapshot.To, h.cfg.PrimaryType, h.cfg.OtherType)
	toggle := h.cfg.OtherType
	if activityType == h.cfg.OtherType {
		toggle = h.cfg.PrimaryType
	}

	q := url.Values{}
	q.Set("access_token", token)
	q.Set("type", toggle)
	q.Set("from", strconv.Itoa(snapshot.From))
	q.Set("to", strconv.Itoa(snapshot.To))

	h.render(w, "dashboard.html", dashboardPage{
		ActivityType: activityType,
		ToggleType:   toggle,
		ToggleURL:    "/dashboard?" + q.Encode(),
		From:         snapshot.From,
		To:           snapshot.To,
		Rows:         descending(stats.FormatAll(projection.Project(activityType))),
		Incomplete:   snapshot.Incomplete,
		TypeCounts:   projection.Types(),
	})
}

type activitiesResponse struct {
	ActivitiesPerYear strava.ActivitiesByYear `json:"activitiesPerYear"`
	IncompleteYears   []int                   `json:"incompleteYears"`
}

func (h *Handler) handleActivities(w http.ResponseWriter, r *http.Request) {
	snapshot, ok := h.apiSnapshot(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, activitiesResponse{
		ActivitiesPerYear: snapshot.Activities,
		IncompleteYears:   nonNil(snapshot.Incomplete),
	})
}

type statsResponse struct {
	ActivityType    string          `json:"activityType"`
	From            int             `json:"from"`
	To              int             `json:"to"`
	Years           []stats.Display `json:"years"`
	IncompleteYears []int           `json:"incompleteYears"`
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	snapshot, ok := h.apiSnapshot(w, r)
	if !ok {
		return
	}
	activityType := h.activityType(r)
	summaries := stats.Aggregate(snapshot.Activities, activityType, snapshot.From, snapshot.To)
	writeJSON(w, http.StatusOK, statsResponse{
		ActivityType:    activityType,
		From:            snapshot.From,
		To:              snapshot.To,
		Years:           stats.FormatAll(summaries),
		IncompleteYears: nonNil(snapshot.Incomplete),
	})
}

func (h *Handler) handleStatsCSV(w http.ResponseWriter, r *http.Request) {
	snapshot, ok := h.apiSnapshot(w, r)
	if !ok {
		return
	}
	summaries := stats.Aggregate(snapshot.Activities, h.activityType(r), snapshot.From, snapshot.To)
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	if err := stats.WriteCSV(w, summaries); err != nil {
		logging.Logger.Error().Err(err).Msg("failed to write csv")
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// apiSnapshot resolves token and range for the JSON endpoints, writing the
// error response itself when it returns false.
func (h *Handler) apiSnapshot(w http.ResponseWriter, r *http.Request) (sync.Snapshot, bool) {
	token := accessToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, errMissingToken)
		return sync.Snapshot{}, false
	}
	from, to, err := h.yearRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return sync.Snapshot{}, false
	}
	snapshot, err := h.snapshot(r.Context(), token, from, to)
	if err != nil {
		h.snapshotError(w, err, true)
		return sync.Snapshot{}, false
	}
	return snapshot, true
}

// snapshot serves a cached range or fetches it once, sharing the fetch
// between concurrent requests for the same token and range. The fetch runs
// under FetchTimeout rather than the request that started it, so a caller
// that goes away only stops waiting.
func (h *Handler) snapshot(ctx context.Context, token string, from, to int) (sync.Snapshot, error) {
	if snapshot, ok := h.cache.get(token, from, to); ok {
		return snapshot, nil
	}

	key := fmt.Sprintf("%s:%d-%d", tokenDigest(token), from, to)
	ch := h.group.DoChan(key, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.cfg.FetchTimeout)
		defer cancel()

		result := h.cfg.NewFetcher(token).FetchRange(fetchCtx, from, to, h.cfg.Metrics.Instrument(h.cfg.RangeOptions))
		if err := fetchCtx.Err(); err != nil {
			return nil, err
		}
		if result.Unauthorized() {
			return nil, errUnauthorized
		}
		snapshot := sync.SnapshotFromRange(result)
		if err := h.cache.set(token, snapshot); err != nil {
			logging.Logger.Warn().Err(err).Msg("snapshot not cached")
		}
		return snapshot, nil
	})

	select {
	case <-ctx.Done():
		return sync.Snapshot{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return sync.Snapshot{}, res.Err
		}
		return res.Val.(sync.Snapshot), nil
	}
}

func (h *Handler) snapshotError(w http.ResponseWriter, err error, asJSON bool) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	logging.Logger.Warn().Err(err).Int("status", status).Msg("failed to load activities")
	if asJSON {
		writeError(w, status, err)
		return
	}
	http.Error(w, err.Error(), status)
}

func (h *Handler) activityType(r *http.Request) string {
	if t := strings.TrimSpace(r.URL.Query().Get("type")); t != "" {
		return t
	}
	return h.cfg.PrimaryType
}

func (h *Handler) yearRange(r *http.Request) (int, int, error) {
	from := h.cfg.YearFrom
	to := h.cfg.YearTo
	if to == 0 {
		to = h.now().UTC().Year()
	}

	q := r.URL.Query()
	if v := q.Get("from"); v != "" {
		year, err := strconv.Atoi(v)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid from year %q", v)
		}
		from = year
	}
	if v := q.Get("to"); v != "" {
		year, err := strconv.Atoi(v)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid to year %q", v)
		}
		to = year
	}
	if from > to {
		from, to = to, from
	}
	if to-from >= maxYears {
		return 0, 0, fmt.Errorf("year range %d-%d spans more than %d years", from, to, maxYears)
	}
	return from, to, nil
}

func (h *Handler) render(w http.ResponseWriter, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := h.templates.ExecuteTemplate(w, name, data); err != nil {
		logging.Logger.Error().Err(err).Str("template", name).Msg("failed to render page")
	}
}

// accessToken reads the access_token query parameter or a bearer header
func accessToken(r *http.Request) string {
	if token := r.URL.Query().Get("access_token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Logger.Error().Err(err).Msg("failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func descending(rows []stats.Display) []stats.Display {
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows
}

func nonNil(years []int) []int {
	if years == nil {
		return []int{}
	}
	return years
}

func joinInts(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ", ")
}
