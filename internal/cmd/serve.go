package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/joshdurbin/strava-stats/internal/auth"
	"github.com/joshdurbin/strava-stats/internal/logging"
	"github.com/joshdurbin/strava-stats/internal/metrics"
	"github.com/joshdurbin/strava-stats/internal/strava"
	"github.com/joshdurbin/strava-stats/internal/sync"
	"github.com/joshdurbin/strava-stats/internal/web"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

// ServeConfig holds the flags of the serve command
type ServeConfig struct {
	Port         int
	ClientID     string
	ClientSecret string
	RedirectURL  string
	ActivityType string
	OtherType    string
	Concurrency  int
	CacheTTL     time.Duration
	CacheSizeMB  int
	FetchTimeout time.Duration
	Range        RangeConfig
}

func newServeCmd() *cobra.Command {
	cfg := &ServeConfig{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the yearly stats dashboard",
		Long: `Serve runs the web dashboard. Visitors connect their Strava account, the
authorization code is exchanged for an access token and the dashboard shows
yearly totals with a toggle between two activity types.

Without --client-id the index page only accepts a pasted access token.
Prometheus metrics are served on /metrics.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.ClientID == "" {
				cfg.ClientID = envOr(envClientID, "")
			}
			if cfg.ClientSecret == "" {
				cfg.ClientSecret = envOr(envClientSecret, "")
			}
			if cfg.RedirectURL == "" {
				cfg.RedirectURL = fmt.Sprintf("http://localhost:%d/exchange_token", cfg.Port)
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return runServe(ctx, cfg)
		},
	}

	cmd.Flags().IntVarP(&cfg.Port, "port", "p", 3000, "HTTP port")
	cmd.Flags().StringVar(&cfg.ClientID, "client-id", "", "Strava API client ID (default $"+envClientID+")")
	cmd.Flags().StringVar(&cfg.ClientSecret, "client-secret", "", "Strava API client secret (default $"+envClientSecret+")")
	cmd.Flags().StringVar(&cfg.RedirectURL, "redirect-url", "", "OAuth redirect URL (default http://localhost:<port>/exchange_token)")
	cmd.Flags().StringVarP(&cfg.ActivityType, "type", "t", "Run", "activity type shown first")
	cmd.Flags().StringVar(&cfg.OtherType, "other-type", "Ride", "activity type the dashboard toggles to")
	cmd.Flags().IntVar(&cfg.Concurrency, "concurrency", 1, "number of years fetched at once")
	cmd.Flags().DurationVar(&cfg.CacheTTL, "cache-ttl", 10*time.Minute, "how long fetched activities are reused")
	cmd.Flags().IntVar(&cfg.CacheSizeMB, "cache-size-mb", 64, "size of the fetched activity cache")
	cmd.Flags().DurationVar(&cfg.FetchTimeout, "fetch-timeout", 10*time.Minute, "upper bound on one shared range fetch")
	addRangeFlags(cmd, &cfg.Range)

	return cmd
}

func runServe(ctx context.Context, cfg *ServeConfig) error {
	log := logging.Logger

	from, to := cfg.Range.resolve(time.Now())
	if err := validateRange(from, to); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewBuildInfoCollector(),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewManager("strava_stats", "web", reg)

	var exchanger *auth.Exchanger
	if cfg.ClientID != "" && cfg.ClientSecret != "" {
		exchanger = auth.NewExchanger(auth.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
		})
	} else {
		log.Warn().Msg("no client credentials, Strava connect is disabled")
	}

	handler, err := web.NewHandler(web.Config{
		NewFetcher: func(token string) sync.Fetcher {
			return strava.NewClient(token)
		},
		RangeOptions: strava.RangeOptions{
			Concurrency: cfg.Concurrency,
			Progress:    logProgress,
		},
		Exchanger:    exchanger,
		YearFrom:     cfg.Range.From,
		YearTo:       cfg.Range.To,
		PrimaryType:  cfg.ActivityType,
		OtherType:    cfg.OtherType,
		CacheSizeMB:  cfg.CacheSizeMB,
		CacheTTL:     cfg.CacheTTL,
		FetchTimeout: cfg.FetchTimeout,
		Metrics:      m,
		Gatherer:     reg,
	})
	if err != nil {
		return err
	}

	log.Info().
		Int("port", cfg.Port).
		Str("redirect_url", cfg.RedirectURL).
		Str("type", cfg.ActivityType).
		Str("other_type", cfg.OtherType).
		Dur("cache_ttl", cfg.CacheTTL).
		Msg("starting dashboard")

	return listenAndServe(ctx, handler, cfg.Port, "dashboard")
}
