package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/joshdurbin/strava-stats/internal/logging"
	"github.com/joshdurbin/strava-stats/internal/store"
	"github.com/joshdurbin/strava-stats/internal/strava"
	"github.com/joshdurbin/strava-stats/internal/sync"
	"github.com/joshdurbin/strava-stats/internal/workers"
	"github.com/spf13/cobra"
)

// FetchConfig holds the flags of the fetch command
type FetchConfig struct {
	Token       string
	DBPath      string
	Concurrency int
	MaxPages    int
	Retries     int
	Range       RangeConfig
}

func newFetchCmd() *cobra.Command {
	cfg := &FetchConfig{}

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch activities year by year into a local snapshot",
		Long: `Fetch pages through /athlete/activities one calendar year at a time, newest
year first, and stores every year in a SQLite snapshot. A year whose paging
fails part way is stored with the activities fetched so far and marked
incomplete; the remaining years are still fetched.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Token == "" {
				cfg.Token = envOr(envAccessToken, "")
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return runFetch(ctx, cfg, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&cfg.Token, "token", "", "Strava access token (default $"+envAccessToken+")")
	cmd.Flags().StringVar(&cfg.DBPath, "db", defaultDBPath, "path to SQLite snapshot file")
	cmd.Flags().IntVar(&cfg.Concurrency, "concurrency", 1, "number of years fetched at once")
	cmd.Flags().IntVar(&cfg.MaxPages, "max-pages", 0, "cap on pages per year (default 1000)")
	cmd.Flags().IntVar(&cfg.Retries, "retries", strava.DefaultRetryConfig().MaxRetries, "retries per page on 429 and 5xx responses")
	addRangeFlags(cmd, &cfg.Range)

	return cmd
}

func runFetch(ctx context.Context, cfg *FetchConfig, out io.Writer) error {
	log := logging.Logger

	if cfg.Token == "" {
		return errNoToken
	}
	from, to := cfg.Range.resolve(time.Now())
	if err := validateRange(from, to); err != nil {
		return err
	}

	log.Info().
		Str("db_path", cfg.DBPath).
		Int("from", from).
		Int("to", to).
		Int("concurrency", cfg.Concurrency).
		Msg("starting fetch")

	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.CheckLock(); err != nil {
		return err
	}

	retry := strava.DefaultRetryConfig()
	retry.MaxRetries = cfg.Retries
	client := strava.NewClientWithRetryConfig(cfg.Token, retry).WithMaxPages(cfg.MaxPages)
	service := sync.NewService(st, client, strava.RangeOptions{
		Concurrency: cfg.Concurrency,
		Progress:    logProgress,
	})

	result, err := service.SyncRange(ctx, from, to)
	printFetchSummary(out, result)
	workers.LogStoreStats(ctx, st)
	log.Info().Str("rate_limit", client.GetRateLimit().String()).Msg("fetch finished")
	if err != nil {
		return fmt.Errorf("saving snapshot: %w", err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

func logProgress(r strava.FetchResult) {
	event := logging.Logger.Debug()
	if r.Error != nil {
		event = logging.Logger.Warn().Err(r.Error)
	}
	event.
		Int("year", r.Year).
		Int("page", r.Page).
		Int("page_size", len(r.Activities)).
		Int("total", r.TotalFetched).
		Str("rate_limit", r.RateLimit.String()).
		Msg("page fetched")
}

func printFetchSummary(out io.Writer, result strava.RangeResult) {
	for _, year := range strava.YearsDescending(result.From, result.To) {
		fetch, ok := result.Years[year]
		if !ok {
			continue
		}
		status := "complete"
		if !fetch.Complete() {
			status = "incomplete: " + fetch.Err.Error()
		}
		fmt.Fprintf(out, "%d  %5d activities  %3d pages  %s\n", year, len(fetch.Activities), fetch.Pages, status)
	}
	fmt.Fprintf(out, "total %d activities, %d incomplete years\n", result.Total(), len(result.Incomplete()))
}
