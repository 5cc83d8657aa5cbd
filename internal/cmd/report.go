package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/joshdurbin/strava-stats/internal/logging"
	"github.com/joshdurbin/strava-stats/internal/stats"
	"github.com/joshdurbin/strava-stats/internal/store"
	"github.com/joshdurbin/strava-stats/internal/strava"
	"github.com/joshdurbin/strava-stats/internal/sync"
	"github.com/spf13/cobra"
)

// ReportConfig holds the flags of the report command
type ReportConfig struct {
	Token        string
	DBPath       string
	ActivityType string
	Compare      string
	CSV          bool
	OmitEmpty    bool
	Concurrency  int
	Range        RangeConfig
}

func newReportCmd() *cobra.Command {
	cfg := &ReportConfig{}

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print yearly totals for an activity type",
		Long: `Report prints one row per year with the activity count, distance in whole
kilometers, elapsed time as HH:MM:SS and elevation gain in whole meters.

Activities are read from a snapshot written by "fetch" when --db is given,
otherwise they are fetched live with --token. With --compare a second table
for another type is printed from the same activities without fetching again.

With --csv each line is "year,distance_meters,elapsed_seconds,elevation_meters"
without a header row.`,
		Example: `  strava-stats report --token $STRAVA_ACCESS_TOKEN --type Run --compare Ride
  strava-stats report --db strava_stats.db --type Ride --csv`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Token == "" {
				cfg.Token = envOr(envAccessToken, "")
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return runReport(ctx, cfg, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVar(&cfg.Token, "token", "", "Strava access token for a live fetch (default $"+envAccessToken+")")
	cmd.Flags().StringVar(&cfg.DBPath, "db", "", "read from a SQLite snapshot instead of fetching")
	cmd.Flags().StringVarP(&cfg.ActivityType, "type", "t", "Run", "activity type, matched exactly")
	cmd.Flags().StringVar(&cfg.Compare, "compare", "", "second activity type to report from the same activities")
	cmd.Flags().BoolVar(&cfg.CSV, "csv", false, "print CSV instead of a table")
	cmd.Flags().BoolVar(&cfg.OmitEmpty, "omit-empty", false, "leave out years with no activities at all")
	cmd.Flags().IntVar(&cfg.Concurrency, "concurrency", 1, "number of years fetched at once for a live fetch")
	addRangeFlags(cmd, &cfg.Range)

	return cmd
}

func runReport(ctx context.Context, cfg *ReportConfig, out, errOut io.Writer) error {
	from, to := cfg.Range.resolve(time.Now())
	if err := validateRange(from, to); err != nil {
		return err
	}

	source, closeSource, err := reportSource(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeSource()

	snapshot, err := source.Snapshot(ctx, from, to)
	if err != nil {
		return err
	}
	if len(snapshot.Incomplete) > 0 {
		fmt.Fprintf(errOut, "warning: totals for %v are partial, the fetch stopped early\n", snapshot.Incomplete)
	}

	other := cfg.Compare
	if other == "" {
		other = cfg.ActivityType
	}
	projection := stats.NewProjection(snapshot.Activities, snapshot.From, snapshot.To, cfg.ActivityType, other)

	activityType, summaries := projection.Current()
	if err := writeReport(out, activityType, summaries, cfg.CSV); err != nil {
		return err
	}
	if cfg.Compare == "" || cfg.Compare == cfg.ActivityType {
		return nil
	}

	fmt.Fprintln(out)
	activityType, summaries = projection.Toggle()
	return writeReport(out, activityType, summaries, cfg.CSV)
}

// reportSource picks the snapshot store when --db is set, a live fetch otherwise
func reportSource(ctx context.Context, cfg *ReportConfig) (sync.Source, func(), error) {
	if cfg.DBPath != "" {
		st, err := store.Open(ctx, cfg.DBPath)
		if err != nil {
			return nil, nil, err
		}
		logging.Logger.Debug().Str("db_path", cfg.DBPath).Msg("reporting from snapshot")
		return sync.NewStoreSource(st), func() { st.Close() }, nil
	}
	if cfg.Token == "" {
		return nil, nil, errors.New("either --db or an access token is required")
	}

	client := strava.NewClient(cfg.Token)
	source := sync.NewLiveSource(client, strava.RangeOptions{
		Concurrency:    cfg.Concurrency,
		OmitEmptyYears: cfg.OmitEmpty,
		Progress:       logProgress,
	}, 0)
	return source, func() {}, nil
}

func writeReport(out io.Writer, activityType string, summaries stats.Summaries, asCSV bool) error {
	if asCSV {
		return stats.WriteCSV(out, summaries)
	}

	fmt.Fprintf(out, "%s\n", activityType)
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "Year\tActivities\tDistance\tElapsed\tElevation\t")
	for _, row := range stats.FormatAll(summaries) {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t\n", row.Year, row.Activities, row.Distance, row.ElapsedTime, row.ElevationGain)
	}
	return tw.Flush()
}
