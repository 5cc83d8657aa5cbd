package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joshdurbin/strava-stats/internal/logging"
	"github.com/spf13/cobra"
)

const (
	envAccessToken  = "STRAVA_ACCESS_TOKEN"
	envClientID     = "STRAVA_CLIENT_ID"
	envClientSecret = "STRAVA_CLIENT_SECRET"

	defaultFromYear = 2009
	defaultDBPath   = "strava_stats.db"
)

var errNoToken = errors.New("an access token is required (--token or " + envAccessToken + ")")

// RangeConfig is the year range shared by every command
type RangeConfig struct {
	From int
	To   int
}

// addRangeFlags registers --from and --to; --to defaults to the current UTC year
func addRangeFlags(cmd *cobra.Command, cfg *RangeConfig) {
	cmd.Flags().IntVar(&cfg.From, "from", defaultFromYear, "first calendar year (UTC) to include")
	cmd.Flags().IntVar(&cfg.To, "to", 0, "last calendar year (UTC) to include (default current year)")
}

// resolve fills in the upper bound and orders the years
func (r RangeConfig) resolve(now time.Time) (int, int) {
	to := r.To
	if to == 0 {
		to = now.UTC().Year()
	}
	if r.From > to {
		return to, r.From
	}
	return r.From, to
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			logging.Logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()

	return ctx, cancel
}

func validateRange(from, to int) error {
	if from <= 0 {
		return fmt.Errorf("invalid year range %d-%d", from, to)
	}
	return nil
}
