package cmd

import (
	"fmt"
	"os"

	"github.com/joshdurbin/strava-stats/internal/logging"
	"github.com/spf13/cobra"
)

var (
	verbosity int
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "strava-stats",
	Short: "Yearly Strava statistics - distance, time and elevation per year",
	Long: `strava-stats pages through your Strava activities one calendar year at a
time and reports yearly totals for an activity type: distance in kilometers,
elapsed time and elevation gain.

Activities can be read live with an access token or from a local snapshot
written by "fetch". The same totals are available as a CLI report, a web
dashboard ("serve") and an MCP server for AI assistants ("mcp").

Get API credentials from https://www.strava.com/settings/api
`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		format, err := logging.ParseFormat(logFormat)
		if err != nil {
			return err
		}
		logging.Setup(logging.Level(verbosity), format)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "increase verbosity (-v for debug, -vv for trace with HTTP headers)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log output format: console or json")

	rootCmd.AddCommand(
		newFetchCmd(),
		newReportCmd(),
		newServeCmd(),
		newMCPCmd(),
		newLoginCmd(),
	)
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
