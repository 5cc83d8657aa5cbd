package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/joshdurbin/strava-stats/internal/logging"
	"github.com/joshdurbin/strava-stats/internal/server"
	"github.com/joshdurbin/strava-stats/internal/store"
	"github.com/joshdurbin/strava-stats/internal/strava"
	"github.com/joshdurbin/strava-stats/internal/sync"
	"github.com/joshdurbin/strava-stats/internal/workers"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// MCPConfig holds the flags of the mcp command
type MCPConfig struct {
	Token           string
	DBPath          string
	Port            int
	RefreshInterval time.Duration
	LiveTTL         time.Duration
	ActivityType    string
	Range           RangeConfig
}

func newMCPCmd() *cobra.Command {
	cfg := &MCPConfig{}

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Run the MCP server for AI assistants",
		Long: `MCP exposes yearly statistics as Model Context Protocol tools, a resource
template and a prompt.

With --db the tools read a snapshot written by "fetch"; when an access token is
also set the current year is re-fetched every --refresh-interval. Without --db
the tools fetch live with the access token and reuse results for --live-ttl.

The server speaks stdio unless --port is given, in which case it serves
HTTP/SSE.`,
		Example: `  strava-stats mcp --db strava_stats.db
  strava-stats mcp --token $STRAVA_ACCESS_TOKEN --port 8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Token == "" {
				cfg.Token = envOr(envAccessToken, "")
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return runMCP(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.Token, "token", "", "Strava access token (default $"+envAccessToken+")")
	cmd.Flags().StringVar(&cfg.DBPath, "db", "", "serve from a SQLite snapshot")
	cmd.Flags().IntVarP(&cfg.Port, "port", "p", 0, "HTTP/SSE port (0 = stdio)")
	cmd.Flags().DurationVar(&cfg.RefreshInterval, "refresh-interval", time.Hour, "current year refresh interval with --db and a token (0 disables)")
	cmd.Flags().DurationVar(&cfg.LiveTTL, "live-ttl", 10*time.Minute, "how long live fetches are reused without --db")
	cmd.Flags().StringVarP(&cfg.ActivityType, "type", "t", "Run", "activity type used when a tool names none")
	addRangeFlags(cmd, &cfg.Range)

	return cmd
}

func runMCP(ctx context.Context, cfg *MCPConfig) error {
	log := logging.Logger

	from, to := cfg.Range.resolve(time.Now())
	if err := validateRange(from, to); err != nil {
		return err
	}
	if cfg.DBPath == "" && cfg.Token == "" {
		return errors.New("either --db or an access token is required")
	}

	log.Info().
		Str("db_path", cfg.DBPath).
		Int("port", cfg.Port).
		Bool("live", cfg.DBPath == "").
		Dur("refresh_interval", cfg.RefreshInterval).
		Msg("starting strava-stats MCP server")

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	g, gCtx := errgroup.WithContext(workerCtx)

	var source sync.Source
	if cfg.DBPath != "" {
		st, err := store.Open(ctx, cfg.DBPath)
		if err != nil {
			return err
		}
		defer st.Close()

		workers.LogStoreStats(ctx, st)
		source = sync.NewStoreSource(st)

		if cfg.Token != "" && cfg.RefreshInterval > 0 {
			if err := st.CheckLock(); err != nil {
				return err
			}
			client := strava.NewClient(cfg.Token)
			service := sync.NewService(st, client, strava.RangeOptions{Progress: logProgress})
			refresher := workers.NewCurrentYearRefresher(service, client, cfg.RefreshInterval)
			g.Go(func() error {
				refresher.Run(gCtx)
				return nil
			})
		}
	} else {
		client := strava.NewClient(cfg.Token)
		source = sync.NewLiveSource(client, strava.RangeOptions{Progress: logProgress}, cfg.LiveTTL)
	}

	srv := server.New(source, server.Options{
		YearFrom:    cfg.Range.From,
		YearTo:      cfg.Range.To,
		DefaultType: cfg.ActivityType,
	})

	var serverErr error
	if cfg.Port > 0 {
		serverErr = runSSEServer(ctx, srv.MCPServer(), cfg.Port)
	} else {
		log.Info().Msg("MCP server running via stdio")
		serverErr = srv.Run(ctx)
	}

	// stdio returns when the client disconnects
	stopWorkers()
	waitForWorkers(g)
	return serverErr
}

func waitForWorkers(g *errgroup.Group) {
	log := logging.Logger
	log.Info().Msg("waiting for workers to shut down")
	if err := g.Wait(); err != nil {
		log.Warn().Err(err).Msg("worker error during shutdown")
		return
	}
	log.Info().Msg("all workers shut down gracefully")
}

// runSSEServer runs the MCP server over HTTP/SSE
func runSSEServer(ctx context.Context, mcpServer *mcp.Server, port int) error {
	handler := mcp.NewSSEHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)
	return listenAndServe(ctx, handler, port, "MCP server")
}
