package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/joshdurbin/strava-stats/internal/logging"
	"github.com/joshdurbin/strava-stats/internal/stats"
	"github.com/joshdurbin/strava-stats/internal/sync"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	serverName    = "strava-stats"
	serverVersion = "1.0.0"

	maxYearSpan = 100
)

// ptr returns a pointer to the given value - useful for optional fields in structs
func ptr[T any](v T) *T {
	return &v
}

// Options configures the defaults the tools fall back on
type Options struct {
	// YearFrom is the first year when a request names none
	YearFrom int
	// YearTo is the last year when a request names none; 0 follows the current UTC year
	YearTo int
	// DefaultType is used when a request names no activity type
	DefaultType string
}

// Server wraps the MCP server and the activity source
type Server struct {
	mcp    *mcp.Server
	source sync.Source
	opts   Options
	now    func() time.Time
}

// MCPServer returns the underlying MCP server (for use with HTTP/SSE transport)
func (s *Server) MCPServer() *mcp.Server {
	return s.mcp
}

// New creates a new MCP server exposing yearly statistics from source
func New(source sync.Source, opts Options) *Server {
	logging.Info("MCP server initializing", "name", serverName, "version", serverVersion)

	if opts.YearFrom == 0 {
		opts.YearFrom = 2009
	}
	if opts.DefaultType == "" {
		opts.DefaultType = "Run"
	}

	mcpServer := mcp.NewServer(&mcp.Implementation{
		Name:    serverName,
		Version: serverVersion,
	}, nil)

	s := &Server{
		mcp:    mcpServer,
		source: source,
		opts:   opts,
		now:    time.Now,
	}

	s.registerTools()
	s.registerResources()
	s.registerPrompts()

	logging.Info("MCP server initialized", "tools_registered", 3, "resources_registered", 1, "prompts_registered", 1)
	return s
}

// Run starts the MCP server over stdio transport
func (s *Server) Run(ctx context.Context) error {
	logging.Info("MCP server starting")
	defer logging.Info("MCP server stopped")
	return s.mcp.Run(ctx, &mcp.StdioTransport{})
}

func (s *Server) registerTools() {
	logging.Debug("Registering tool", "name", "get_yearly_stats")
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name: "get_yearly_stats",
		Description: `Get per-year totals for one activity type: activity count, distance, elapsed time and elevation gain.

Use when:
- User asks "How far did I run each year?" or "Show my yearly cycling totals"
- User wants to compare years for a single sport

Parameters:
- type (string): Exact Strava activity type (Run, Ride, Swim, Walk, Hike, ...). Default: Run.
- from_year (integer): First calendar year (UTC). Default: 2009.
- to_year (integer): Last calendar year (UTC). Default: current year.

Returns: One row per fetched year, ascending, with distance in whole kilometers, elevation in whole meters and elapsed time as HH:MM:SS. Years whose fetch stopped early are listed in incomplete_years.

Example: {"type": "Ride", "from_year": 2018}`,
		Annotations: &mcp.ToolAnnotations{
			Title:           "Yearly Stats",
			ReadOnlyHint:    true,
			IdempotentHint:  true,
			OpenWorldHint:   ptr(false),
			DestructiveHint: ptr(false),
		},
	}, s.getYearlyStats)

	logging.Debug("Registering tool", "name", "export_yearly_stats_csv")
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name: "export_yearly_stats_csv",
		Description: `Export yearly totals for one activity type as CSV.

Each line is "year,distance_meters,elapsed_seconds,elevation_meters" with unrounded totals, ascending by year, without a header row.

Parameters:
- type (string): Exact Strava activity type. Default: Run.
- from_year (integer): First calendar year (UTC). Default: 2009.
- to_year (integer): Last calendar year (UTC). Default: current year.

Example: {"type": "Run"}`,
		Annotations: &mcp.ToolAnnotations{
			Title:           "Export Yearly Stats",
			ReadOnlyHint:    true,
			IdempotentHint:  true,
			OpenWorldHint:   ptr(false),
			DestructiveHint: ptr(false),
		},
	}, s.exportYearlyStatsCSV)

	logging.Debug("Registering tool", "name", "list_activity_types")
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name: "list_activity_types",
		Description: `List the activity types present in a year range with their activity counts, most frequent first.

Use when:
- User asks "What sports have I recorded?"
- You need a valid type value for get_yearly_stats

Parameters:
- from_year (integer): First calendar year (UTC). Default: 2009.
- to_year (integer): Last calendar year (UTC). Default: current year.`,
		Annotations: &mcp.ToolAnnotations{
			Title:           "List Activity Types",
			ReadOnlyHint:    true,
			IdempotentHint:  true,
			OpenWorldHint:   ptr(false),
			DestructiveHint: ptr(false),
		},
	}, s.listActivityTypes)
}

// YearRangeInput is shared by every tool that reads a range of years
type YearRangeInput struct {
	FromYear int `json:"from_year,omitempty" jsonschema:"First calendar year (UTC) to include. Defaults to 2009."`
	ToYear   int `json:"to_year,omitempty" jsonschema:"Last calendar year (UTC) to include. Defaults to the current year."`
}

type YearlyStatsInput struct {
	Type     string `json:"type,omitempty" jsonschema:"Exact Strava activity type, case sensitive. Common values: Run, Ride, Swim, Walk, Hike. Defaults to Run."`
	FromYear int    `json:"from_year,omitempty" jsonschema:"First calendar year (UTC) to include. Defaults to 2009."`
	ToYear   int    `json:"to_year,omitempty" jsonschema:"Last calendar year (UTC) to include. Defaults to the current year."`
}

func (in YearlyStatsInput) yearRange() YearRangeInput {
	return YearRangeInput{FromYear: in.FromYear, ToYear: in.ToYear}
}

type YearlyStatsOutput struct {
	ActivityType     string            `json:"activity_type"`
	FromYear         int               `json:"from_year"`
	ToYear           int               `json:"to_year"`
	Years            []stats.Display   `json:"years"`
	IncompleteYears  []int             `json:"incomplete_years,omitempty"`
	Insights         []Insight         `json:"insights,omitempty"`
	SuggestedActions []SuggestedAction `json:"suggested_actions,omitempty"`
}

type ExportCSVOutput struct {
	ActivityType    string `json:"activity_type"`
	CSV             string `json:"csv"`
	Lines           int    `json:"lines"`
	IncompleteYears []int  `json:"incomplete_years,omitempty"`
}

type TypeCount struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

type ActivityTypesOutput struct {
	FromYear         int               `json:"from_year"`
	ToYear           int               `json:"to_year"`
	Types            []TypeCount       `json:"types"`
	SuggestedActions []SuggestedAction `json:"suggested_actions,omitempty"`
}

func (s *Server) getYearlyStats(ctx context.Context, req *mcp.CallToolRequest, input YearlyStatsInput) (*mcp.CallToolResult, YearlyStatsOutput, error) {
	logging.Info("MCP tool call", "tool", "get_yearly_stats", "type", input.Type, "from_year", input.FromYear, "to_year", input.ToYear)
	if logging.IsVerbose() {
		logging.Debug("MCP request params", "tool", "get_yearly_stats", "input", logging.ToJSON(input))
	}

	output, err := s.yearlyStats(ctx, input)
	if err != nil {
		return nil, YearlyStatsOutput{}, err
	}
	return nil, output, nil
}

func (s *Server) yearlyStats(ctx context.Context, input YearlyStatsInput) (YearlyStatsOutput, error) {
	activityType := s.activityType(input.Type)
	snapshot, err := s.load(ctx, input.yearRange())
	if err != nil {
		return YearlyStatsOutput{}, err
	}

	summaries := stats.Aggregate(snapshot.Activities, activityType, snapshot.From, snapshot.To)
	return YearlyStatsOutput{
		ActivityType:     activityType,
		FromYear:         snapshot.From,
		ToYear:           snapshot.To,
		Years:            stats.FormatAll(summaries),
		IncompleteYears:  snapshot.Incomplete,
		Insights:         GenerateYearlyInsights(summaries, snapshot.Incomplete),
		SuggestedActions: SuggestNextActions("yearly_stats"),
	}, nil
}

func (s *Server) exportYearlyStatsCSV(ctx context.Context, req *mcp.CallToolRequest, input YearlyStatsInput) (*mcp.CallToolResult, ExportCSVOutput, error) {
	logging.Info("MCP tool call", "tool", "export_yearly_stats_csv", "type", input.Type, "from_year", input.FromYear, "to_year", input.ToYear)

	activityType := s.activityType(input.Type)
	snapshot, err := s.load(ctx, input.yearRange())
	if err != nil {
		return nil, ExportCSVOutput{}, err
	}

	summaries := stats.Aggregate(snapshot.Activities, activityType, snapshot.From, snapshot.To)
	return nil, ExportCSVOutput{
		ActivityType:    activityType,
		CSV:             stats.CSV(summaries),
		Lines:           len(summaries),
		IncompleteYears: snapshot.Incomplete,
	}, nil
}

func (s *Server) listActivityTypes(ctx context.Context, req *mcp.CallToolRequest, input YearRangeInput) (*mcp.CallToolResult, ActivityTypesOutput, error) {
	logging.Info("MCP tool call", "tool", "list_activity_types", "from_year", input.FromYear, "to_year", input.ToYear)

	snapshot, err := s.load(ctx, input)
	if err != nil {
		return nil, ActivityTypesOutput{}, err
	}

	counts := snapshot.Activities.Types(snapshot.From, snapshot.To)
	types := make([]TypeCount, 0, len(counts))
	for t, n := range counts {
		types = append(types, TypeCount{Type: t, Count: n})
	}
	sort.Slice(types, func(i, j int) bool {
		if types[i].Count != types[j].Count {
			return types[i].Count > types[j].Count
		}
		return types[i].Type < types[j].Type
	})

	return nil, ActivityTypesOutput{
		FromYear:         snapshot.From,
		ToYear:           snapshot.To,
		Types:            types,
		SuggestedActions: SuggestNextActions("activity_types"),
	}, nil
}

// load resolves the year range and reads it from the source
func (s *Server) load(ctx context.Context, input YearRangeInput) (sync.Snapshot, error) {
	from, to, err := s.yearRange(input)
	if err != nil {
		return sync.Snapshot{}, err
	}

	snapshot, err := s.source.Snapshot(ctx, from, to)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return sync.Snapshot{}, err
		}
		logging.Error("loading snapshot failed", "from", from, "to", to, "error", err)
		return sync.Snapshot{}, NewSourceError(err)
	}
	if len(snapshot.Incomplete) > 0 {
		logging.Warn("snapshot has incomplete years", "years", fmt.Sprint(snapshot.Incomplete))
	}
	return snapshot, nil
}

func (s *Server) yearRange(input YearRangeInput) (int, int, error) {
	from := input.FromYear
	if from == 0 {
		from = s.opts.YearFrom
	}
	to := input.ToYear
	if to == 0 {
		to = s.opts.YearTo
	}
	if to == 0 {
		to = s.now().UTC().Year()
	}

	if from < 0 || to < 0 {
		return 0, 0, NewInvalidInputErrorWithDetails("years must be positive", fmt.Sprintf("from_year=%d to_year=%d", from, to))
	}
	if from > to {
		from, to = to, from
	}
	if to-from >= maxYearSpan {
		return 0, 0, NewInvalidInputErrorWithDetails(fmt.Sprintf("year range may span at most %d years", maxYearSpan), fmt.Sprintf("%d-%d", from, to))
	}
	return from, to, nil
}

func (s *Server) activityType(t string) string {
	if t = strings.TrimSpace(t); t != "" {
		return t
	}
	return s.opts.DefaultType
}
