package server

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/joshdurbin/strava-stats/internal/logging"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const yearlyStatsURIPrefix = "strava://stats/yearly/"

// registerResources registers all MCP resources for the server
func (s *Server) registerResources() {
	logging.Debug("Registering MCP resources")

	s.mcp.AddResourceTemplate(&mcp.ResourceTemplate{
		URITemplate: yearlyStatsURIPrefix + "{type}",
		Name:        "yearly_stats_by_type",
		Description: "Per-year totals for one activity type over the default year range",
		MIMEType:    "application/json",
	}, s.readYearlyStats)
}

// readYearlyStats serves strava://stats/yearly/{type}
func (s *Server) readYearlyStats(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	uri := req.Params.URI
	activityType, err := typeFromURI(uri)
	if err != nil {
		return nil, err
	}

	logging.Info("MCP resource read", "resource", "yearly_stats_by_type", "type", activityType)

	output, err := s.yearlyStats(ctx, YearlyStatsInput{Type: activityType})
	if err != nil {
		return nil, err
	}

	jsonData, err := json.MarshalIndent(output, "", "  ")
	if err != nil {
		return nil, NewInternalErrorWithCause("failed to marshal yearly stats", err)
	}

	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{
			{
				URI:      uri,
				MIMEType: "application/json",
				Text:     string(jsonData),
			},
		},
	}, nil
}

func typeFromURI(uri string) (string, error) {
	raw, ok := strings.CutPrefix(uri, yearlyStatsURIPrefix)
	if !ok || raw == "" || strings.Contains(raw, "/") {
		return "", NewNotFoundError("resource " + uri)
	}
	activityType, err := url.PathUnescape(raw)
	if err != nil {
		return "", NewInvalidInputErrorWithDetails("invalid activity type in URI", raw)
	}
	return activityType, nil
}
