package server

import (
	"context"
	"fmt"

	"github.com/joshdurbin/strava-stats/internal/logging"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// registerPrompts registers all MCP prompts for the server
func (s *Server) registerPrompts() {
	logging.Debug("Registering MCP prompts")

	s.mcp.AddPrompt(&mcp.Prompt{
		Name:        "yearly_review",
		Description: "Review training volume year by year for one activity type",
		Arguments: []*mcp.PromptArgument{
			{
				Name:        "type",
				Description: "Activity type to review (e.g., 'Run', 'Ride'). Defaults to Run.",
				Required:    false,
			},
			{
				Name:        "from_year",
				Description: "First year to include (e.g., '2015'). Defaults to 2009.",
				Required:    false,
			},
		},
	}, s.yearlyReviewPrompt)
}

// yearlyReviewPrompt generates a prompt for a multi-year review
func (s *Server) yearlyReviewPrompt(ctx context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	activityType := s.opts.DefaultType
	fromYear := ""
	if req.Params.Arguments != nil {
		if t, ok := req.Params.Arguments["type"]; ok && t != "" {
			activityType = t
		}
		fromYear = req.Params.Arguments["from_year"]
	}

	logging.Info("MCP prompt requested", "prompt", "yearly_review", "type", activityType, "from_year", fromYear)

	args := fmt.Sprintf(`type="%s"`, activityType)
	if fromYear != "" {
		args += fmt.Sprintf(", from_year=%s", fromYear)
	}

	promptText := fmt.Sprintf(`Please review my %s training year by year.

Use the following tools to gather data:
1. **get_yearly_stats** with %s to get the yearly totals
2. **list_activity_types** to see what else I have recorded in the same years

Then provide:
- **Overview**: Total activities, distance, time and elevation across all years
- **Best Years**: Which years stand out and by how much
- **Trends**: How volume changed over time, including any gaps
- **Data Quality**: Mention any years listed as incomplete, since their totals are partial

Please be specific with numbers and use the actual data from the tools.`, activityType, args)

	return &mcp.GetPromptResult{
		Description: "Yearly training review prompt",
		Messages: []*mcp.PromptMessage{
			{
				Role:    "user",
				Content: &mcp.TextContent{Text: promptText},
			},
		},
	}, nil
}
