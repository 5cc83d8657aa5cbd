package server

import (
	"fmt"
	"math"

	"github.com/joshdurbin/strava-stats/internal/stats"
)

// Insight represents a single AI-friendly insight about the data
type Insight struct {
	Type    string `json:"type"`    // e.g., "trend", "achievement", "warning"
	Message string `json:"message"` // Human-readable insight
}

// SuggestedAction represents a suggested next tool call
type SuggestedAction struct {
	Tool        string `json:"tool"`        // Tool name to call
	Description string `json:"description"` // Why this action is suggested
	Priority    string `json:"priority"`    // "high", "medium", "low"
}

// GenerateYearlyInsights summarizes a yearly table: the biggest year, the
// latest year-over-year distance change and any years that are incomplete.
func GenerateYearlyInsights(summaries stats.Summaries, incomplete []int) []Insight {
	var insights []Insight

	years := summaries.SortedYears()
	var best stats.YearSummary
	for _, year := range years {
		if s := summaries[year]; s.TotalDistanceMeters > best.TotalDistanceMeters {
			best = s
		}
	}
	if best.ActivityCount > 0 {
		insights = append(insights, Insight{
			Type:    "achievement",
			Message: fmt.Sprintf("%d was your biggest %s year: %d km over %d activities", best.Year, best.ActivityType, best.Kilometers(), best.ActivityCount),
		})
	}

	if len(years) >= 2 {
		current := summaries[years[len(years)-1]]
		previous := summaries[years[len(years)-2]]
		insights = append(insights, distanceTrend(current, previous)...)
	}

	if len(incomplete) > 0 {
		insights = append(insights, Insight{
			Type:    "warning",
			Message: fmt.Sprintf("Totals for %v are partial: fetching stopped early for those years", incomplete),
		})
	}

	return insights
}

func distanceTrend(current, previous stats.YearSummary) []Insight {
	if previous.TotalDistanceMeters == 0 {
		return nil
	}

	changePercent := (current.TotalDistanceMeters - previous.TotalDistanceMeters) / previous.TotalDistanceMeters * 100
	absChange := math.Abs(changePercent)

	switch {
	case absChange < 5:
		return []Insight{{
			Type:    "trend",
			Message: fmt.Sprintf("%d distance is stable compared to %d (%.1f%% change)", current.Year, previous.Year, changePercent),
		}}
	case changePercent > 0:
		return []Insight{{
			Type:    "achievement",
			Message: fmt.Sprintf("%d distance is up %.1f%% on %d", current.Year, absChange, previous.Year),
		}}
	default:
		return []Insight{{
			Type:    "trend",
			Message: fmt.Sprintf("%d distance is down %.1f%% on %d", current.Year, absChange, previous.Year),
		}}
	}
}

// SuggestNextActions suggests logical next tool calls based on context
func SuggestNextActions(context string) []SuggestedAction {
	suggestions := make([]SuggestedAction, 0)

	switch context {
	case "yearly_stats":
		suggestions = append(suggestions,
			SuggestedAction{
				Tool:        "list_activity_types",
				Description: "See which other activity types have data",
				Priority:    "medium",
			},
			SuggestedAction{
				Tool:        "export_yearly_stats_csv",
				Description: "Export the same table as CSV",
				Priority:    "low",
			},
		)
	case "activity_types":
		suggestions = append(suggestions,
			SuggestedAction{
				Tool:        "get_yearly_stats",
				Description: "Get yearly totals for one of these types",
				Priority:    "high",
			},
		)
	}

	return suggestions
}
