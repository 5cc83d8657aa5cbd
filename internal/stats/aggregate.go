// Package stats reduces fetched activities into per-year summaries for one
// activity type and renders them for display or export.
package stats

import (
	"fmt"
	"math"
	"sort"

	"github.com/joshdurbin/strava-stats/internal/strava"
)

// YearSummary totals one activity type over one calendar year
type YearSummary struct {
	Year                 int     `json:"year"`
	ActivityType         string  `json:"activity_type"`
	ActivityCount        int     `json:"activity_count"`
	TotalDistanceMeters  float64 `json:"total_distance_meters"`
	TotalElapsedSeconds  int64   `json:"total_elapsed_seconds"`
	TotalElevationMeters float64 `json:"total_elevation_meters"`
}

// Kilometers rounds the distance to whole kilometers, halves away from zero
func (s YearSummary) Kilometers() int64 {
	return int64(math.Round(s.TotalDistanceMeters / 1000))
}

// ElevationMeters floors the elevation gain to whole meters
func (s YearSummary) ElevationMeters() int64 {
	return int64(math.Floor(s.TotalElevationMeters))
}

// ElapsedClock renders the elapsed time as HH:MM:SS
func (s YearSummary) ElapsedClock() string {
	return FormatClock(s.TotalElapsedSeconds)
}

// FormatClock renders seconds as HH:MM:SS. Hours are padded to two digits but
// never truncated, so 360000 seconds is "100:00:00".
func FormatClock(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d:%02d", seconds/3600, seconds/60%60, seconds%60)
}

// Summaries maps a year to its summary
type Summaries map[int]YearSummary

// SortedYears returns the years present, ascending
func (s Summaries) SortedYears() []int {
	years := make([]int, 0, len(s))
	for year := range s {
		years = append(years, year)
	}
	sort.Ints(years)
	return years
}

// Aggregate sums the activities whose type exactly matches activityType, for
// every year between yearFrom and yearTo that has an entry in byYear. A year
// present with no matching activities gets a zero summary; a year absent from
// byYear gets none. byYear is never modified.
func Aggregate(byYear strava.ActivitiesByYear, activityType string, yearFrom, yearTo int) Summaries {
	lo, hi := yearFrom, yearTo
	if lo > hi {
		lo, hi = hi, lo
	}

	summaries := make(Summaries)
	for year, activities := range byYear {
		if year < lo || year > hi {
			continue
		}
		summary := YearSummary{Year: year, ActivityType: activityType}
		for _, a := range activities {
			if a.Type != activityType {
				continue
			}
			summary.ActivityCount++
			summary.TotalDistanceMeters += a.Distance
			summary.TotalElapsedSeconds += a.ElapsedTime
			summary.TotalElevationMeters += a.TotalElevationGain
		}
		summaries[year] = summary
	}
	return summaries
}
