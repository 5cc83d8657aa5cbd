package stats

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Display is the human readable form of a YearSummary, with the raw totals
// carried alongside for charts.
type Display struct {
	Year          int    `json:"year"`
	ActivityType  string `json:"activityType"`
	Activities    int    `json:"activities"`
	Distance      string `json:"distance"`
	ElapsedTime   string `json:"elapsedTime"`
	ElevationGain string `json:"elevationGain"`

	Kilometers      int64   `json:"km"`
	ElevationMeters int64   `json:"elevationMeters"`
	DistanceMeters  float64 `json:"distanceMeters"`
	ElapsedSeconds  int64   `json:"elapsedSeconds"`
}

// Format renders one summary for display
func Format(s YearSummary) Display {
	return Display{
		Year:            s.Year,
		ActivityType:    s.ActivityType,
		Activities:      s.ActivityCount,
		Distance:        fmt.Sprintf("%d km", s.Kilometers()),
		ElapsedTime:     s.ElapsedClock(),
		ElevationGain:   fmt.Sprintf("%d m", s.ElevationMeters()),
		Kilometers:      s.Kilometers(),
		ElevationMeters: s.ElevationMeters(),
		DistanceMeters:  s.TotalDistanceMeters,
		ElapsedSeconds:  s.TotalElapsedSeconds,
	}
}

// FormatAll renders every summary, ascending by year
func FormatAll(summaries Summaries) []Display {
	years := summaries.SortedYears()
	out := make([]Display, 0, len(years))
	for _, year := range years {
		out = append(out, Format(summaries[year]))
	}
	return out
}

// WriteCSV writes one "year,distance,elapsed,elevation" line per summary,
// ascending by year, with the raw unrounded totals. There is no header row.
func WriteCSV(w io.Writer, summaries Summaries) error {
	cw := csv.NewWriter(w)
	for _, year := range summaries.SortedYears() {
		s := summaries[year]
		record := []string{
			strconv.Itoa(year),
			formatNumber(s.TotalDistanceMeters),
			strconv.FormatInt(s.TotalElapsedSeconds, 10),
			formatNumber(s.TotalElevationMeters),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("writing %d: %w", year, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// CSV returns the WriteCSV output as a string
func CSV(summaries Summaries) string {
	var sb strings.Builder
	// strings.Builder never fails a write
	_ = WriteCSV(&sb, summaries)
	return sb.String()
}

// formatNumber prints the shortest decimal that round-trips, without exponent
func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
