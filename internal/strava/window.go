package strava

import "time"

// YearWindow bounds an activities query to one UTC calendar year.
// After and Before are inclusive Unix seconds.
//
// Activities are bucketed by the UTC year, so an activity recorded shortly
// after midnight on Jan 1 in a zone east of UTC lands in the previous year.
type YearWindow struct {
	Year   int
	After  int64
	Before int64
}

// NewYearWindow returns the window covering Jan 1 00:00:00 to Dec 31 23:59:59 UTC
func NewYearWindow(year int) YearWindow {
	start := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(year, time.December, 31, 23, 59, 59, 0, time.UTC)
	return YearWindow{
		Year:   year,
		After:  start.Unix(),
		Before: end.Unix(),
	}
}

// Contains reports whether t falls inside the window
func (w YearWindow) Contains(t time.Time) bool {
	sec := t.Unix()
	return sec >= w.After && sec <= w.Before
}

// YearsDescending lists every year between the bounds, newest first. The
// bounds may be given in either order.
func YearsDescending(yearFrom, yearTo int) []int {
	lo, hi := orderedBounds(yearFrom, yearTo)
	years := make([]int, 0, hi-lo+1)
	for year := hi; year >= lo; year-- {
		years = append(years, year)
	}
	return years
}

func orderedBounds(a, b int) (int, int) {
	if a > b {
		return b, a
	}
	return a, b
}
