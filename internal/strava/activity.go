package strava

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformedActivity marks an activity object missing a field the stats need
var ErrMalformedActivity = errors.New("malformed activity")

// aggregationKeys must be present on every activity returned by the API
var aggregationKeys = []string{"type", "distance", "elapsed_time", "total_elevation_gain"}

// Activity is one record from GET /athlete/activities.
//
// Only the typed fields below are decoded. The original JSON object is kept and
// written back out verbatim by MarshalJSON, so callers that re-serialize
// activities hand the remote record through untouched.
type Activity struct {
	ID                 int64     `json:"id"`
	Name               string    `json:"name"`
	Type               string    `json:"type"`
	SportType          string    `json:"sport_type"`
	Distance           float64   `json:"distance"`             // meters
	MovingTime         int64     `json:"moving_time"`          // seconds
	ElapsedTime        int64     `json:"elapsed_time"`         // seconds
	TotalElevationGain float64   `json:"total_elevation_gain"` // meters
	StartDate          time.Time `json:"start_date"`
	StartDateLocal     time.Time `json:"start_date_local"`
	Timezone           string    `json:"timezone"`

	raw json.RawMessage
}

// UnmarshalJSON decodes the typed fields and retains the source bytes
func (a *Activity) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	for _, key := range aggregationKeys {
		if _, ok := fields[key]; !ok {
			return fmt.Errorf("%w: missing %q", ErrMalformedActivity, key)
		}
	}

	// Dates are not needed for totals, so a value that does not parse is left
	// zero instead of failing the record.
	type plain Activity
	var p struct {
		plain
		StartDate      json.RawMessage `json:"start_date"`
		StartDateLocal json.RawMessage `json:"start_date_local"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*a = Activity(p.plain)
	a.StartDate = parseDate(p.StartDate)
	a.StartDateLocal = parseDate(p.StartDateLocal)
	a.raw = append(json.RawMessage(nil), data...)
	return nil
}

func parseDate(raw json.RawMessage) time.Time {
	var s string
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil || s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// MarshalJSON returns the original record when there is one
func (a Activity) MarshalJSON() ([]byte, error) {
	if len(a.raw) > 0 {
		return a.raw, nil
	}
	type plain Activity
	return json.Marshal(plain(a))
}

// Raw returns the JSON this activity was decoded from, or nil for activities
// built in code.
func (a Activity) Raw() json.RawMessage {
	if len(a.raw) == 0 {
		return nil
	}
	return append(json.RawMessage(nil), a.raw...)
}

// ActivitiesByYear maps a calendar year to the activities fetched for it, in
// the order the API returned them.
type ActivitiesByYear map[int][]Activity

// Count returns the number of activities across all years
func (m ActivitiesByYear) Count() int {
	n := 0
	for _, activities := range m {
		n += len(activities)
	}
	return n
}

// Types returns the activity type tags seen in the given years with their counts
func (m ActivitiesByYear) Types(yearFrom, yearTo int) map[string]int {
	lo, hi := orderedBounds(yearFrom, yearTo)
	counts := make(map[string]int)
	for year, activities := range m {
		if year < lo || year > hi {
			continue
		}
		for _, a := range activities {
			counts[a.Type]++
		}
	}
	return counts
}
