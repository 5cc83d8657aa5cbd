package stats

import (
	"sync"

	"github.com/joshdurbin/strava-stats/internal/strava"
)

type projectionKey struct {
	from, to     int
	activityType string
}

// Projection re-aggregates one set of fetched activities under different type
// filters without fetching again. Results are memoized per (range, type); the
// activities must not change after NewProjection.
//
// A Projection is safe for concurrent use.
type Projection struct {
	byYear   strava.ActivitiesByYear
	from, to int

	mu      sync.Mutex
	primary string
	other   string
	current string
	memo    map[projectionKey]Summaries
}

// NewProjection wraps byYear for the given year range, starting on primary
// with other as the Toggle target.
func NewProjection(byYear strava.ActivitiesByYear, yearFrom, yearTo int, primary, other string) *Projection {
	if yearFrom > yearTo {
		yearFrom, yearTo = yearTo, yearFrom
	}
	return &Projection{
		byYear:  byYear,
		from:    yearFrom,
		to:      yearTo,
		primary: primary,
		other:   other,
		current: primary,
		memo:    make(map[projectionKey]Summaries),
	}
}

// Project returns the summaries for activityType. The map is shared between
// callers and must not be modified.
func (p *Projection) Project(activityType string) Summaries {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.project(activityType)
}

func (p *Projection) project(activityType string) Summaries {
	key := projectionKey{from: p.from, to: p.to, activityType: activityType}
	if s, ok := p.memo[key]; ok {
		return s
	}
	s := Aggregate(p.byYear, activityType, p.from, p.to)
	p.memo[key] = s
	return s
}

// Current returns the active type and its summaries
func (p *Projection) Current() (string, Summaries) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current, p.project(p.current)
}

// Toggle switches between the two types and returns the newly active one
func (p *Projection) Toggle() (string, Summaries) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == p.primary {
		p.current = p.other
	} else {
		p.current = p.primary
	}
	return p.current, p.project(p.current)
}

// Types returns the activity types present in the range with their counts
func (p *Projection) Types() map[string]int {
	return p.byYear.Types(p.from, p.to)
}
