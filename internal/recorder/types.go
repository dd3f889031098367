package recorder

import (
	"time"

	"github.com/nerrad567/gray-logic-hub/internal/core"
)

// StateRow is one persisted history row. It serialises with the entity
// field set.
type StateRow struct {
	ID int64 `json:"-"`
	core.Entity
}

// LogbookEntry is one row of the deduplicated activity log.
type LogbookEntry struct {
	When      time.Time `json:"when"`
	EntityID  string    `json:"entity_id"`
	State     string    `json:"state"`
	Name      string    `json:"name"`
	ContextID string    `json:"context_id"`
}

// StatisticBucket aggregates the numeric states of one entity over one hour.
type StatisticBucket struct {
	EntityID string    `json:"statistic_id"`
	Start    time.Time `json:"start"`
	Count    int64     `json:"count"`
	Mean     float64   `json:"mean"`
	Min      float64   `json:"min"`
	Max      float64   `json:"max"`
}

// TimeRange bounds a query. A nil Start means "from the beginning", a nil
// End means "up to now". Both bounds are inclusive.
type TimeRange struct {
	Start *time.Time
	End   *time.Time
}

// Empty reports whether the range cannot contain anything.
func (r TimeRange) Empty() bool {
	return r.Start != nil && r.End != nil && r.End.Before(*r.Start)
}

// HistoryQuery selects history rows. No entity ids means every entity.
type HistoryQuery struct {
	EntityIDs []string
	Range     TimeRange
}

// LogbookQuery selects logbook entries. An empty EntityID means every entity.
type LogbookQuery struct {
	EntityID string
	Range    TimeRange
}

// StatisticsQuery selects hourly buckets overlapping the range.
type StatisticsQuery struct {
	EntityIDs []string
	Range     TimeRange
}
