package recorder

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-hub/internal/core"
)

// ParseNumeric returns the numeric value of a state, if it has one.
// NaN and infinities are not numeric.
func ParseNumeric(state string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(state), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

type bucketKey struct {
	entityID string
	hour     int64
}

// bucketDelta is the contribution of one flush to one hourly bucket.
type bucketDelta struct {
	count int64
	sum   float64
	min   float64
	max   float64
}

// aggregate folds the numeric rows of a batch into per-hour deltas.
func aggregate(rows []core.Entity) map[bucketKey]*bucketDelta {
	out := make(map[bucketKey]*bucketDelta)
	for i := range rows {
		v, ok := ParseNumeric(rows[i].State)
		if !ok {
			continue
		}
		key := bucketKey{
			entityID: rows[i].EntityID,
			hour:     rows[i].LastReported.UTC().Truncate(time.Hour).Unix(),
		}
		d, exists := out[key]
		if !exists {
			out[key] = &bucketDelta{count: 1, sum: v, min: v, max: v}
			continue
		}
		d.count++
		d.sum += v
		d.min = math.Min(d.min, v)
		d.max = math.Max(d.max, v)
	}
	return out
}
