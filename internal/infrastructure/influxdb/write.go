package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// StateMeasurement is the measurement numeric entity states are written to.
const StateMeasurement = "state_metrics"

// StatePoint builds the point for one numeric state sample.
// Tags: entity_id, domain and, when known, unit. Field: value.
func StatePoint(entityID, domain, unit string, value float64, ts time.Time) *write.Point {
	tags := map[string]string{
		"entity_id": entityID,
		"domain":    domain,
	}
	if unit != "" {
		tags["unit"] = unit
	}
	return write.NewPoint(StateMeasurement, tags, map[string]any{"value": value}, ts)
}

// WriteStateMetric queues one numeric state sample. Non-blocking.
func (c *Client) WriteStateMetric(entityID, domain, unit string, value float64, ts time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(StatePoint(entityID, domain, unit, value, ts))
	c.points.Add(1)
}
