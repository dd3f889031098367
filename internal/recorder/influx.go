package recorder

import (
	"time"

	"github.com/nerrad567/gray-logic-hub/internal/core"
)

// MetricWriter accepts numeric state samples. *influxdb.Client satisfies it.
type MetricWriter interface {
	WriteStateMetric(entityID, domain, unit string, value float64, ts time.Time)
}

// InfluxExporter is a bus sink that forwards numeric states to a
// time-series database.
type InfluxExporter struct {
	writer MetricWriter
	filter Filter
}

// NewInfluxExporter creates an exporter honouring the same exclusions as
// the recorder.
func NewInfluxExporter(writer MetricWriter, filter Filter) *InfluxExporter {
	return &InfluxExporter{writer: writer, filter: filter}
}

// HandleEvent writes the new state when it is numeric.
func (x *InfluxExporter) HandleEvent(ev core.Event) {
	data, ok := ev.StateChange()
	if !ok || data.NewState == nil || x.filter.Excluded(data.EntityID) {
		return
	}
	value, ok := ParseNumeric(data.NewState.State)
	if !ok {
		return
	}
	unit, _ := data.NewState.Attributes["unit_of_measurement"].(string)
	x.writer.WriteStateMetric(data.EntityID, data.NewState.Domain(), unit, value, data.NewState.LastReported)
}
