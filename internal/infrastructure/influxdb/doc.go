// Package influxdb exports numeric entity states to InfluxDB.
//
// It wraps the official influxdb-client-go v2 library with a non-blocking,
// batched write API. The recorder's InfluxDB exporter is the only writer.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB, cfg.Site.ID)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.WriteStateMetric("sensor.outdoor_temp", "sensor", "°C", 12.5, time.Now())
//
// # Thread Safety
//
// All methods are safe for concurrent use. Batch write errors are reported
// through the SetOnError callback rather than returned.
package influxdb
