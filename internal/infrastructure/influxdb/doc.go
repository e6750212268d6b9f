// Package influxdb records C-Bus state history in InfluxDB.
//
// It wraps influxdb-client-go v2 and implements the bridge's History
// interface: every lighting level and security field change the bridge
// publishes is also written as a point, so dashboards can chart when a
// light was on or a zone was open.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB, cfg.Bridge.ID)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.WriteLightingState("254/56/1", "Kitchen", true, 50)
//
// Writes are non-blocking and batched (batch_size, flush_interval). Batch
// errors arrive asynchronously via SetOnError.
package influxdb
