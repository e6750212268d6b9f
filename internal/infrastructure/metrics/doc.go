// Package metrics exposes bridge counters to Prometheus.
//
// Collector implements cbus.Metrics. Server serves its registry over HTTP:
//
//	collector := metrics.NewCollector()
//	srv := metrics.NewServer(cfg.Metrics, collector, logger)
//	go srv.Run(ctx)
package metrics
