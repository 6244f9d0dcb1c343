/*
Package monitoring provides Prometheus-based metrics collection.

# Overview

Tracks HTTP requests, sandbox lifecycle events, capture pipeline outcomes,
and session enforcement activity.

# Usage

	metrics := monitoring.NewMetrics()
	router.Use(monitoring.Middleware(metrics))

	metrics.SetActiveSandboxes(3)
	metrics.RecordCapture("manual", "sandbox-frame", "ok", elapsed, size)

# Metrics Endpoint

Each Metrics instance carries its own registry; expose it with:

	import "github.com/prometheus/client_golang/prometheus/promhttp"
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(
		metrics.Registry(), promhttp.HandlerOpts{})))
*/
package monitoring
