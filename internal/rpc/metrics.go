package rpc

import "github.com/VictoriaMetrics/metrics"

var (
	requests      = metrics.GetOrCreateCounter(`cohorts_rpc_requests_total`)
	requestErrors = metrics.GetOrCreateCounter(`cohorts_rpc_errors_total`)
)
