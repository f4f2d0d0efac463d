/*
Package metrics provides Prometheus instrumentation for the orchestrator's
control loops.

Unlike a full cluster manager, this package tracks only what the control
plane itself produces: pod counts per service, autoscaler decisions and tick
latency, rolling update duration and outcome, config-watcher sweep latency,
and orphan-adoption outcomes. Metrics export (an HTTP /metrics scrape
endpoint) is out of scope; Registry is exposed so an embedding process can
wire it to its own handler.

Timer is a small helper for recording elapsed time against a histogram or
histogram vector, used the same way across every control loop:

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.AutoscalerTickDuration, serviceName)
*/
package metrics
