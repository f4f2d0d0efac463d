// Package health implements HTTP and TCP checks against a container's
// pod-network address, feeding CONTAINER_HEALTH. A container only gets
// probed if its manifest declares a health_check; Retries governs the
// hysteresis before a state transition is recorded (multiple consecutive
// failures/successes required, to avoid flapping CONTAINER_HEALTH on a
// single transient blip).
package health
