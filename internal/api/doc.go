// Package api hosts the optional operator HTTP server. Routes:
//   - GET /healthz and /readyz for liveness and readiness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status for a JSON snapshot of the current run and circuit.
package api
