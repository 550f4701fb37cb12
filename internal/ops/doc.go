// Package ops serves the operator HTTP API: health and readiness, Prometheus
// metrics, manual alert submission, delivery history, SMTP probing and pool
// stats. Everything except /healthz sits behind an optional bearer token.
package ops
