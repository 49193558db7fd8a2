// Package api implements the HTTP REST API for vian.
//
// New(deps) returns an http.Handler that serves:
//
//	GET /api/v1/deals      deals, lookup maps, slaMetrics and a stage-history sample
//	GET /api/v1/dashboard  KPI totals, grouped rows and slaMetrics
//	GET /api/v1/sla        SLA summary; trace=true adds per-deal traces
//	GET /api/v1/alerts     active and recently resolved alerts
//	GET /api/v1/health     liveness and snapshot cache size
//	GET /api/v1/stream     WebSocket feed of polled figures, when enabled
//	GET /metrics           Prometheus exposition
//
// The report routes take startDate and endDate (YYYY-MM-DD, inclusive) and an
// optional categoryId. Missing or malformed dates yield 400, a failed CRM
// fetch yields 502. Non-GET methods yield 405.
package api
