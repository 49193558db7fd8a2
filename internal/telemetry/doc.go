// Package telemetry owns the service's Prometheus registry: HTTP and CRM
// request counters, snapshot cache outcomes and the latest SLA and KPI
// figures per pipeline. Handler serves the registry in the exposition
// format negotiated with the scraper.
package telemetry
