// Package poller periodically refreshes the snapshot of each configured
// pipeline over a trailing date window, publishes the resulting SLA and KPI
// figures as gauges and feeds them to the alert engine.
package poller
