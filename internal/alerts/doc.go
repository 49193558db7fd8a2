// Package alerts evaluates threshold rules against the latest SLA and KPI
// figures of each polled pipeline, and delivers webhook notifications
// (Slack, Teams, generic HTTP) when a rule fires or resolves.
package alerts
