// Package analytics rolls a deal collection into per-attribute group
// summaries (stage, department, rejection reason, comment classification,
// source, country) and the dashboard's top-line KPI figures.
//
// Every function is a pure reduction over an immutable input; lookup maps
// are read, never written.
package analytics
