// Package compute turns one CRM snapshot into a Report.
//
// Engine groups the stage history, runs the SLA calculator and the grouped
// analytics over the same deals, and guards the SLA pass: if it panics the
// report carries the all-zero summary so the analytics still render.
// Engine.Build accepts an injectable time.Time so tests are deterministic.
//
// Nothing computed here is cached; every call recomputes from the snapshot.
package compute
