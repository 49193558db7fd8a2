// Package collector assembles one consistent Snapshot for a query: deals
// first, then their stage history and every lookup map concurrently.
//
// Failure policy: a failed deal or stage-name fetch fails the snapshot.
// History and the attribute lookups degrade to empty data with a warning,
// so SLA and analytics still render.
package collector
