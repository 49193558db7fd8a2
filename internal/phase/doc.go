// Package phase resolves conceptual lifecycle phases ("initial",
// "follow-up", "offer") to the concrete stage identifiers that represent
// them across pipelines.
//
// Pipelines reuse equivalent phases under different stage IDs (C1:NEW,
// C3:NEW, C1:UC_NX31U2 ...), so membership is computed from the display
// name, once per calculation pass, into a Set that is then queried per
// event. An explicit per-pipeline stage table, when configured, takes
// precedence over name matching.
package phase
