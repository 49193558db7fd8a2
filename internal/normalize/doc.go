// Package normalize turns raw CRM payloads into the canonical records of
// pkg/types before any metric logic runs.
//
// Every fallback rule lives here: field aliases (OWNER_ID vs ownerId,
// STAGE_ID vs STATUS_ID), numeric vs string identifiers, multi-value custom
// fields, the per-pipeline rejection-reason field and timestamp parsing.
// Downstream packages can then assume a single record shape.
//
// Only a structurally invalid payload (not a JSON array) is an error
// (ErrNotAList). Malformed individual records are skipped or carried with
// zero timestamps; they never fail the batch.
package normalize
