// Package sla computes the three deal timeliness metrics:
//
//   - firstCommunication: creation → first move out of the initial phase, ≤ 1h
//   - followUp: time spent in the follow-up phase, ≤ 24h
//   - priceSharing: time spent in the offer-finalization phase, ≤ 24h
//
// A metric's total counts only deals for which it is applicable (the deal
// reached the relevant phase or event). Deals whose relevant timestamps do
// not parse are skipped for that metric and never fail the batch.
//
// The current instant is an explicit argument to Compute, so open-ended
// phases can be tested at exact boundaries. Calculator holds only its
// configuration and is safe for concurrent use.
package sla
