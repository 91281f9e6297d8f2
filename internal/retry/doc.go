// Package retry redelivers failed messages with exponential backoff.
//
// Each failed delivery becomes a ticket. A background loop polls at a bounded
// cadence, attempts every eligible ticket, and either marks it succeeded,
// reschedules it with a longer (jittered, capped) delay, or abandons it once
// the attempt budget is spent. Abandoned tickets are dead letters: surfaced
// through the abandonment callback exactly once and never retried again.
//
// There is no ordering across tickets; concurrently eligible tickets may
// complete in any order.
package retry
