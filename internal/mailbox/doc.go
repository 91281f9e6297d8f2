// Package mailbox stores messages for disconnected recipients.
//
// Each recipient owns a bounded FIFO backlog; storing past capacity evicts
// the oldest entry. Entries carry a TTL and are discarded on expiry, either
// during a reconnect drain or by the background sweeper. DeliverAll drains a
// backlog oldest first, skipping expired entries, and reports the drain
// through the delivery callback.
package mailbox
