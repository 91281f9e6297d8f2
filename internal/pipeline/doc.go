// Package pipeline wires the relay stages together: classification at
// ingress, tier-ordered dispatch for direct messages, batching for
// broadcast traffic, retry with backoff for failed deliveries, and an
// offline mailbox for disconnected recipients. Transport concerns stay
// outside; the gateway injects Presence and DeliverFunc and observes
// outcomes through the egress callbacks.
package pipeline
