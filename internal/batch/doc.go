// Package batch groups messages into envelopes for network-efficient fanout.
//
// A batch releases when it reaches max size, when the wait window elapses
// with at least min size present, or after one extended window (twice the
// configured wait) regardless of size so sparse traffic is never stranded.
// Operators can force a release at any time. Each released envelope is
// immutable and handed to the sink exactly once.
package batch
