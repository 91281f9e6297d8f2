// Package classify assigns spam verdicts and urgency tiers to inbound text.
//
// Classification happens once at the ingress boundary, before a message
// enters any queue; spam always lands in the LOW tier. Built-in heuristics
// (keywords, repetition, URLs, shouting, length) can be extended with CEL
// rules from configuration.
package classify
