// Package priorityqueue holds pending chat messages in urgency order.
//
// Ordering is a 4-way stratified FIFO: strict precedence across tiers
// (URGENT before HIGH before NORMAL before LOW) and submission order within a
// tier, implemented as a min-heap keyed by (tier, insertion sequence). Pop on
// an empty queue reports absence explicitly rather than blocking.
//
// The queue also keeps a small rolling history of accepted messages for the
// status surface; history survives Clear and is only dropped by ClearAll.
package priorityqueue
