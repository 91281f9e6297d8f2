// Package id provides sortable 128-bit message identifiers.
//
// IDs embed a millisecond timestamp followed by a per-process sequence, so
// byte-wise (and string) comparison preserves chronological order. The
// Generator keeps IDs strictly increasing even across clock regressions.
package id
