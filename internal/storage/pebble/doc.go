// Package pebblestore provides a thin wrapper over a Pebble key/value
// database with a configurable fsync policy. It backs the dead-letter
// archive; the live message pipeline never touches disk.
package pebblestore
