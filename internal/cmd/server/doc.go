// Package serverrun boots a relay server process: config, logging, the
// runtime, and the HTTP/websocket gateway, with signal-driven shutdown.
package serverrun
