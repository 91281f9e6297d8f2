// Package log builds the process-wide zap logger for relay services.
//
// Components take a *zap.Logger directly; this package only owns level and
// format parsing so the CLI and tests construct loggers the same way.
package log
