// Package runtime assembles a single-node relay instance: the websocket
// gateway hub, the message pipeline, and the optional dead-letter archive,
// wired together through the egress callbacks.
//
// Example:
//
//	cfg := config.Default()
//	rt, _ := runtime.Open(runtime.Options{Config: cfg, Logger: logger})
//	defer rt.Close()
//	_ = rt.CheckHealth(context.Background())
//	rt.Pipeline().Submit("alice", "hello", "bob", nil)
package runtime
