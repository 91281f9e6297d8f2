// Package httpserver provides the relay REST gateway: message submission,
// status and inspection endpoints, operator admin actions, Prometheus
// metrics, and the websocket chat endpoint.
//
// Example:
//
//	rt, _ := runtime.Open(runtime.Options{Config: config.Default()})
//	s := httpserver.New(rt)
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":8080")
package httpserver
