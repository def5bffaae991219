// Package runtime wires storage, the key-value store, the broker adapter
// and the services into a single-node instance. It exposes Open/Close and
// the health checks behind the readiness endpoint.
//
// Example:
//
//	cfg := config.Default()
//	rt, _ := runtime.Open(runtime.Options{Config: cfg, Logger: logger})
//	defer rt.Close()
//	_ = rt.CheckHealth(context.Background())
package runtime
