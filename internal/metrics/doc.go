// Package metrics exposes relay activity as Prometheus series under the
// coven_relay_ namespace. A Metrics value is passed as the observer to the
// conversation service, the broadcaster, the forwarder and the HTTP
// middleware; its Handler is mounted at metrics.path.
package metrics
