// Package metrics holds the Prometheus collectors exported by the core.
//
// Collectors are registered with the default registry at package init via
// promauto; the API server exposes them on /api/prometheus. Helper
// functions normalise label values so callers never emit empty labels.
package metrics
