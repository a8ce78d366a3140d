// Package metrics exposes the Prometheus metrics of the stream session service.
// All recording methods are safe on a nil *Metrics so components can run without metrics.
package metrics
