// Package server implements the viewer TCP acceptor and the HTTP monitoring API.
//
// The acceptor admits each connection as a session on the session pool; when the pool
// cannot provide a session's workers, or the configured session limit is reached, the
// viewer gets ERROR|reason=busy and the connection is closed. The HTTP API exposes
// health, per-session snapshots, pool, bus, controller and encoder statistics, the
// redacted configuration and Prometheus metrics.
package server
