// Package server manages HTTP listener lifecycles: non-blocking start
// (plain or TLS), error channels, signal-driven shutdown waiting, and
// graceful drain with a configurable timeout. The gateway runs two
// Managers, one for the API surface and one for the Prometheus endpoint.
package server
