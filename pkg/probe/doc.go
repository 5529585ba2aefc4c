// Package probe implements the network probe loop.
//
// Each iteration opens a stream socket, resolves the configured host to its
// first IPv4 address, connects, writes a fixed request, reads at most one
// transfer buffer of response, waits the configured delay and closes the
// socket. Iterations never overlap, so at most one connection is open at a
// time. What happens after a failed iteration is decided by the target's
// FailurePolicy: "abort" ends the loop, "continue" waits and tries again.
//
// Results are published to any number of types.Reporter implementations
// (Prometheus exporter, health server).
package probe
