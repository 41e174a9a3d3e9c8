// Package prefork implements a pre-fork process manager. The arbiter owns the
// listening socket and re-executes the current binary once per worker. Each
// worker inherits the socket and a handshake pipe; the worker blocks on the
// handshake until the arbiter has run its post-fork hooks, so anything a hook
// publishes is in the worker's environment before the worker starts serving.
package prefork
