// Package sockets implements the WASI TCP socket lifecycle.
//
// Implements:
//   - wasi:sockets/network@0.2.0 - Network capability
//   - wasi:sockets/instance-network@0.2.0 - Default network
//   - wasi:sockets/tcp@0.2.0 - TCP sockets
//   - wasi:sockets/tcp-create-socket@0.2.0 - TCP socket creation
//
// A TCPSocket is a state machine. Bind, connect and listen are split into a
// start call that validates and issues the request and a finish call that
// reports the outcome, returning CodeWouldBlock while the request is still
// in flight. At most one operation is pending per socket.
//
// Sockets run on a Platform. The raw platform drives non-blocking
// descriptors directly (Linux only); the portable platform builds on the net
// package and a goroutine pool.
package sockets
