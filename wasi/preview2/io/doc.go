// Package io implements the WASI I/O interfaces sockets rely on.
//
// Implements:
//   - wasi:io/poll@0.2.0 - Pollable resources returned by tcp-socket.subscribe
//
// Pollables live in the same resource table as the sockets that produced
// them, so a guest can wait on several sockets with one poll call.
package io
