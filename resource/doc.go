// Package resource provides handle tables for host-side socket resources.
//
// Guests and handle-based callers never hold a *TCPSocket directly. They hold
// a Handle that the host resolves through a Table:
//
//	table := resource.NewTable()
//
//	// Insert a value, get a handle
//	h := table.Insert(resource.KindTCPSocket, sock)
//
//	// Type-checked retrieval
//	v, ok := table.GetTyped(h, resource.KindTCPSocket)   // ok
//	v, ok = table.GetTyped(h, resource.KindNetwork)      // !ok
//
//	// Remove calls Drop on values implementing Dropper
//	table.Remove(h)
//
// Handle 0 is reserved and always invalid. Freed handles are reused.
//
// # Observers
//
// Observers see every insert and drop, which is how open-socket gauges are
// maintained without a global socket registry:
//
//	table.Subscribe(observer)
package resource
