package io

import "github.com/wippyai/wasi-sockets/wasi/preview2"

// Host aggregates the IO hosts the socket interfaces depend on.
type Host struct {
	Poll *PollHost
}

// NewHost creates all IO hosts
func NewHost(resources *preview2.ResourceTable) *Host {
	return &Host{
		Poll: NewPollHost(resources),
	}
}
