package preview2

import (
	"context"
	"time"

	"github.com/wippyai/wasi-sockets/resource"
)

// ResourceTable manages WASI preview2 resource handles.
// It is an adapter over resource.Table that keeps kinds in sync with ResourceType.
type ResourceTable struct {
	table *resource.Table
}

// Resource is a WASI preview2 resource that can be managed by ResourceTable.
type Resource interface {
	// Type returns the resource type identifier.
	Type() ResourceType
	// Drop releases any underlying resources.
	Drop()
}

// ResourceType identifies the type of a WASI resource for type-safe handle management.
type ResourceType uint8

const (
	ResourcePollable ResourceType = iota
	ResourceError
	ResourceNetwork
	ResourceTCPSocket
)

func (t ResourceType) kind() resource.Kind {
	switch t {
	case ResourcePollable:
		return resource.KindPollable
	case ResourceError:
		return resource.KindError
	case ResourceNetwork:
		return resource.KindNetwork
	default:
		return resource.KindTCPSocket
	}
}

func (t ResourceType) String() string {
	return t.kind().String()
}

// NewResourceTable creates a new resource table
func NewResourceTable() *ResourceTable {
	return &ResourceTable{
		table: resource.NewTable(),
	}
}

// Add stores a resource and returns a stable handle.
// Returns 0 if the table has been closed.
func (t *ResourceTable) Add(r Resource) uint32 {
	return uint32(t.table.Insert(r.Type().kind(), r))
}

// Get returns the resource for a handle, or (nil, false) if invalid.
func (t *ResourceTable) Get(handle uint32) (Resource, bool) {
	v, ok := t.table.Get(resource.Handle(handle))
	if !ok {
		return nil, false
	}
	r, ok := v.(Resource)
	return r, ok
}

// GetTyped returns the resource only if it has the expected type.
func (t *ResourceTable) GetTyped(handle uint32, typ ResourceType) (Resource, bool) {
	v, ok := t.table.GetTyped(resource.Handle(handle), typ.kind())
	if !ok {
		return nil, false
	}
	r, ok := v.(Resource)
	return r, ok
}

// Remove calls Drop on the resource and removes it from the table.
// Reports whether the handle was live.
func (t *ResourceTable) Remove(handle uint32) bool {
	_, ok := t.table.Remove(resource.Handle(handle))
	return ok
}

// Len returns the number of live resources.
func (t *ResourceTable) Len() int {
	return t.table.Len()
}

// Subscribe registers an observer for resource lifecycle events.
func (t *ResourceTable) Subscribe(o resource.Observer) {
	t.table.Subscribe(o)
}

// Clear drops and removes all resources. Used during shutdown.
func (t *ResourceTable) Clear() {
	t.table.Clear()
}

// Close drops all resources and rejects further additions.
func (t *ResourceTable) Close() error {
	return t.table.Close()
}

// Pollable is the interface for async-ready resources that can be polled.
type Pollable interface {
	Resource
	// Ready returns true if the resource is ready for I/O.
	Ready() bool
	// Block waits until the resource becomes ready or ctx is canceled.
	Block(ctx context.Context)
}

// ChannelPollable becomes ready once its channel is closed.
type ChannelPollable struct {
	done <-chan struct{}
}

// NewChannelPollable wraps a completion channel.
func NewChannelPollable(done <-chan struct{}) *ChannelPollable {
	return &ChannelPollable{done: done}
}

func (p *ChannelPollable) Type() ResourceType { return ResourcePollable }
func (p *ChannelPollable) Drop()              {}

func (p *ChannelPollable) Ready() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *ChannelPollable) Block(ctx context.Context) {
	select {
	case <-p.done:
	case <-ctx.Done():
	}
}

// FuncPollable delegates readiness to callbacks. A nil wait falls back to
// polling ready on a short interval.
type FuncPollable struct {
	ready func() bool
	wait  func(context.Context)
}

// NewFuncPollable creates a pollable from readiness and wait callbacks.
func NewFuncPollable(ready func() bool, wait func(context.Context)) *FuncPollable {
	return &FuncPollable{ready: ready, wait: wait}
}

func (p *FuncPollable) Type() ResourceType { return ResourcePollable }
func (p *FuncPollable) Drop()              {}
func (p *FuncPollable) Ready() bool        { return p.ready() }

func (p *FuncPollable) Block(ctx context.Context) {
	if p.ready() {
		return
	}
	if p.wait != nil {
		p.wait(ctx)
		return
	}
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for !p.ready() {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
