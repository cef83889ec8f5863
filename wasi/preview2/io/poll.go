package io

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasi-sockets/linker"
	"github.com/wippyai/wasi-sockets/wasi/preview2"
)

type PollHost struct {
	resources *preview2.ResourceTable
}

func NewPollHost(resources *preview2.ResourceTable) *PollHost {
	return &PollHost{resources: resources}
}

func (h *PollHost) Namespace() string {
	return "wasi:io/poll@0.2.0"
}

func (h *PollHost) pollable(handle uint32) (preview2.Pollable, bool) {
	r, ok := h.resources.Get(handle)
	if !ok {
		return nil, false
	}
	p, ok := r.(preview2.Pollable)
	return p, ok
}

// Poll blocks until at least one of pollables is ready and returns the
// indices of the ready ones. Unknown handles never become ready. An empty
// result means ctx ended first or no handle was a pollable.
func (h *PollHost) Poll(ctx context.Context, pollables []uint32) []uint32 {
	resolved := make([]preview2.Pollable, 0, len(pollables))
	index := make([]uint32, 0, len(pollables))
	for i, handle := range pollables {
		if p, ok := h.pollable(handle); ok {
			resolved = append(resolved, p)
			index = append(index, uint32(i))
		}
	}
	if len(resolved) == 0 {
		return nil
	}

	var ready []uint32
	check := func() bool {
		ready = ready[:0]
		for i, p := range resolved {
			if p.Ready() {
				ready = append(ready, index[i])
			}
		}
		return len(ready) > 0
	}

	// Pollables without a wake-up channel return from Block at once, so the
	// loop is paced to avoid spinning on them.
	pacing := backoff.NewExponentialBackOff()
	pacing.InitialInterval = time.Millisecond
	pacing.MaxInterval = 20 * time.Millisecond
	pacing.MaxElapsedTime = 0
	_ = backoff.Retry(func() error {
		if check() {
			return nil
		}
		waitAny(ctx, resolved)
		if check() {
			return nil
		}
		return errNotReady
	}, backoff.WithContext(pacing, ctx))
	return ready
}

var errNotReady = errors.New("no pollable ready")

// waitAny blocks on every pollable at once and returns when the first one
// wakes or ctx ends.
func waitAny(ctx context.Context, pollables []preview2.Pollable) {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	woke := make(chan struct{}, len(pollables))
	for _, p := range pollables {
		wg.Add(1)
		go func(p preview2.Pollable) {
			defer wg.Done()
			p.Block(waitCtx)
			woke <- struct{}{}
		}(p)
	}

	select {
	case <-woke:
	case <-ctx.Done():
	}
	cancel()
	wg.Wait()
}

func (h *PollHost) MethodPollableReady(_ context.Context, self uint32) bool {
	p, ok := h.pollable(self)
	return ok && p.Ready()
}

func (h *PollHost) MethodPollableBlock(ctx context.Context, self uint32) {
	if p, ok := h.pollable(self); ok {
		p.Block(ctx)
	}
}

func (h *PollHost) ResourceDropPollable(_ context.Context, self uint32) {
	if _, ok := h.pollable(self); ok {
		h.resources.Remove(self)
	}
}

func (h *PollHost) Register() map[string]any {
	return map[string]any{
		"poll":                    h.Poll,
		"[method]pollable.ready":  h.MethodPollableReady,
		"[method]pollable.block":  h.MethodPollableBlock,
		"[resource-drop]pollable": h.ResourceDropPollable,
	}
}

// CoreFuncs returns the poll functions with scalar-only signatures. poll
// reads list_len u32 handles at list_ptr in the caller's memory and writes
// the ready indices to out_ptr, returning their count.
func (h *PollHost) CoreFuncs() []linker.FuncDef {
	i32 := api.ValueTypeI32
	return []linker.FuncDef{
		{
			Name: "poll",
			Handler: func(ctx context.Context, mod api.Module, stack []uint64) {
				listPtr, listLen, outPtr := api.DecodeU32(stack[0]), api.DecodeU32(stack[1]), api.DecodeU32(stack[2])
				mem := mod.Memory()
				if mem == nil {
					panic(fmt.Errorf("poll: module %q has no memory", mod.Name()))
				}
				handles := make([]uint32, listLen)
				for i := range handles {
					v, ok := mem.ReadUint32Le(listPtr + uint32(i)*4)
					if !ok {
						panic(fmt.Errorf("poll: list out of bounds at %d", listPtr))
					}
					handles[i] = v
				}
				ready := h.Poll(ctx, handles)
				for i, idx := range ready {
					if !mem.WriteUint32Le(outPtr+uint32(i)*4, idx) {
						panic(fmt.Errorf("poll: result out of bounds at %d", outPtr))
					}
				}
				stack[0] = api.EncodeU32(uint32(len(ready)))
			},
			ParamTypes:  []api.ValueType{i32, i32, i32},
			ResultTypes: []api.ValueType{i32},
		},
		{
			Name: "[method]pollable.ready",
			Handler: func(ctx context.Context, _ api.Module, stack []uint64) {
				ready := h.MethodPollableReady(ctx, api.DecodeU32(stack[0]))
				stack[0] = 0
				if ready {
					stack[0] = 1
				}
			},
			ParamTypes:  []api.ValueType{i32},
			ResultTypes: []api.ValueType{i32},
		},
		{
			Name: "[method]pollable.block",
			Handler: func(ctx context.Context, _ api.Module, stack []uint64) {
				h.MethodPollableBlock(ctx, api.DecodeU32(stack[0]))
			},
			ParamTypes: []api.ValueType{i32},
		},
		{
			Name: "[resource-drop]pollable",
			Handler: func(ctx context.Context, _ api.Module, stack []uint64) {
				h.ResourceDropPollable(ctx, api.DecodeU32(stack[0]))
			},
			ParamTypes: []api.ValueType{i32},
		},
	}
}
