// Package hwcontext holds the per-client hardware context state: one
// context image and ringbuffer per engine, plus the address-space binding
// the context executes under.
package hwcontext

import (
	"fmt"
	"log"
	"sync"

	"github.com/gpudrv/intelgen/addrspace"
	"github.com/gpudrv/intelgen/registers"
	"github.com/gpudrv/intelgen/ringbuffer"
)

// EngineId identifies a hardware command streamer.
type EngineId int

// Engines known to the core. Only the render engine is modelled.
const (
	RenderEngineId EngineId = iota
)

func (id EngineId) String() string {
	switch id {
	case RenderEngineId:
		return "render"
	default:
		return "unknown"
	}
}

// NotMapped is the address-space binding of an engine state before first
// use.
const NotMapped addrspace.Id = -1

// PerEngineState is a context's state for one engine: the context image
// buffer, the ring, and which address space they are mapped into.
type PerEngineState struct {
	ContextBuffer *addrspace.Buffer
	Ring          *ringbuffer.Ringbuffer

	mappedId       addrspace.Id
	contextMapping *addrspace.GpuMapping
}

// MappedId returns the address space the state is mapped into, or
// NotMapped.
func (s *PerEngineState) MappedId() addrspace.Id { return s.mappedId }

// ContextGpuAddr returns the context image's address in its mapped space.
func (s *PerEngineState) ContextGpuAddr() (uint64, error) {
	if s.contextMapping == nil {
		return 0, fmt.Errorf("context not mapped")
	}

	return s.contextMapping.GpuAddr(), nil
}

// A Context is one client's hardware context. Submission paths reach it
// through weak references; a prepared command buffer holds it strongly
// until completion, which is what prevents teardown mid-execution.
type Context struct {
	name string

	mu      sync.Mutex
	engines map[EngineId]*PerEngineState
	killed  bool
	refs    int
}

// New creates a context with one base reference held by its owner.
func New(name string) *Context {
	return &Context{
		name:    name,
		engines: make(map[EngineId]*PerEngineState),
		refs:    1,
	}
}

// Name returns the context's diagnostic name.
func (c *Context) Name() string { return c.name }

// SetEngineState installs the lazily created per-engine state. Installing
// twice for the same engine is a programming error.
func (c *Context) SetEngineState(
	id EngineId,
	contextBuffer *addrspace.Buffer,
	ring *ringbuffer.Ringbuffer,
) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.engines[id]; ok {
		log.Panicf("context %s: engine state for %s already set", c.name, id)
	}

	c.engines[id] = &PerEngineState{
		ContextBuffer: contextBuffer,
		Ring:          ring,
		mappedId:      NotMapped,
	}
}

// EngineState returns the state for the given engine.
func (c *Context) EngineState(id EngineId) (*PerEngineState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.engines[id]
	return s, ok
}

// Map binds the engine's context image and ring into space. Mapping is
// idempotent for the same space and rejected for a different one; hardware
// may already hold translations from the first binding.
func (c *Context) Map(space *addrspace.AddressSpace, id EngineId) error {
	state, ok := c.EngineState(id)
	if !ok {
		return fmt.Errorf("context %s: no engine state for %s", c.name, id)
	}

	if state.mappedId == space.ID() {
		return nil
	}
	if state.mappedId != NotMapped {
		return fmt.Errorf("context %s: already mapped into %s",
			c.name, state.mappedId)
	}

	m, err := addrspace.GetSharedGpuMapping(
		space, state.ContextBuffer,
		0, state.ContextBuffer.Size(), registers.PageShift)
	if err != nil {
		return fmt.Errorf("context %s: %w", c.name, err)
	}

	if err := state.Ring.Map(space); err != nil {
		m.Release()
		return fmt.Errorf("context %s: %w", c.name, err)
	}

	state.contextMapping = m
	state.mappedId = space.ID()

	return nil
}

// Unmap releases the engine state's GPU mappings.
func (c *Context) Unmap(id EngineId) {
	state, ok := c.EngineState(id)
	if !ok || state.mappedId == NotMapped {
		return
	}

	state.contextMapping.Release()
	state.contextMapping = nil
	state.Ring.Unmap()
	state.mappedId = NotMapped
}

// Kill marks the context destroyed. Weak references stop resolving; the
// resources go away when the last strong reference is released.
func (c *Context) Kill() {
	c.mu.Lock()
	wasKilled := c.killed
	c.killed = true
	c.mu.Unlock()

	if !wasKilled {
		c.Release()
	}
}

// Killed reports whether the context has been destroyed by its client.
func (c *Context) Killed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.killed
}

// Retain takes a strong reference.
func (c *Context) Retain() *Context {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.refs == 0 {
		log.Panicf("context %s: retain after teardown", c.name)
	}
	c.refs++

	return c
}

// Release drops a strong reference. The final release unmaps all engine
// state; it must run on the device thread.
func (c *Context) Release() {
	c.mu.Lock()
	if c.refs == 0 {
		c.mu.Unlock()
		log.Panicf("context %s: release after teardown", c.name)
	}
	c.refs--
	last := c.refs == 0
	c.mu.Unlock()

	if !last {
		return
	}

	c.mu.Lock()
	ids := make([]EngineId, 0, len(c.engines))
	for id := range c.engines {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.Unmap(id)
	}
}

// WeakRef returns a handle that resolves to the context only while it is
// alive.
func (c *Context) WeakRef() *Ref {
	return &Ref{ctx: c}
}

// A Ref is an explicit weak handle to a context: lookup-or-fail, never an
// implicit lifetime extension.
type Ref struct {
	ctx *Context
}

// Lock resolves the handle, returning the context with a strong reference
// taken, or false if the client already destroyed it.
func (r *Ref) Lock() (*Context, bool) {
	r.ctx.mu.Lock()
	defer r.ctx.mu.Unlock()

	if r.ctx.killed || r.ctx.refs == 0 {
		return nil, false
	}
	r.ctx.refs++

	return r.ctx, true
}
