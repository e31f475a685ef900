// Package cmdbuf implements the client submission unit: a set of buffer
// resources to map, relocations to patch, and the target context, prepared
// into a hardware-executable batch.
package cmdbuf

import (
	"encoding/binary"
	"fmt"
	"log"

	"github.com/gpudrv/intelgen/addrspace"
	"github.com/gpudrv/intelgen/hwcontext"
	"github.com/gpudrv/intelgen/platform"
	"github.com/gpudrv/intelgen/registers"
	"github.com/rs/xid"
)

// InvalidSequenceNumber is the reserved sentinel; a command buffer carries
// it until submitted to hardware.
const InvalidSequenceNumber uint32 = 0

// A Relocation asks for the final GPU address of another resource, plus an
// offset into it, to be written at Offset within the owning resource. The
// patched dword pair must not straddle a page boundary.
type Relocation struct {
	Offset              uint64
	TargetResourceIndex uint32
	TargetOffset        uint64
}

// An ExecResource is one buffer range a command buffer references.
type ExecResource struct {
	Buffer      *addrspace.Buffer
	Offset      uint64
	Length      uint64
	Relocations []Relocation
}

// An Engine is the subset of the command streamer a command buffer needs
// during preparation.
type Engine interface {
	Id() hwcontext.EngineId
	InitContext(ctx *hwcontext.Context) error
}

// A CommandBuffer is one submission. Lifecycle: unprepared, then prepared
// (resources mapped, relocations patched, context locked), then submitted
// (sequence number assigned), then released on completion.
type CommandBuffer struct {
	id string

	resources  []ExecResource
	batchIndex uint32

	ctxRef *hwcontext.Ref

	waitSemaphores   []*platform.Semaphore
	signalSemaphores []*platform.Semaphore

	prepared     bool
	lockedCtx    *hwcontext.Context
	mappings     []*addrspace.GpuMapping
	batchGpuAddr uint64

	sequenceNumber uint32
}

// New creates a command buffer targeting the context behind ctxRef. The
// resource at batchIndex is the batch.
func New(
	ctxRef *hwcontext.Ref,
	resources []ExecResource,
	batchIndex uint32,
	waitSemaphores, signalSemaphores []*platform.Semaphore,
) *CommandBuffer {
	if int(batchIndex) >= len(resources) {
		log.Panicf("batch index %d out of range (%d resources)",
			batchIndex, len(resources))
	}

	return &CommandBuffer{
		id:               xid.New().String(),
		ctxRef:           ctxRef,
		resources:        resources,
		batchIndex:       batchIndex,
		waitSemaphores:   waitSemaphores,
		signalSemaphores: signalSemaphores,
		sequenceNumber:   InvalidSequenceNumber,
	}
}

// Id returns the submission's trace identifier.
func (b *CommandBuffer) Id() string { return b.id }

// Prepared reports whether PrepareForExecution has succeeded.
func (b *CommandBuffer) Prepared() bool { return b.prepared }

// BatchGpuAddr returns the batch resource's GPU address. Valid once
// prepared.
func (b *CommandBuffer) BatchGpuAddr() uint64 {
	if !b.prepared {
		log.Panic("batch address requested before preparation")
	}

	return b.batchGpuAddr
}

// Context returns the locked context. Valid once prepared.
func (b *CommandBuffer) Context() *hwcontext.Context {
	if !b.prepared {
		log.Panic("context requested before preparation")
	}

	return b.lockedCtx
}

// ContextRef returns the weak reference to the target context. Usable at
// any point in the lifecycle.
func (b *CommandBuffer) ContextRef() *hwcontext.Ref { return b.ctxRef }

// SequenceNumber returns the assigned sequence number, or
// InvalidSequenceNumber before submission.
func (b *CommandBuffer) SequenceNumber() uint32 { return b.sequenceNumber }

// SetSequenceNumber records the hardware sequence number on submission.
func (b *CommandBuffer) SetSequenceNumber(seq uint32) {
	if b.sequenceNumber != InvalidSequenceNumber {
		log.Panic("sequence number already assigned")
	}

	b.sequenceNumber = seq
}

// WaitSemaphores returns the semaphores the submission is gated on.
func (b *CommandBuffer) WaitSemaphores() []*platform.Semaphore {
	return b.waitSemaphores
}

// WaitSemaphoresSignaled reports whether every wait semaphore has fired.
func (b *CommandBuffer) WaitSemaphoresSignaled() bool {
	for _, s := range b.waitSemaphores {
		if !s.Signaled() {
			return false
		}
	}

	return true
}

// SignalCompletion fires the submission's signal semaphores.
func (b *CommandBuffer) SignalCompletion() {
	for _, s := range b.signalSemaphores {
		s.Signal()
	}
}

// UsesBuffer reports whether any exec resource references buf.
func (b *CommandBuffer) UsesBuffer(buf *addrspace.Buffer) bool {
	for i := range b.resources {
		if b.resources[i].Buffer == buf {
			return true
		}
	}

	return false
}

// MappingRanges returns {gpu address, length} per mapped resource, for the
// diagnostic dump. Valid once prepared.
func (b *CommandBuffer) MappingRanges() [][2]uint64 {
	ranges := make([][2]uint64, 0, len(b.mappings))
	for _, m := range b.mappings {
		ranges = append(ranges, [2]uint64{m.GpuAddr(), m.Length()})
	}

	return ranges
}

// ErrContextGone reports the expected race where the client destroyed its
// context while the submission was still queued; the command buffer is
// silently droppable.
var ErrContextGone = fmt.Errorf("context gone")

// PrepareForExecution maps every resource into space, patches relocations,
// and locks the context for the rest of the command buffer's life. Any
// failure rolls back completely. Preparing twice is a programming error.
func (b *CommandBuffer) PrepareForExecution(
	engine Engine,
	space *addrspace.AddressSpace,
) error {
	if b.prepared {
		log.Panic("command buffer already prepared")
	}

	ctx, ok := b.ctxRef.Lock()
	if !ok {
		return ErrContextGone
	}

	if err := b.prepareLocked(ctx, engine, space); err != nil {
		ctx.Release()
		return err
	}

	b.lockedCtx = ctx
	b.prepared = true

	return nil
}

func (b *CommandBuffer) prepareLocked(
	ctx *hwcontext.Context,
	engine Engine,
	space *addrspace.AddressSpace,
) error {
	if _, ok := ctx.EngineState(engine.Id()); !ok {
		if err := engine.InitContext(ctx); err != nil {
			return fmt.Errorf("init context: %w", err)
		}
	}

	if err := ctx.Map(space, engine.Id()); err != nil {
		return err
	}

	mappings := make([]*addrspace.GpuMapping, 0, len(b.resources))
	rollback := func() {
		for _, m := range mappings {
			m.Release()
		}
	}

	for i := range b.resources {
		res := &b.resources[i]
		m, err := addrspace.GetSharedGpuMapping(
			space, res.Buffer, res.Offset, res.Length, registers.PageShift)
		if err != nil {
			rollback()
			return fmt.Errorf("resource %d: %w", i, err)
		}
		mappings = append(mappings, m)
	}

	if err := b.patchRelocations(mappings); err != nil {
		rollback()
		return err
	}

	b.mappings = mappings
	b.batchGpuAddr = mappings[b.batchIndex].GpuAddr()

	return nil
}

// patchRelocations writes each target's final GPU address into its
// relocation site. Only the single page containing a site is CPU-mapped at
// a time, to bound the working set.
func (b *CommandBuffer) patchRelocations(
	mappings []*addrspace.GpuMapping,
) error {
	for i := range b.resources {
		res := &b.resources[i]

		for _, reloc := range res.Relocations {
			if int(reloc.TargetResourceIndex) >= len(mappings) {
				log.Panicf("relocation target index %d out of range",
					reloc.TargetResourceIndex)
			}

			target := mappings[reloc.TargetResourceIndex].GpuAddr() +
				reloc.TargetOffset

			if err := patchDwordPair(res, reloc.Offset, target); err != nil {
				return err
			}
		}
	}

	return nil
}

func patchDwordPair(res *ExecResource, offset uint64, value uint64) error {
	byteOffset := res.Offset + offset
	pageIndex := byteOffset / registers.PageSize
	pageOffset := byteOffset % registers.PageSize

	if pageOffset+8 > registers.PageSize {
		log.Panicf("relocation at 0x%x straddles a page boundary", byteOffset)
	}

	page, err := res.Buffer.MapPageCpu(pageIndex)
	if err != nil {
		return fmt.Errorf("relocation page map: %w", err)
	}

	binary.LittleEndian.PutUint32(page[pageOffset:], uint32(value))
	binary.LittleEndian.PutUint32(page[pageOffset+4:], uint32(value>>32))

	if err := res.Buffer.UnmapPageCpu(pageIndex); err != nil {
		return fmt.Errorf("relocation page unmap: %w", err)
	}

	return nil
}

// Release drops the command buffer's mappings and context lock after
// completion (or after a failed dispatch). When a retention cache is given,
// resource mappings are parked there instead of torn down immediately.
// Must run on the device thread.
func (b *CommandBuffer) Release(cache *addrspace.MappingCache) {
	if !b.prepared {
		return
	}

	for _, m := range b.mappings {
		if cache != nil {
			cache.Cache(m)
		}
		m.Release()
	}
	b.mappings = nil

	b.lockedCtx.Release()
	b.lockedCtx = nil
	b.prepared = false
}
