// Package ringbuffer implements the per-context circular instruction buffer
// consumed by the hardware engine.
package ringbuffer

import (
	"encoding/binary"
	"fmt"
	"log"

	"github.com/gpudrv/intelgen/addrspace"
	"github.com/gpudrv/intelgen/platform"
	"github.com/gpudrv/intelgen/registers"
)

// Size is the ring size in bytes. The hardware ctl register encodes it in
// pages, so it must stay a page multiple.
const Size = 32 * 1024

// A Ringbuffer wraps a GPU-mapped buffer with head/tail cursors and
// wrap-around space accounting. The tail advances as instructions are
// written; the head follows hardware consumption.
type Ringbuffer struct {
	buf *addrspace.Buffer
	cpu []byte

	head uint32
	tail uint32

	mapping *addrspace.GpuMapping
}

// New creates a ringbuffer backed by a fresh pinned buffer.
func New(dev platform.Device, name string) (*Ringbuffer, error) {
	raw, err := dev.NewBuffer(name, Size)
	if err != nil {
		return nil, fmt.Errorf("ringbuffer: %w", err)
	}

	buf := addrspace.NewBuffer(raw)

	cpu, err := buf.MapCpu()
	if err != nil {
		return nil, fmt.Errorf("ringbuffer map: %w", err)
	}

	return &Ringbuffer{buf: buf, cpu: cpu}, nil
}

// Head returns the byte offset of the hardware consumption cursor.
func (r *Ringbuffer) Head() uint32 { return r.head }

// Tail returns the byte offset of the write cursor.
func (r *Ringbuffer) Tail() uint32 { return r.tail }

// UpdateHead moves the consumption cursor, normally from the head register
// after hardware progress.
func (r *Ringbuffer) UpdateHead(head uint32) {
	if head%4 != 0 || head >= Size {
		log.Panicf("ringbuffer: bad head 0x%x", head)
	}

	r.head = head
}

// Reset rewinds both cursors, used on engine reset.
func (r *Ringbuffer) Reset() {
	r.head = 0
	r.tail = 0
}

// HasSpace reports whether bytes can be written without overtaking the
// head. One dword of slack is kept so a full ring is distinguishable from
// an empty one.
func (r *Ringbuffer) HasSpace(bytes uint32) bool {
	var avail uint32
	if r.tail >= r.head {
		avail = Size - (r.tail - r.head) - 4
	} else {
		avail = r.head - r.tail - 4
	}

	return avail >= bytes
}

// Write32 appends one dword at the tail. Callers check HasSpace first.
func (r *Ringbuffer) Write32(value uint32) {
	if !r.HasSpace(4) {
		log.Panic("ringbuffer overflow")
	}

	binary.LittleEndian.PutUint32(r.cpu[r.tail:], value)
	r.tail = (r.tail + 4) % Size
}

// Map maps the ring into the given address space. A ring is mapped exactly
// once, when its context is bound to the space it executes under.
func (r *Ringbuffer) Map(space *addrspace.AddressSpace) error {
	if r.mapping != nil {
		log.Panic("ringbuffer already mapped")
	}

	m, err := addrspace.GetSharedGpuMapping(
		space, r.buf, 0, Size, registers.PageShift)
	if err != nil {
		return fmt.Errorf("ringbuffer: %w", err)
	}

	r.mapping = m

	return nil
}

// Unmap releases the ring's GPU mapping.
func (r *Ringbuffer) Unmap() {
	if r.mapping == nil {
		log.Panic("ringbuffer not mapped")
	}

	r.mapping.Release()
	r.mapping = nil
}

// GpuAddr returns the ring's base address in the space it was mapped into.
func (r *Ringbuffer) GpuAddr(id addrspace.Id) (uint64, error) {
	if r.mapping == nil || r.mapping.Space().ID() != id {
		return 0, fmt.Errorf("ringbuffer not mapped into %s", id)
	}

	return r.mapping.GpuAddr(), nil
}

// IsMapped reports whether the ring currently holds a GPU mapping.
func (r *Ringbuffer) IsMapped() bool { return r.mapping != nil }
