package addrspace

import (
	"fmt"
	"log"

	"github.com/gpudrv/intelgen/registers"
)

// A GpuMapping is a ref-counted mapping of a buffer range into an address
// space. It owns the pinned-page bus mapping; releasing the last reference
// clears the PTEs, frees the allocator range, and unpins the pages. The
// back-reference to the address space is weak: if the space has been
// destroyed, teardown skips table programming.
//
// The reference count may be manipulated from any thread, but the final
// release must happen on the device thread since it programs PTEs.
type GpuMapping struct {
	space   *AddressSpace
	buf     *Buffer
	key     mappingKey
	gpuAddr uint64
	bus     busMappingRef

	// guarded by buf.mu
	refs int
}

type busMappingRef interface {
	PageCount() uint64
	PageBusAddress(i uint64) uint64
	Release()
}

// GpuAddr returns the base GPU virtual address of the mapping.
func (m *GpuMapping) GpuAddr() uint64 { return m.gpuAddr }

// Offset returns the byte offset of the mapped range within the buffer.
func (m *GpuMapping) Offset() uint64 { return m.key.offset }

// Length returns the mapped length in bytes.
func (m *GpuMapping) Length() uint64 { return m.key.length }

// Buffer returns the mapped buffer.
func (m *GpuMapping) Buffer() *Buffer { return m.buf }

// Space returns the owning address space. Callers must check Alive before
// relying on the translation.
func (m *GpuMapping) Space() *AddressSpace { return m.space }

// Retain takes an additional reference.
func (m *GpuMapping) Retain() *GpuMapping {
	m.buf.mu.Lock()
	defer m.buf.mu.Unlock()

	if m.refs == 0 {
		log.Panic("retain of a released mapping")
	}
	m.refs++

	return m
}

// Release drops one reference. On the last release the mapping is removed
// from the buffer's index, the range is scratch-cleared and freed, and the
// pages are unpinned.
func (m *GpuMapping) Release() {
	m.buf.mu.Lock()
	if m.refs == 0 {
		m.buf.mu.Unlock()
		log.Panic("release of a released mapping")
	}
	m.refs--
	last := m.refs == 0
	if last {
		delete(m.buf.mappings, m.key)
	}
	m.buf.mu.Unlock()

	if !last {
		return
	}

	if m.space.Alive() {
		if err := m.space.Clear(m.gpuAddr); err != nil {
			log.Printf("mapping teardown: %v", err)
		}
		if err := m.space.Free(m.gpuAddr); err != nil {
			log.Printf("mapping teardown: %v", err)
		}
	}

	m.bus.Release()
}

// MapBufferGpu allocates a virtual range in space and programs it to
// reference [offset, offset+length) of buf. Partial failures are rolled
// back.
func MapBufferGpu(
	space *AddressSpace,
	buf *Buffer,
	offset, length uint64,
	alignPow2 uint8,
) (*GpuMapping, error) {
	if offset%registers.PageSize != 0 {
		return nil, fmt.Errorf("map: offset 0x%x not page aligned", offset)
	}
	if length == 0 || offset+roundUpToPage(length) > buf.Size() {
		return nil, fmt.Errorf("map: range [0x%x, +0x%x) beyond buffer size 0x%x",
			offset, length, buf.Size())
	}

	pageCount := roundUpToPage(length) / registers.PageSize

	gpuAddr, err := space.Alloc(length, alignPow2)
	if err != nil {
		return nil, err
	}

	bus, err := space.mapper.MapPageRangeBus(
		buf.Buffer, offset/registers.PageSize, pageCount)
	if err != nil {
		_ = space.Free(gpuAddr)
		return nil, fmt.Errorf("map: %w", err)
	}

	if err := space.Insert(gpuAddr, bus, CachingLlc); err != nil {
		bus.Release()
		_ = space.Free(gpuAddr)
		return nil, err
	}

	return &GpuMapping{
		space:   space,
		buf:     buf,
		key:     mappingKey{space: space, offset: offset, length: length},
		gpuAddr: gpuAddr,
		bus:     bus,
		refs:    1,
	}, nil
}

// GetSharedGpuMapping returns a retained mapping for the given range,
// reusing an indexed one when the buffer already tracks it. This is the
// de-duplication that avoids page-table churn when command buffers reuse
// the same resource.
func GetSharedGpuMapping(
	space *AddressSpace,
	buf *Buffer,
	offset, length uint64,
	alignPow2 uint8,
) (*GpuMapping, error) {
	key := mappingKey{space: space, offset: offset, length: length}

	if m := buf.findAndRetain(key); m != nil {
		return m, nil
	}

	m, err := MapBufferGpu(space, buf, offset, length, alignPow2)
	if err != nil {
		return nil, err
	}

	buf.register(key, m)

	return m, nil
}
