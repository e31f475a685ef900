package addrspace

import (
	"sync"

	"github.com/gpudrv/intelgen/platform"
	"github.com/gpudrv/intelgen/registers"
)

// A Buffer wraps a pinned platform buffer and indexes the shared GPU
// mappings that reference it. The index is non-owning: entries are removed
// when the last reference to a mapping is released, and looking one up
// retains it under the same lock, so a mapping can never be revived after
// its teardown began.
type Buffer struct {
	platform.Buffer

	mu       sync.Mutex
	mappings map[mappingKey]*GpuMapping
}

type mappingKey struct {
	space  *AddressSpace
	offset uint64
	length uint64
}

// NewBuffer wraps a platform buffer.
func NewBuffer(buf platform.Buffer) *Buffer {
	return &Buffer{
		Buffer:   buf,
		mappings: make(map[mappingKey]*GpuMapping),
	}
}

// SharedMappingCount returns the number of live shared mappings indexed on
// the buffer.
func (b *Buffer) SharedMappingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.mappings)
}

// PageCount returns the buffer's length in pages.
func (b *Buffer) PageCount() uint64 {
	return b.Size() / registers.PageSize
}

// findAndRetain returns an indexed mapping with an extra reference taken,
// or nil.
func (b *Buffer) findAndRetain(key mappingKey) *GpuMapping {
	b.mu.Lock()
	defer b.mu.Unlock()

	m, ok := b.mappings[key]
	if !ok {
		return nil
	}
	m.refs++

	return m
}

func (b *Buffer) register(key mappingKey, m *GpuMapping) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.mappings[key] = m
}
