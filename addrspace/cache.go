package addrspace

import "container/list"

// A MappingCache holds extra references to recently used mappings so that
// back-to-back command buffers reusing a resource skip the unmap/remap
// round trip. Eviction is oldest-first under a byte budget. The cache only
// delays teardown; correctness never depends on it.
type MappingCache struct {
	capacityBytes uint64
	usedBytes     uint64
	entries       *list.List
}

// NewMappingCache creates a cache that retains up to capacityBytes of
// mapped ranges.
func NewMappingCache(capacityBytes uint64) *MappingCache {
	return &MappingCache{
		capacityBytes: capacityBytes,
		entries:       list.New(),
	}
}

// Cache retains m until it is evicted or the cache is cleared.
func (c *MappingCache) Cache(m *GpuMapping) {
	m.Retain()
	c.entries.PushBack(m)
	c.usedBytes += m.Length()

	for c.usedBytes > c.capacityBytes && c.entries.Len() > 1 {
		c.evictOldest()
	}
}

func (c *MappingCache) evictOldest() {
	front := c.entries.Front()
	m := front.Value.(*GpuMapping)
	c.entries.Remove(front)
	c.usedBytes -= m.Length()
	m.Release()
}

// ReleaseBuffer drops every cached mapping that references buf. Used when a
// client releases a buffer, so the cache cannot keep its pages pinned.
func (c *MappingCache) ReleaseBuffer(buf *Buffer) {
	for e := c.entries.Front(); e != nil; {
		next := e.Next()
		m := e.Value.(*GpuMapping)
		if m.Buffer() == buf {
			c.entries.Remove(e)
			c.usedBytes -= m.Length()
			m.Release()
		}
		e = next
	}
}

// Clear drops every cached mapping.
func (c *MappingCache) Clear() {
	for c.entries.Len() > 0 {
		c.evictOldest()
	}
}

// UsedBytes returns the cached footprint.
func (c *MappingCache) UsedBytes() uint64 { return c.usedBytes }
