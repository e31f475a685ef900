package hwcontext

import (
	"fmt"

	"github.com/gpudrv/intelgen/addrspace"
	"github.com/gpudrv/intelgen/platform"
)

// A Connection is one client's session with the device. It owns the
// client's private per-process address space and the mapping cache that
// amortizes remaps across that client's command buffers.
type Connection struct {
	id    uint64
	space *addrspace.AddressSpace
	cache *addrspace.MappingCache
}

// mappingCacheCapacity bounds how much mapped range the per-connection
// cache may keep alive.
const mappingCacheCapacity = 64 * 1024 * 1024

// NewConnection creates a connection with a fresh per-process GTT.
func NewConnection(dev platform.Device, id uint64) (*Connection, error) {
	space, err := addrspace.NewPerProcessGtt(dev)
	if err != nil {
		return nil, fmt.Errorf("connection %d: %w", id, err)
	}

	return &Connection{
		id:    id,
		space: space,
		cache: addrspace.NewMappingCache(mappingCacheCapacity),
	}, nil
}

// Id returns the connection identifier.
func (c *Connection) Id() uint64 { return c.id }

// Space returns the connection's per-process address space.
func (c *Connection) Space() *addrspace.AddressSpace { return c.space }

// Cache returns the connection's mapping retention cache.
func (c *Connection) Cache() *addrspace.MappingCache { return c.cache }

// Close tears down the connection's address space. Must run on the device
// thread after all the connection's contexts are destroyed.
func (c *Connection) Close() {
	c.cache.Clear()
	c.space.Destroy()
}
