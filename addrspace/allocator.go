// Package addrspace manages GPU virtual address spaces: range allocation,
// page-table programming for the global and per-process translation tables,
// and the ref-counted buffer mappings layered on top.
package addrspace

import (
	"fmt"
	"sort"

	"github.com/gpudrv/intelgen/registers"
)

// An Allocator hands out non-overlapping, page-aligned ranges of a virtual
// address space.
type Allocator interface {
	// Size returns the extent of the managed space.
	Size() uint64

	// Alloc reserves a range of at least size bytes aligned to
	// 1 << alignPow2. The returned address is page-aligned.
	Alloc(size uint64, alignPow2 uint8) (uint64, error)

	// Free releases a previously allocated range identified by its base
	// address.
	Free(addr uint64) error

	// AllocatedSize returns the length of the live allocation at addr.
	AllocatedSize(addr uint64) (uint64, error)
}

type span struct {
	start uint64
	size  uint64
}

// bestFitAllocator keeps an address-ordered free list and picks the span
// that leaves the least slack for each request.
type bestFitAllocator struct {
	size        uint64
	free        []span
	allocations map[uint64]uint64
}

// NewBestFitAllocator creates an allocator over [0, size).
func NewBestFitAllocator(size uint64) Allocator {
	if size == 0 || size%registers.PageSize != 0 {
		panic("allocator size must be a positive page multiple")
	}

	return &bestFitAllocator{
		size:        size,
		free:        []span{{start: 0, size: size}},
		allocations: make(map[uint64]uint64),
	}
}

func (a *bestFitAllocator) Size() uint64 {
	return a.size
}

func (a *bestFitAllocator) Alloc(size uint64, alignPow2 uint8) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("alloc: zero size")
	}
	if alignPow2 < registers.PageShift {
		alignPow2 = registers.PageShift
	}
	if alignPow2 >= 48 {
		return 0, fmt.Errorf("alloc: alignment 2^%d out of range", alignPow2)
	}

	size = roundUpToPage(size)
	align := uint64(1) << alignPow2

	bestIndex := -1
	var bestStart uint64
	var bestSlack uint64

	for i, s := range a.free {
		start := (s.start + align - 1) &^ (align - 1)
		if start < s.start || start-s.start > s.size {
			continue
		}
		avail := s.size - (start - s.start)
		if avail < size {
			continue
		}

		slack := avail - size
		if bestIndex < 0 || slack < bestSlack {
			bestIndex = i
			bestStart = start
			bestSlack = slack
		}
	}

	if bestIndex < 0 {
		return 0, fmt.Errorf("alloc: no space for %d bytes aligned 2^%d",
			size, alignPow2)
	}

	a.carve(bestIndex, bestStart, size)
	a.allocations[bestStart] = size

	return bestStart, nil
}

// carve removes [start, start+size) from the free span at index i, leaving
// the head and tail remainders on the free list.
func (a *bestFitAllocator) carve(i int, start, size uint64) {
	s := a.free[i]
	a.free = append(a.free[:i], a.free[i+1:]...)

	if start > s.start {
		a.insertFree(span{start: s.start, size: start - s.start})
	}
	if end, sEnd := start+size, s.start+s.size; end < sEnd {
		a.insertFree(span{start: end, size: sEnd - end})
	}
}

func (a *bestFitAllocator) insertFree(s span) {
	i := sort.Search(len(a.free), func(i int) bool {
		return a.free[i].start > s.start
	})

	a.free = append(a.free, span{})
	copy(a.free[i+1:], a.free[i:])
	a.free[i] = s
}

func (a *bestFitAllocator) Free(addr uint64) error {
	size, ok := a.allocations[addr]
	if !ok {
		return fmt.Errorf("free: address 0x%x was never allocated", addr)
	}
	delete(a.allocations, addr)

	a.insertFree(span{start: addr, size: size})
	a.coalesce()

	return nil
}

func (a *bestFitAllocator) coalesce() {
	merged := a.free[:0]
	for _, s := range a.free {
		if n := len(merged); n > 0 && merged[n-1].start+merged[n-1].size == s.start {
			merged[n-1].size += s.size
			continue
		}
		merged = append(merged, s)
	}
	a.free = merged
}

func (a *bestFitAllocator) AllocatedSize(addr uint64) (uint64, error) {
	size, ok := a.allocations[addr]
	if !ok {
		return 0, fmt.Errorf("address 0x%x is not allocated", addr)
	}

	return size, nil
}

func roundUpToPage(v uint64) uint64 {
	return (v + registers.PageSize - 1) &^ uint64(registers.PageSize-1)
}
