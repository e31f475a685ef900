package addrspace

import (
	"fmt"
	"sync/atomic"

	"github.com/gpudrv/intelgen/platform"
	"github.com/gpudrv/intelgen/registers"
)

// Id identifies the kind of an address space.
type Id int

// The two address space kinds.
const (
	GlobalGttId Id = iota
	PerProcessGttId
)

func (id Id) String() string {
	switch id {
	case GlobalGttId:
		return "ggtt"
	case PerProcessGttId:
		return "ppgtt"
	default:
		return "unknown"
	}
}

// A tableBackend programs and reads the page-table entries of one address
// space. pageIndex is the GPU virtual page number.
type tableBackend interface {
	writePte(pageIndex uint64, pte uint64) error
	readPte(pageIndex uint64) (uint64, error)
	destroy()
}

// An AddressSpace owns a GPU virtual address range and its translation
// tables. All methods that mutate table or allocator state must run on the
// device thread; Alive/Destroy are the only exceptions.
type AddressSpace struct {
	id      Id
	size    uint64
	backend tableBackend

	allocator Allocator
	mapper    platform.BusMapper

	scratchBuf platform.Buffer
	scratchBus platform.BusMapping

	// Extra pages appended to every allocation: one overfetch page, plus
	// guard pages for the per-process variant. They stay scratch-mapped.
	extraPages uint64

	dead atomic.Bool
}

func newAddressSpace(
	id Id,
	size uint64,
	backend tableBackend,
	dev platform.Device,
	extraPages uint64,
) (*AddressSpace, error) {
	scratch, err := dev.NewBuffer(id.String()+" scratch", registers.PageSize)
	if err != nil {
		return nil, fmt.Errorf("scratch buffer: %w", err)
	}

	scratchBus, err := dev.BusMapper().MapPageRangeBus(scratch, 0, 1)
	if err != nil {
		return nil, fmt.Errorf("scratch bus mapping: %w", err)
	}

	return &AddressSpace{
		id:         id,
		size:       size,
		backend:    backend,
		allocator:  NewBestFitAllocator(size),
		mapper:     dev.BusMapper(),
		scratchBuf: scratch,
		scratchBus: scratchBus,
		extraPages: extraPages,
	}, nil
}

// ID returns the address space kind.
func (s *AddressSpace) ID() Id { return s.id }

// Size returns the extent of the virtual address space.
func (s *AddressSpace) Size() uint64 { return s.size }

// Alive reports whether the space has not been destroyed. Mappings check it
// before touching table state.
func (s *AddressSpace) Alive() bool { return !s.dead.Load() }

// Destroy marks the space dead and releases its table memory. Outstanding
// GpuMappings become unusable; their release skips table programming.
func (s *AddressSpace) Destroy() {
	if s.dead.Swap(true) {
		return
	}

	s.backend.destroy()
	s.scratchBus.Release()
}

// Alloc reserves a page-aligned range of at least size bytes at the given
// power-of-two alignment. The reservation silently includes the space's
// overfetch and guard pages.
func (s *AddressSpace) Alloc(size uint64, alignPow2 uint8) (uint64, error) {
	total := roundUpToPage(size) + s.extraPages*registers.PageSize

	addr, err := s.allocator.Alloc(total, alignPow2)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", s.id, err)
	}

	return addr, nil
}

// Free releases a range previously returned by Alloc.
func (s *AddressSpace) Free(addr uint64) error {
	if err := s.allocator.Free(addr); err != nil {
		return fmt.Errorf("%s: %w", s.id, err)
	}

	return nil
}

// Insert programs the PTEs of the allocated range at addr to reference the
// bus-mapped pages, with the trailing overfetch/guard pages pointed at the
// scratch page. The allocated length must exactly match the bus mapping's
// page count plus the extra pages.
func (s *AddressSpace) Insert(
	addr uint64,
	bus platform.BusMapping,
	caching CachingType,
) error {
	allocated, err := s.allocator.AllocatedSize(addr)
	if err != nil {
		return fmt.Errorf("%s insert: %w", s.id, err)
	}

	pageCount := bus.PageCount()
	if allocated != (pageCount+s.extraPages)*registers.PageSize {
		return fmt.Errorf(
			"%s insert: allocated 0x%x bytes at 0x%x but mapping has %d pages",
			s.id, allocated, addr, pageCount)
	}

	startPage := addr >> registers.PageShift
	for i := uint64(0); i < pageCount; i++ {
		pte := EncodePte(bus.PageBusAddress(i), caching, true)
		if err := s.backend.writePte(startPage+i, pte); err != nil {
			return fmt.Errorf("%s insert: %w", s.id, err)
		}
	}

	scratchPte := EncodePte(s.scratchBus.PageBusAddress(0), CachingNone, false)
	for i := pageCount; i < pageCount+s.extraPages; i++ {
		if err := s.backend.writePte(startPage+i, scratchPte); err != nil {
			return fmt.Errorf("%s insert: %w", s.id, err)
		}
	}

	return nil
}

// Clear reprograms every PTE of the allocated range at addr to the
// read-only scratch page, so no stale translation survives a later reuse of
// the range.
func (s *AddressSpace) Clear(addr uint64) error {
	allocated, err := s.allocator.AllocatedSize(addr)
	if err != nil {
		return fmt.Errorf("%s clear: %w", s.id, err)
	}

	startPage := addr >> registers.PageShift
	scratchPte := EncodePte(s.scratchBus.PageBusAddress(0), CachingNone, false)

	for i := uint64(0); i < allocated/registers.PageSize; i++ {
		if err := s.backend.writePte(startPage+i, scratchPte); err != nil {
			return fmt.Errorf("%s clear: %w", s.id, err)
		}
	}

	return nil
}

// Pte reads back the PTE covering gpuAddr, for diagnostics and tests.
func (s *AddressSpace) Pte(gpuAddr uint64) (uint64, error) {
	return s.backend.readPte(gpuAddr >> registers.PageShift)
}
