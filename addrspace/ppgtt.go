package addrspace

import (
	"encoding/binary"
	"fmt"

	"github.com/gpudrv/intelgen/platform"
	"github.com/gpudrv/intelgen/registers"
)

// Per-process allocations carry one overfetch page plus guard pages against
// hardware prefetch past the end of a batch.
const (
	ppgttOverfetchPages = 1
	ppgttGuardPages     = 8

	ppgttSize = uint64(1) << 48
)

// tableLevels is the depth of the per-process page-table tree (PML4 down to
// the leaf page tables).
const tableLevels = 4

const entriesPerTable = registers.PageSize / 8

// A tablePage is one level of the per-process translation tree: a pinned,
// CPU-mapped page of 512 entries plus the child tables it references.
type tablePage struct {
	buf      platform.Buffer
	bus      platform.BusMapping
	cpu      []byte
	children map[uint64]*tablePage
}

// ppgttBackend lazily grows a four-level table tree. Table pages themselves
// consume pinned memory, so nothing is allocated until the first PTE write
// touches a region.
type ppgttBackend struct {
	dev  platform.Device
	root *tablePage
}

func newTablePage(dev platform.Device, name string) (*tablePage, error) {
	buf, err := dev.NewBuffer(name, registers.PageSize)
	if err != nil {
		return nil, fmt.Errorf("table page: %w", err)
	}

	bus, err := dev.BusMapper().MapPageRangeBus(buf, 0, 1)
	if err != nil {
		return nil, fmt.Errorf("table page pin: %w", err)
	}

	cpu, err := buf.MapCpu()
	if err != nil {
		bus.Release()
		return nil, fmt.Errorf("table page map: %w", err)
	}

	return &tablePage{
		buf:      buf,
		bus:      bus,
		cpu:      cpu,
		children: make(map[uint64]*tablePage),
	}, nil
}

func (t *tablePage) busAddress() uint64 {
	return t.bus.PageBusAddress(0)
}

func (t *tablePage) release() {
	for _, child := range t.children {
		child.release()
	}

	_ = t.buf.UnmapCpu()
	t.bus.Release()
}

// levelIndex extracts the 9-bit table index for the given level, where
// level 3 is the PML4 and level 0 is the leaf page table.
func levelIndex(pageIndex uint64, level int) uint64 {
	return (pageIndex >> (9 * uint(level))) & (entriesPerTable - 1)
}

// walk descends to the leaf table covering pageIndex, creating intermediate
// tables when create is set.
func (b *ppgttBackend) walk(pageIndex uint64, create bool) (*tablePage, error) {
	table := b.root

	for level := tableLevels - 1; level >= 1; level-- {
		index := levelIndex(pageIndex, level)

		child, ok := table.children[index]
		if !ok {
			if !create {
				return nil, fmt.Errorf("no table for page 0x%x at level %d",
					pageIndex, level)
			}

			var err error
			child, err = newTablePage(b.dev,
				fmt.Sprintf("ppgtt level %d table", level-1))
			if err != nil {
				return nil, err
			}
			table.children[index] = child

			pde := EncodePte(child.busAddress(), CachingNone, true)
			binary.LittleEndian.PutUint64(table.cpu[index*8:], pde)
		}

		table = child
	}

	return table, nil
}

func (b *ppgttBackend) writePte(pageIndex uint64, pte uint64) error {
	leaf, err := b.walk(pageIndex, true)
	if err != nil {
		return err
	}

	index := levelIndex(pageIndex, 0)
	binary.LittleEndian.PutUint64(leaf.cpu[index*8:], pte)

	return nil
}

func (b *ppgttBackend) readPte(pageIndex uint64) (uint64, error) {
	leaf, err := b.walk(pageIndex, false)
	if err != nil {
		return 0, err
	}

	index := levelIndex(pageIndex, 0)
	return binary.LittleEndian.Uint64(leaf.cpu[index*8:]), nil
}

func (b *ppgttBackend) destroy() {
	b.root.release()
}

// NewPerProcessGtt creates a private 48-bit address space with lazily
// allocated multi-level page tables. One exists per client connection.
func NewPerProcessGtt(dev platform.Device) (*AddressSpace, error) {
	root, err := newTablePage(dev, "ppgtt pml4")
	if err != nil {
		return nil, err
	}

	return newAddressSpace(
		PerProcessGttId,
		ppgttSize,
		&ppgttBackend{dev: dev, root: root},
		dev,
		ppgttOverfetchPages+ppgttGuardPages,
	)
}

// RootBusAddress returns the bus address of the per-process table root
// (PML4), which the engine programs into the page-directory register. It
// returns false for the global space.
func (s *AddressSpace) RootBusAddress() (uint64, bool) {
	b, ok := s.backend.(*ppgttBackend)
	if !ok {
		return 0, false
	}

	return b.root.busAddress(), true
}
