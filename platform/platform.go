// Package platform declares the services the command-submission core
// consumes from the surrounding system: pinned DMA-capable buffers, bus
// address mapping, MMIO register access, and hardware interrupt wait/signal.
// The core treats all of them as opaque; the simulated subpackage provides
// the in-memory implementation used by tests and the demo CLI.
package platform

// A Buffer is a page-aligned, pinnable memory buffer. CPU mappings are
// page-granular so callers can bound their working set while patching.
type Buffer interface {
	// ID returns a process-unique identifier for the buffer.
	ID() uint64

	// Size returns the buffer size in bytes. Always a multiple of the page
	// size.
	Size() uint64

	// MapCpu maps the whole buffer and returns its bytes.
	MapCpu() ([]byte, error)

	// UnmapCpu releases a whole-buffer mapping.
	UnmapCpu() error

	// MapPageCpu maps exactly one page and returns its bytes.
	MapPageCpu(pageIndex uint64) ([]byte, error)

	// UnmapPageCpu releases a single-page mapping.
	UnmapPageCpu(pageIndex uint64) error
}

// A BusMapping holds a range of a buffer's pages pinned and exposes their
// bus addresses. Releasing the mapping unpins the pages.
type BusMapping interface {
	// PageOffset returns the index of the first mapped page within the
	// buffer.
	PageOffset() uint64

	// PageCount returns the number of mapped pages.
	PageCount() uint64

	// PageBusAddress returns the bus address of the i-th mapped page.
	PageBusAddress(i uint64) uint64

	// Release unpins the pages. The bus addresses must not be handed to
	// hardware after this returns.
	Release()
}

// A BusMapper pins buffer pages and produces bus mappings.
type BusMapper interface {
	MapPageRangeBus(buf Buffer, pageOffset, pageCount uint64) (BusMapping, error)
}

// Mmio is the register file of the device.
type Mmio interface {
	Read32(offset uint32) uint32
	Write32(offset uint32, val uint32)
	Read64(offset uint32) uint64
	Write64(offset uint32, val uint64)
}

// An Interrupt is the hardware interrupt line. Wait blocks until the
// interrupt fires or the handle is closed; it returns false when closed.
// Signal asserts the line (used by the simulated hardware and by shutdown
// paths to unblock a waiter).
type Interrupt interface {
	Wait() bool
	Signal()
	Close()
}

// A Device bundles the platform services for one GPU.
type Device interface {
	// NewBuffer allocates a pinned, DMA-capable buffer of at least size
	// bytes, rounded up to whole pages.
	NewBuffer(name string, size uint64) (Buffer, error)

	BusMapper() BusMapper

	Mmio() Mmio

	Interrupt() Interrupt
}
