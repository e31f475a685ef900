// Package simulated provides an in-memory implementation of the platform
// services, including a register file with write taps and a minimal render
// engine that executes batches well enough for end-to-end exercising of the
// submission path.
package simulated

import (
	"fmt"
	"sync"

	"github.com/gpudrv/intelgen/platform"
	"github.com/gpudrv/intelgen/registers"
)

// Device is the simulated platform device.
type Device struct {
	mu          sync.Mutex
	nextBufID   uint64
	nextBusAddr uint64
	busPages    map[uint64]busPage

	regs *RegisterFile
	irq  *InterruptLine
	core *GpuCore
}

type busPage struct {
	buf       *Buffer
	pageIndex uint64
}

// A Builder builds simulated devices.
type Builder struct {
	withHardware bool
}

// MakeBuilder creates a builder with the default configuration.
func MakeBuilder() Builder {
	return Builder{}
}

// WithHardware attaches the simulated render engine so that ring tail writes
// trigger batch execution.
func (b Builder) WithHardware() Builder {
	b.withHardware = true
	return b
}

// Build returns a new simulated device.
func (b Builder) Build() *Device {
	d := &Device{
		busPages:    make(map[uint64]busPage),
		nextBusAddr: 0x10000000,
		regs:        NewRegisterFile(),
		irq:         NewInterruptLine(),
	}

	// The render power well acks forcewake immediately.
	d.regs.AddWriteTap(func(offset, val uint32) {
		if offset == registers.ForceWakeRequest {
			d.regs.poke(registers.ForceWakeStatus, val&0xffff)
		}
	})

	d.regs.MarkWriteOneToClear(registers.GtInterruptIdentity0)
	d.regs.MarkWriteOneToClear(registers.AllEngineFault)

	if b.withHardware {
		d.core = newGpuCore(d)
	}

	return d
}

// NewBuffer allocates a simulated pinned buffer.
func (d *Device) NewBuffer(name string, size uint64) (platform.Buffer, error) {
	if size == 0 {
		return nil, fmt.Errorf("buffer %s: zero size", name)
	}

	pageCount := (size + registers.PageSize - 1) / registers.PageSize

	d.mu.Lock()
	d.nextBufID++
	id := d.nextBufID
	d.mu.Unlock()

	return &Buffer{
		dev:      d,
		id:       id,
		name:     name,
		data:     make([]byte, pageCount*registers.PageSize),
		pageMaps: make(map[uint64]int),
	}, nil
}

// BusMapper returns the device's bus mapper.
func (d *Device) BusMapper() platform.BusMapper {
	return &busMapper{dev: d}
}

// Mmio returns the device's register file.
func (d *Device) Mmio() platform.Mmio {
	return d.regs
}

// Registers returns the register file with its simulation-only surface
// (write taps, poke).
func (d *Device) Registers() *RegisterFile {
	return d.regs
}

// Interrupt returns the device's interrupt line.
func (d *Device) Interrupt() platform.Interrupt {
	return d.irq
}

// Core returns the simulated render engine, or nil if the device was built
// without hardware.
func (d *Device) Core() *GpuCore {
	return d.core
}

// StopHardware stops the simulated render engine goroutine.
func (d *Device) StopHardware() {
	if d.core != nil {
		d.core.stop()
	}
}

// BusPage returns the backing bytes of the page pinned at busAddr. It is
// how the simulated engine and white-box tests read memory the way the GPU
// would.
func (d *Device) BusPage(busAddr uint64) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	bp, ok := d.busPages[busAddr&^uint64(registers.PageSize-1)]
	if !ok {
		return nil, false
	}

	start := bp.pageIndex * registers.PageSize
	return bp.buf.data[start : start+registers.PageSize], true
}

func (d *Device) pinPage(buf *Buffer, pageIndex uint64) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	addr := d.nextBusAddr
	d.nextBusAddr += registers.PageSize
	d.busPages[addr] = busPage{buf: buf, pageIndex: pageIndex}

	return addr
}

func (d *Device) unpinPage(busAddr uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.busPages, busAddr)
}

// A Buffer is a byte-slice-backed pinned buffer.
type Buffer struct {
	dev  *Device
	id   uint64
	name string
	data []byte

	mu       sync.Mutex
	fullMaps int
	pageMaps map[uint64]int
}

// ID returns the buffer's unique id.
func (b *Buffer) ID() uint64 { return b.id }

// Size returns the page-rounded buffer size.
func (b *Buffer) Size() uint64 { return uint64(len(b.data)) }

// MapCpu maps the whole buffer.
func (b *Buffer) MapCpu() ([]byte, error) {
	b.mu.Lock()
	b.fullMaps++
	b.mu.Unlock()

	return b.data, nil
}

// UnmapCpu releases a whole-buffer mapping.
func (b *Buffer) UnmapCpu() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.fullMaps == 0 {
		return fmt.Errorf("buffer %s: unmap without map", b.name)
	}
	b.fullMaps--

	return nil
}

// MapPageCpu maps a single page.
func (b *Buffer) MapPageCpu(pageIndex uint64) ([]byte, error) {
	if pageIndex*registers.PageSize >= b.Size() {
		return nil, fmt.Errorf("buffer %s: page %d out of range", b.name, pageIndex)
	}

	b.mu.Lock()
	b.pageMaps[pageIndex]++
	b.mu.Unlock()

	start := pageIndex * registers.PageSize
	return b.data[start : start+registers.PageSize], nil
}

// UnmapPageCpu releases a single-page mapping.
func (b *Buffer) UnmapPageCpu(pageIndex uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pageMaps[pageIndex] == 0 {
		return fmt.Errorf("buffer %s: page %d unmap without map", b.name, pageIndex)
	}
	b.pageMaps[pageIndex]--

	return nil
}

// OutstandingCpuMaps reports the number of live CPU mappings, used by tests
// to verify the map-minimal-release-immediately discipline.
func (b *Buffer) OutstandingCpuMaps() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.fullMaps
	for _, c := range b.pageMaps {
		n += c
	}

	return n
}

type busMapper struct {
	dev *Device
}

func (m *busMapper) MapPageRangeBus(
	buf platform.Buffer,
	pageOffset, pageCount uint64,
) (platform.BusMapping, error) {
	sb, ok := buf.(*Buffer)
	if !ok {
		return nil, fmt.Errorf("bus mapper: foreign buffer type %T", buf)
	}

	if (pageOffset+pageCount)*registers.PageSize > sb.Size() {
		return nil, fmt.Errorf("bus mapper: range [%d, %d) beyond buffer %s",
			pageOffset, pageOffset+pageCount, sb.name)
	}

	addrs := make([]uint64, pageCount)
	for i := uint64(0); i < pageCount; i++ {
		addrs[i] = m.dev.pinPage(sb, pageOffset+i)
	}

	return &busMapping{
		dev:        m.dev,
		pageOffset: pageOffset,
		addrs:      addrs,
	}, nil
}

type busMapping struct {
	dev        *Device
	pageOffset uint64
	addrs      []uint64
	released   bool
}

func (m *busMapping) PageOffset() uint64 { return m.pageOffset }

func (m *busMapping) PageCount() uint64 { return uint64(len(m.addrs)) }

func (m *busMapping) PageBusAddress(i uint64) uint64 { return m.addrs[i] }

func (m *busMapping) Release() {
	if m.released {
		return
	}
	m.released = true

	for _, a := range m.addrs {
		m.dev.unpinPage(a)
	}
}
