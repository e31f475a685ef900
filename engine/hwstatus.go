package engine

import (
	"encoding/binary"
	"fmt"

	"github.com/gpudrv/intelgen/addrspace"
	"github.com/gpudrv/intelgen/platform"
	"github.com/gpudrv/intelgen/registers"
)

// A HardwareStatusPage is the GGTT-resident page where the engine posts
// completion state; the completed sequence number lands at a fixed offset
// via a PIPE_CONTROL post-sync write.
type HardwareStatusPage struct {
	buf     *addrspace.Buffer
	cpu     []byte
	mapping *addrspace.GpuMapping
}

// NewHardwareStatusPage allocates a status page and maps it into the
// global address space.
func NewHardwareStatusPage(
	dev platform.Device,
	ggtt *addrspace.AddressSpace,
	name string,
) (*HardwareStatusPage, error) {
	raw, err := dev.NewBuffer(name, registers.PageSize)
	if err != nil {
		return nil, fmt.Errorf("status page: %w", err)
	}

	buf := addrspace.NewBuffer(raw)

	cpu, err := buf.MapCpu()
	if err != nil {
		return nil, fmt.Errorf("status page map: %w", err)
	}

	mapping, err := addrspace.GetSharedGpuMapping(
		ggtt, buf, 0, registers.PageSize, registers.PageShift)
	if err != nil {
		return nil, fmt.Errorf("status page: %w", err)
	}

	return &HardwareStatusPage{buf: buf, cpu: cpu, mapping: mapping}, nil
}

// GpuAddr returns the page's global GTT address.
func (p *HardwareStatusPage) GpuAddr() uint64 {
	return p.mapping.GpuAddr()
}

// ReadSequenceNumber returns the last sequence number hardware posted.
func (p *HardwareStatusPage) ReadSequenceNumber() uint32 {
	return binary.LittleEndian.Uint32(
		p.cpu[registers.StatusPageSequenceNumberOffset:])
}

// WriteSequenceNumber seeds the posted sequence number, used at hardware
// init and after reset so stale completions cannot be observed.
func (p *HardwareStatusPage) WriteSequenceNumber(seq uint32) {
	binary.LittleEndian.PutUint32(
		p.cpu[registers.StatusPageSequenceNumberOffset:], seq)
}
