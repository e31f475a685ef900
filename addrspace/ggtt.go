package addrspace

import (
	"github.com/gpudrv/intelgen/platform"
	"github.com/gpudrv/intelgen/registers"
)

// ggttExtraPages is the overfetch padding for global GTT allocations.
const ggttExtraPages = 1

// ggttBackend writes global GTT entries directly through the MMIO aperture.
type ggttBackend struct {
	mmio platform.Mmio
}

func (b *ggttBackend) writePte(pageIndex uint64, pte uint64) error {
	b.mmio.Write64(registers.GgttPteAperture+uint32(pageIndex)*8, pte)
	return nil
}

func (b *ggttBackend) readPte(pageIndex uint64) (uint64, error) {
	return b.mmio.Read64(registers.GgttPteAperture + uint32(pageIndex)*8), nil
}

func (b *ggttBackend) destroy() {}

// NewGlobalGtt creates the shared global address space of the given size.
// Context images, ringbuffers, and the hardware status page live here.
func NewGlobalGtt(dev platform.Device, size uint64) (*AddressSpace, error) {
	return newAddressSpace(
		GlobalGttId,
		size,
		&ggttBackend{mmio: dev.Mmio()},
		dev,
		ggttExtraPages,
	)
}
