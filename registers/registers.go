// Package registers declares the register offsets and bit masks the
// command-submission core programs. Only the registers the core touches are
// listed here; full bit-layout modelling is out of scope.
package registers

// PageSize is the granularity of all GPU memory management.
const PageSize = 4096

// PageShift is log2 of PageSize.
const PageShift = 12

// Render engine MMIO base and per-engine register offsets. Per-engine
// registers are addressed as mmioBase + offset.
const (
	RenderEngineMmioBase = 0x2000

	RingbufferTail  = 0x30
	RingbufferHead  = 0x34
	RingbufferStart = 0x38
	RingbufferCtl   = 0x3c

	ActiveHeadPointer = 0x74

	HardwareStatusPageAddress = 0x80

	GraphicsMode = 0x29c

	// Bus address of the per-process page-table root (PML4) used by
	// batches that execute in the per-process address space.
	PerProcessPageDirectoryBase = 0x228
)

// RingbufferCtl fields.
const (
	RingbufferCtlEnable = 1 << 0

	// Buffer length is encoded in pages minus one, shifted into place.
	RingbufferCtlSizeShift = 12
)

// GraphicsMode fields.
const (
	// When set, the engine fetches ring and batch contents through the
	// per-process tables rooted at PerProcessPageDirectoryBase.
	GraphicsModePpgttEnable = 1 << 9
)

// Interrupt control. The master control gates everything; the GT registers
// carry per-engine identity bits.
const (
	MasterInterruptControl = 0x44200

	MasterInterruptControlEnable    = 1 << 31
	MasterInterruptControlRenderBit = 1 << 0

	GtInterruptMask0     = 0x44304
	GtInterruptIdentity0 = 0x44308
	GtInterruptEnable0   = 0x4430c
)

// GT interrupt identity bits for the render engine.
const (
	InterruptUserBit          = 1 << 0
	InterruptContextSwitchBit = 1 << 8
)

// Fault registers. AllEngineFault reports {valid, engine, src, type};
// FaultTlbReadData0/1 carry the faulting GPU address.
const (
	AllEngineFault    = 0x4094
	FaultTlbReadData0 = 0x4b10
	FaultTlbReadData1 = 0x4b14

	FaultValid      = 1 << 0
	FaultEngineMask = 0x3 << 12
	FaultSrcMask    = 0xff << 3
	FaultTypeMask   = 0x3 << 1
)

// Forcewake handshake for the render power well.
const (
	ForceWakeRequest = 0xa188
	ForceWakeStatus  = 0x130044

	ForceWakeRenderBit = 1 << 0
)

// RenderPerformanceStatus reports the current graphics frequency; the
// frequency in MHz is the register value scaled by FrequencyScaleMhz / 3.
const (
	RenderPerformanceStatus = 0xa01c

	FrequencyScaleMhz = 50
)

// GgttPteAperture is the MMIO offset of the global GTT's page-table
// aperture. GGTT PTEs are written directly through this window, entry i at
// GgttPteAperture + i*8.
const GgttPteAperture = 0x800000

// Status page layout. The engine writes the completed sequence number at
// this byte offset via a PIPE_CONTROL post-sync operation.
const StatusPageSequenceNumberOffset = 0x40

// ReadActiveHeadPointer returns the 64-bit active head pointer for the
// engine at mmioBase.
func ReadActiveHeadPointer(m Mmio, mmioBase uint32) uint64 {
	return uint64(m.Read32(mmioBase + ActiveHeadPointer))
}

// Mmio is the register access surface the core consumes. It is satisfied by
// platform.Mmio; redeclared here so the register helpers stay leaf-level.
type Mmio interface {
	Read32(offset uint32) uint32
	Write32(offset uint32, val uint32)
	Read64(offset uint32) uint64
	Write64(offset uint32, val uint64)
}

// FaultDescription unpacks the AllEngineFault register into its fields.
type FaultDescription struct {
	Valid     bool
	Engine    uint32
	Src       uint32
	FaultType uint32
}

// ReadFaultAddress reassembles the faulting GPU address from the two TLB
// read-data registers. The hardware reports a page-aligned address.
func ReadFaultAddress(m Mmio) uint64 {
	lo := uint64(m.Read32(FaultTlbReadData0))
	hi := uint64(m.Read32(FaultTlbReadData1))

	return (hi&0xf)<<44 | lo<<12
}

// DecodeFault decodes a raw AllEngineFault value.
func DecodeFault(val uint32) FaultDescription {
	return FaultDescription{
		Valid:     val&FaultValid != 0,
		Engine:    (val & FaultEngineMask) >> 12,
		Src:       (val & FaultSrcMask) >> 3,
		FaultType: (val & FaultTypeMask) >> 1,
	}
}
