package device

import (
	"fmt"
	"strings"

	"github.com/gpudrv/intelgen/registers"
)

// dumpStatusLocked writes a formatted snapshot of engine state to the
// logger. Device thread only; everything here reads registers and
// device-thread state.
func (d *Device) dumpStatusLocked() {
	var sb strings.Builder

	progress := d.render.Progress()
	base := uint32(registers.RenderEngineMmioBase)

	fmt.Fprintf(&sb, "---- device dump start ----\n")
	fmt.Fprintf(&sb, "device id 0x%04x, %d subslices, %d EUs\n",
		d.deviceId, d.subsliceCount, d.euCount)
	fmt.Fprintf(&sb, "render engine: sequence submitted %d completed %d posted %d\n",
		progress.LastSubmitted(), progress.LastCompleted(),
		d.render.StatusPage().ReadSequenceNumber())
	fmt.Fprintf(&sb, "ring: head 0x%x tail 0x%x ctl 0x%x\n",
		d.mmio.Read32(base+registers.RingbufferHead),
		d.mmio.Read32(base+registers.RingbufferTail),
		d.mmio.Read32(base+registers.RingbufferCtl))
	fmt.Fprintf(&sb, "ACTHD 0x%x\n",
		registers.ReadActiveHeadPointer(d.mmio, base))

	fault := d.mmio.Read32(registers.AllEngineFault)
	if fault&registers.FaultValid != 0 {
		desc := registers.DecodeFault(fault)
		fmt.Fprintf(&sb,
			"fault: engine %d src %d type %d gpu addr 0x%x\n",
			desc.Engine, desc.Src, desc.FaultType,
			registers.ReadFaultAddress(d.mmio))
	} else {
		fmt.Fprintf(&sb, "no fault registered\n")
	}

	inflight := d.render.InFlight()
	fmt.Fprintf(&sb, "%d batches in flight\n", len(inflight))
	for _, b := range inflight {
		fmt.Fprintf(&sb, "  batch %s seq %d at 0x%x\n",
			b.Id(), b.SequenceNumber(), b.BatchGpuAddr())
		for _, r := range b.MappingRanges() {
			fmt.Fprintf(&sb, "    mapping [0x%x, 0x%x)\n", r[0], r[0]+r[1])
		}
	}

	fmt.Fprintf(&sb, "%d contexts with pending batches, %d deferred, %d waiters\n",
		len(d.pending), len(d.deferred), len(d.pendingWaits))
	fmt.Fprintf(&sb, "---- device dump end ----")

	d.logger.Print(sb.String())
}
