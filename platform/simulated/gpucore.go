package simulated

import (
	"encoding/binary"
	"log"

	"github.com/gpudrv/intelgen/registers"
)

const renderBase = registers.RenderEngineMmioBase

// GpuCore is the simulated render command streamer. It consumes the ring
// through the same GGTT/PPGTT translations the real engine would perform,
// so a driver bug that programs a bad PTE shows up as a fault here too.
type GpuCore struct {
	dev  *Device
	kick chan uint32
	done chan struct{}

	head uint32
}

func newGpuCore(dev *Device) *GpuCore {
	c := &GpuCore{
		dev:  dev,
		kick: make(chan uint32, 64),
		done: make(chan struct{}),
	}

	dev.regs.AddWriteTap(func(offset, val uint32) {
		switch offset {
		case renderBase + registers.RingbufferTail:
			select {
			case c.kick <- val:
			default:
				log.Panic("simulated engine: kick queue overflow")
			}
		case renderBase + registers.RingbufferHead:
			c.head = val
		}
	})

	go c.run()

	return c
}

func (c *GpuCore) stop() {
	close(c.done)
}

func (c *GpuCore) run() {
	for {
		select {
		case <-c.done:
			return
		case tail := <-c.kick:
			c.consumeRing(tail)
		}
	}
}

func (c *GpuCore) consumeRing(tail uint32) {
	if c.dev.regs.Read32(renderBase+registers.RingbufferCtl)&
		registers.RingbufferCtlEnable == 0 {
		return
	}

	ringGpuAddr := uint64(c.dev.regs.Read32(renderBase + registers.RingbufferStart))
	ctl := c.dev.regs.Read32(renderBase + registers.RingbufferCtl)
	size := (((ctl >> registers.RingbufferCtlSizeShift) & 0x1ff) + 1) *
		registers.PageSize

	ringSpace := addrSpaceGgtt
	if c.dev.regs.Read32(renderBase+registers.GraphicsMode)&
		registers.GraphicsModePpgttEnable != 0 {
		ringSpace = addrSpacePpgtt
	}
	root := c.dev.regs.Read64(renderBase + registers.PerProcessPageDirectoryBase)

	for c.head != tail {
		dword, ok := c.readDword(ringSpace, root, ringGpuAddr+uint64(c.head))
		if !ok {
			return
		}
		c.head = (c.head + 4) % size

		switch {
		case dword == registers.MiNoop:

		case dword&registers.MiBatchBufferStart == registers.MiBatchBufferStart:
			lo, _ := c.readDword(ringSpace, root, ringGpuAddr+uint64(c.head))
			c.head = (c.head + 4) % size
			hi, _ := c.readDword(ringSpace, root, ringGpuAddr+uint64(c.head))
			c.head = (c.head + 4) % size

			space := addrSpaceGgtt
			if dword&(1<<8) != 0 {
				space = addrSpacePpgtt
			}
			c.executeBatch(space, uint64(lo)|uint64(hi)<<32)

		case dword == registers.PipeControl:
			c.executePipeControl(ringSpace, root, ringGpuAddr, &size)

		case dword == registers.MiUserInterrupt:
			c.raiseUserInterrupt()

		default:
			c.raiseFault(0x1)
			return
		}
	}

	c.dev.regs.poke(renderBase+registers.RingbufferHead, c.head)
}

type addrSpaceKind int

const (
	addrSpaceGgtt addrSpaceKind = iota
	addrSpacePpgtt
)

func (c *GpuCore) executeBatch(space addrSpaceKind, gpuAddr uint64) {
	root := c.dev.regs.Read64(renderBase + registers.PerProcessPageDirectoryBase)

	pc := gpuAddr
	for i := 0; i < 1<<16; i++ {
		c.dev.regs.poke(renderBase+registers.ActiveHeadPointer, uint32(pc))

		dword, ok := c.readDword(space, root, pc)
		if !ok {
			return
		}
		pc += 4

		switch {
		case dword == registers.MiNoop:

		case dword == registers.MiBatchBufferEnd:
			return

		case dword == registers.MiStoreDataImm:
			lo, _ := c.readDword(space, root, pc)
			hi, _ := c.readDword(space, root, pc+4)
			val, _ := c.readDword(space, root, pc+8)
			pc += 12
			if !c.writeDword(space, root, uint64(lo)|uint64(hi)<<32, val) {
				return
			}

		case dword == registers.MiUserInterrupt:
			c.raiseUserInterrupt()

		default:
			c.raiseFault(0x1)
			return
		}
	}
}

func (c *GpuCore) executePipeControl(
	space addrSpaceKind,
	root uint64,
	ringGpuAddr uint64,
	size *uint32,
) {
	next := func() uint32 {
		d, _ := c.readDword(space, root, ringGpuAddr+uint64(c.head))
		c.head = (c.head + 4) % *size
		return d
	}

	flags := next()
	lo := next()
	hi := next()
	dataLo := next()
	next() // dataHi, unused for dword writes

	if flags&registers.PipeControlPostSyncWriteImm == 0 {
		return
	}

	target := space
	if flags&registers.PipeControlGlobalGttWrite != 0 {
		target = addrSpaceGgtt
	}

	c.writeDword(target, root, uint64(lo)|uint64(hi)<<32, dataLo)
}

func (c *GpuCore) raiseUserInterrupt() {
	c.dev.regs.OrInto(registers.GtInterruptIdentity0, registers.InterruptUserBit)

	master := c.dev.regs.Read32(registers.MasterInterruptControl)
	if master&registers.MasterInterruptControlEnable != 0 {
		c.dev.irq.Signal()
	}
}

func (c *GpuCore) raiseFault(faultType uint32) {
	fault := registers.FaultValid | (faultType&0x3)<<1
	c.dev.regs.OrInto(registers.AllEngineFault, fault)
	c.raiseUserInterrupt()
}

func (c *GpuCore) translate(
	space addrSpaceKind,
	root uint64,
	gpuAddr uint64,
) ([]byte, bool) {
	var pte uint64

	switch space {
	case addrSpaceGgtt:
		pteOffset := registers.GgttPteAperture +
			uint32(gpuAddr>>registers.PageShift)*8
		pte = c.dev.regs.Read64(pteOffset)

	case addrSpacePpgtt:
		// Four lookups: PML4, PDP, PD, then the leaf page table whose
		// entry is the final PTE.
		entry := root
		for level := 3; level >= 0; level-- {
			page, ok := c.dev.BusPage(entry &^ uint64(registers.PageSize-1))
			if !ok {
				c.raiseFault(0x2)
				return nil, false
			}
			index := (gpuAddr >> (registers.PageShift + 9*uint(level))) & 0x1ff
			entry = binary.LittleEndian.Uint64(page[index*8:])
			if entry&1 == 0 {
				c.raiseFault(0x2)
				return nil, false
			}
		}
		pte = entry
	}

	if pte&1 == 0 {
		c.raiseFault(0x2)
		return nil, false
	}

	page, ok := c.dev.BusPage(pte &^ uint64(registers.PageSize-1))
	if !ok {
		c.raiseFault(0x2)
		return nil, false
	}

	return page, true
}

func (c *GpuCore) readDword(
	space addrSpaceKind,
	root uint64,
	gpuAddr uint64,
) (uint32, bool) {
	page, ok := c.translate(space, root, gpuAddr)
	if !ok {
		return 0, false
	}

	return binary.LittleEndian.Uint32(page[gpuAddr&(registers.PageSize-1):]), true
}

func (c *GpuCore) writeDword(
	space addrSpaceKind,
	root uint64,
	gpuAddr uint64,
	val uint32,
) bool {
	page, ok := c.translate(space, root, gpuAddr)
	if !ok {
		return false
	}

	binary.LittleEndian.PutUint32(page[gpuAddr&(registers.PageSize-1):], val)

	return true
}
