package engine_test

import (
	"encoding/binary"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/gpudrv/intelgen/addrspace"
	"github.com/gpudrv/intelgen/cmdbuf"
	"github.com/gpudrv/intelgen/engine"
	"github.com/gpudrv/intelgen/hwcontext"
	"github.com/gpudrv/intelgen/platform/simulated"
	"github.com/gpudrv/intelgen/registers"
	"github.com/gpudrv/intelgen/ringbuffer"
)

// readRingDword reads the ring's backing memory through the global GTT the
// way the hardware would, so the asserted bytes are exactly what the engine
// sees. No simulated core is attached, so the ring is never consumed.
func readRingDword(
	dev *simulated.Device,
	ggtt *addrspace.AddressSpace,
	ring *ringbuffer.Ringbuffer,
	index uint32,
) uint32 {
	ringAddr, err := ring.GpuAddr(addrspace.GlobalGttId)
	Expect(err).ToNot(HaveOccurred())

	addr := ringAddr + uint64(index)*4
	pte, err := ggtt.Pte(addr)
	Expect(err).ToNot(HaveOccurred())

	page, ok := dev.BusPage(addrspace.DecodePteBusAddress(pte))
	Expect(ok).To(BeTrue())

	return binary.LittleEndian.Uint32(page[addr%registers.PageSize:])
}

var _ = Describe("CommandStreamer", func() {
	var (
		dev  *simulated.Device
		ggtt *addrspace.AddressSpace
		rcs  *engine.RenderCommandStreamer
		ctx  *hwcontext.Context
	)

	readReg := func(offset uint32) uint32 {
		return dev.Mmio().Read32(registers.RenderEngineMmioBase + offset)
	}

	BeforeEach(func() {
		dev = simulated.MakeBuilder().Build()

		var err error
		ggtt, err = addrspace.NewGlobalGtt(dev, 1<<32)
		Expect(err).ToNot(HaveOccurred())

		rcs, err = engine.MakeBuilder().
			WithPlatformDevice(dev).
			WithGlobalGtt(ggtt).
			Build("test render")
		Expect(err).ToNot(HaveOccurred())

		ctx = hwcontext.New("test context")
		Expect(rcs.InitContext(ctx)).To(Succeed())
		Expect(ctx.Map(ggtt, hwcontext.RenderEngineId)).To(Succeed())

		rcs.InitHardware()
	})

	It("should point the hardware at the status page on init", func() {
		Expect(readReg(registers.HardwareStatusPageAddress)).
			To(Equal(uint32(rcs.StatusPage().GpuAddr())))
		Expect(rcs.StatusPage().ReadSequenceNumber()).
			To(Equal(cmdbuf.InvalidSequenceNumber))
		Expect(rcs.HardwareInitialized()).To(BeTrue())
	})

	It("should program the ring registers at the first submission", func() {
		seq, err := rcs.SubmitBatch(ctx, ggtt, 0x1234000)
		Expect(err).ToNot(HaveOccurred())
		Expect(seq).To(Equal(cmdbuf.InvalidSequenceNumber + 1))

		state, ok := ctx.EngineState(hwcontext.RenderEngineId)
		Expect(ok).To(BeTrue())

		ringAddr, err := state.Ring.GpuAddr(addrspace.GlobalGttId)
		Expect(err).ToNot(HaveOccurred())

		Expect(readReg(registers.RingbufferStart)).To(Equal(uint32(ringAddr)))
		Expect(readReg(registers.RingbufferCtl) & registers.RingbufferCtlEnable).
			ToNot(BeZero())
		Expect(readReg(registers.GraphicsMode)).To(BeZero())
		Expect(readReg(registers.RingbufferTail)).To(Equal(state.Ring.Tail()))
	})

	It("should write the batch start and completion stream", func() {
		batchAddr := uint64(0x1234000)

		seq, err := rcs.SubmitBatch(ctx, ggtt, batchAddr)
		Expect(err).ToNot(HaveOccurred())

		state, _ := ctx.EngineState(hwcontext.RenderEngineId)
		ring := state.Ring
		Expect(ring.Tail()).To(Equal(uint32(40)))

		statusAddr := rcs.StatusPage().GpuAddr() +
			registers.StatusPageSequenceNumberOffset

		Expect(readRingDword(dev, ggtt, ring, 0)).
			To(Equal(uint32(registers.MiBatchBufferStart)))
		Expect(readRingDword(dev, ggtt, ring, 1)).To(Equal(uint32(batchAddr)))
		Expect(readRingDword(dev, ggtt, ring, 2)).To(Equal(uint32(batchAddr >> 32)))
		Expect(readRingDword(dev, ggtt, ring, 3)).
			To(Equal(uint32(registers.PipeControl)))
		Expect(readRingDword(dev, ggtt, ring, 5)).To(Equal(uint32(statusAddr)))
		Expect(readRingDword(dev, ggtt, ring, 6)).To(Equal(uint32(statusAddr >> 32)))
		Expect(readRingDword(dev, ggtt, ring, 7)).To(Equal(seq))
		Expect(readRingDword(dev, ggtt, ring, 9)).
			To(Equal(uint32(registers.MiUserInterrupt)))
	})

	It("should use the per-process batch start for a per-process space", func() {
		ppgtt, err := addrspace.NewPerProcessGtt(dev)
		Expect(err).ToNot(HaveOccurred())

		ppCtx := hwcontext.New("pp context")
		Expect(rcs.InitContext(ppCtx)).To(Succeed())
		Expect(ppCtx.Map(ppgtt, hwcontext.RenderEngineId)).To(Succeed())

		_, err = rcs.SubmitBatch(ppCtx, ppgtt, 0x4000)
		Expect(err).ToNot(HaveOccurred())

		state, _ := ppCtx.EngineState(hwcontext.RenderEngineId)
		ringAddr, err := state.Ring.GpuAddr(addrspace.PerProcessGttId)
		Expect(err).ToNot(HaveOccurred())

		root, ok := ppgtt.RootBusAddress()
		Expect(ok).To(BeTrue())

		Expect(readReg(registers.RingbufferStart)).To(Equal(uint32(ringAddr)))
		Expect(readReg(registers.GraphicsMode)).
			To(Equal(uint32(registers.GraphicsModePpgttEnable)))
		Expect(dev.Mmio().Read64(registers.RenderEngineMmioBase +
			registers.PerProcessPageDirectoryBase)).To(Equal(root))
	})

	It("should not reprogram the ring for a repeat submission", func() {
		startWrites := 0
		dev.Registers().AddWriteTap(func(offset, val uint32) {
			if offset == registers.RenderEngineMmioBase+registers.RingbufferStart {
				startWrites++
			}
		})

		_, err := rcs.SubmitBatch(ctx, ggtt, 0x1000)
		Expect(err).ToNot(HaveOccurred())
		_, err = rcs.SubmitBatch(ctx, ggtt, 0x2000)
		Expect(err).ToNot(HaveOccurred())
		Expect(startWrites).To(Equal(1))

		rcs.ContextSwitched()

		_, err = rcs.SubmitBatch(ctx, ggtt, 0x3000)
		Expect(err).ToNot(HaveOccurred())
		Expect(startWrites).To(Equal(2))
	})

	It("should refuse a submission when the ring is full", func() {
		var err error
		submissions := 0
		for submissions < ringbuffer.Size/4 {
			_, err = rcs.SubmitBatch(ctx, ggtt, 0x1000)
			if err != nil {
				break
			}
			submissions++
		}
		Expect(err).To(HaveOccurred())

		state, _ := ctx.EngineState(hwcontext.RenderEngineId)

		// Hardware catches up; folding the head back in reopens the ring.
		dev.Mmio().Write32(
			registers.RenderEngineMmioBase+registers.RingbufferHead,
			state.Ring.Tail())
		rcs.UpdateRingHead()

		_, err = rcs.SubmitBatch(ctx, ggtt, 0x1000)
		Expect(err).ToNot(HaveOccurred())
	})

	Context("with prepared command buffers in flight", func() {
		var b1, b2 *cmdbuf.CommandBuffer

		newBatch := func() *cmdbuf.CommandBuffer {
			raw, err := dev.NewBuffer("batch", registers.PageSize)
			Expect(err).ToNot(HaveOccurred())

			b := cmdbuf.New(ctx.WeakRef(), []cmdbuf.ExecResource{
				{Buffer: addrspace.NewBuffer(raw), Length: registers.PageSize},
			}, 0, nil, nil)
			Expect(b.PrepareForExecution(rcs, ggtt)).To(Succeed())

			return b
		}

		BeforeEach(func() {
			b1 = newBatch()
			b2 = newBatch()
			Expect(rcs.SubmitCommandBuffer(b1, ggtt)).To(Succeed())
			Expect(rcs.SubmitCommandBuffer(b2, ggtt)).To(Succeed())
		})

		It("should track submissions in flight in order", func() {
			Expect(rcs.InFlight()).To(HaveLen(2))
			Expect(rcs.InFlight()[0]).To(BeIdenticalTo(b1))
			Expect(b1.SequenceNumber()).To(BeNumerically("<", b2.SequenceNumber()))
			Expect(rcs.Progress().LastSubmitted()).To(Equal(b2.SequenceNumber()))
		})

		It("should retire batches up to the posted sequence number", func() {
			rcs.StatusPage().WriteSequenceNumber(b1.SequenceNumber())

			completed, hwSeq := rcs.ProcessCompletedCommandBuffers()
			Expect(hwSeq).To(Equal(b1.SequenceNumber()))
			Expect(completed).To(ConsistOf(b1))
			Expect(rcs.InFlight()).To(ConsistOf(b2))

			rcs.StatusPage().WriteSequenceNumber(b2.SequenceNumber())

			completed, _ = rcs.ProcessCompletedCommandBuffers()
			Expect(completed).To(ConsistOf(b2))
			Expect(rcs.InFlight()).To(BeEmpty())
		})

		It("should abandon all in-flight work on reset", func() {
			abandoned := rcs.Reset()
			Expect(abandoned).To(Equal([]*cmdbuf.CommandBuffer{b1, b2}))
			Expect(rcs.InFlight()).To(BeEmpty())

			state, _ := ctx.EngineState(hwcontext.RenderEngineId)
			Expect(state.Ring.Head()).To(BeZero())
			Expect(state.Ring.Tail()).To(BeZero())

			Expect(rcs.Progress().WorkOutstanding()).To(BeFalse())
			Expect(rcs.HardwareInitialized()).To(BeTrue())

			// The engine is usable again right away.
			_, err := rcs.SubmitBatch(ctx, ggtt, 0x1000)
			Expect(err).ToNot(HaveOccurred())
		})
	})

	It("should submit the init batch through the normal path", func() {
		before := rcs.Progress().LastSubmitted()

		Expect(rcs.SubmitInitBatch(ctx)).To(Succeed())

		Expect(rcs.Progress().LastSubmitted()).To(Equal(before + 1))
		Expect(rcs.Progress().WorkOutstanding()).To(BeTrue())
	})
})
