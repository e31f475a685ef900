package device_test

import (
	"encoding/binary"
	"fmt"
	"log"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/gpudrv/intelgen/addrspace"
	"github.com/gpudrv/intelgen/cmdbuf"
	"github.com/gpudrv/intelgen/device"
	"github.com/gpudrv/intelgen/hooking"
	"github.com/gpudrv/intelgen/hwcontext"
	"github.com/gpudrv/intelgen/platform"
	"github.com/gpudrv/intelgen/platform/simulated"
	"github.com/gpudrv/intelgen/registers"
)

// storeBatch is one submission that stores marker into its own one-page
// target buffer, the target address patched in by relocation.
type storeBatch struct {
	target *addrspace.Buffer
	buf    *cmdbuf.CommandBuffer
}

func makeStoreBatch(
	dev *device.Device,
	ctx *hwcontext.Context,
	marker uint32,
	waitSems, signalSems []*platform.Semaphore,
) storeBatch {
	rawTarget, err := dev.PlatformDevice().NewBuffer(
		fmt.Sprintf("target %08x", marker), registers.PageSize)
	Expect(err).ToNot(HaveOccurred())

	rawBatch, err := dev.PlatformDevice().NewBuffer(
		fmt.Sprintf("batch %08x", marker), registers.PageSize)
	Expect(err).ToNot(HaveOccurred())

	data, err := rawBatch.MapCpu()
	Expect(err).ToNot(HaveOccurred())

	instructions := []uint32{
		registers.MiStoreDataImm,
		0, // target address low, patched
		0, // target address high, patched
		marker,
		registers.MiBatchBufferEnd,
	}
	for i, dword := range instructions {
		binary.LittleEndian.PutUint32(data[i*4:], dword)
	}
	Expect(rawBatch.UnmapCpu()).To(Succeed())

	target := addrspace.NewBuffer(rawTarget)
	b := cmdbuf.New(ctx.WeakRef(), []cmdbuf.ExecResource{
		{Buffer: target, Length: registers.PageSize},
		{
			Buffer: addrspace.NewBuffer(rawBatch),
			Length: registers.PageSize,
			Relocations: []cmdbuf.Relocation{
				{Offset: 4, TargetResourceIndex: 0, TargetOffset: 0},
			},
		},
	}, 1, waitSems, signalSems)

	return storeBatch{target: target, buf: b}
}

// makeFaultingBatch builds a batch that stores to an address nothing maps.
func makeFaultingBatch(
	dev *device.Device,
	ctx *hwcontext.Context,
	signalSems []*platform.Semaphore,
) *cmdbuf.CommandBuffer {
	rawBatch, err := dev.PlatformDevice().NewBuffer(
		"faulting batch", registers.PageSize)
	Expect(err).ToNot(HaveOccurred())

	badAddr := uint64(1) << 40

	data, err := rawBatch.MapCpu()
	Expect(err).ToNot(HaveOccurred())

	instructions := []uint32{
		registers.MiStoreDataImm,
		uint32(badAddr),
		uint32(badAddr >> 32),
		0xbad,
		registers.MiBatchBufferEnd,
	}
	for i, dword := range instructions {
		binary.LittleEndian.PutUint32(data[i*4:], dword)
	}
	Expect(rawBatch.UnmapCpu()).To(Succeed())

	return cmdbuf.New(ctx.WeakRef(), []cmdbuf.ExecResource{
		{Buffer: addrspace.NewBuffer(rawBatch), Length: registers.PageSize},
	}, 0, nil, signalSems)
}

// countingHook tallies device hook invocations by position. Hooks run on
// the device thread while the test polls, hence the locking.
type countingHook struct {
	mu        sync.Mutex
	submitted int
	completed int
	resets    int
}

func (h *countingHook) Func(ctx hooking.HookCtx) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch ctx.Pos {
	case device.HookPosBatchSubmitted:
		h.submitted++
	case device.HookPosBatchCompleted:
		h.completed++
	case device.HookPosEngineReset:
		h.resets++
	}
}

func (h *countingHook) submittedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.submitted
}

func (h *countingHook) completedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.completed
}

func (h *countingHook) resetCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resets
}

func readMarker(target *addrspace.Buffer) uint32 {
	data, err := target.MapCpu()
	Expect(err).ToNot(HaveOccurred())

	marker := binary.LittleEndian.Uint32(data)
	Expect(target.UnmapCpu()).To(Succeed())

	return marker
}

var _ = Describe("Device", func() {
	var (
		platDev *simulated.Device
		dev     *device.Device
		conn    *hwcontext.Connection
		ctx     *hwcontext.Context
	)

	BeforeEach(func() {
		platDev = simulated.MakeBuilder().WithHardware().Build()

		var err error
		dev, err = device.MakeBuilder().
			WithPlatformDevice(platDev).
			WithLogger(log.New(GinkgoWriter, "device: ", 0)).
			Build("test device")
		Expect(err).ToNot(HaveOccurred())

		dev.StartDeviceThread()

		conn, err = dev.CreateConnection()
		Expect(err).ToNot(HaveOccurred())
		ctx = dev.CreateContext(conn)
	})

	AfterEach(func() {
		dev.Destroy()
		platDev.StopHardware()
	})

	It("should execute a store batch", func() {
		sem := platform.NewSemaphore()
		sb := makeStoreBatch(dev, ctx, 0xdead0001, nil,
			[]*platform.Semaphore{sem})

		Expect(dev.SubmitCommandBuffer(conn, sb.buf)).To(Equal(device.StatusOk))
		Expect(dev.WaitRendering(sb.target)).To(Succeed())

		Expect(readMarker(sb.target)).To(Equal(uint32(0xdead0001)))
		Expect(sem.Signaled()).To(BeTrue())
	})

	It("should execute batches in submission order", func() {
		var batches []storeBatch
		for i := 0; i < 8; i++ {
			sb := makeStoreBatch(dev, ctx, uint32(0xdead0000+i), nil, nil)
			batches = append(batches, sb)
			Expect(dev.SubmitCommandBuffer(conn, sb.buf)).
				To(Equal(device.StatusOk))
		}

		for i, sb := range batches {
			Expect(dev.WaitRendering(sb.target)).To(Succeed())
			Expect(readMarker(sb.target)).To(Equal(uint32(0xdead0000 + i)))
		}
	})

	It("should hold a submission until its wait semaphore fires", func() {
		gate := platform.NewSemaphore()
		sb := makeStoreBatch(dev, ctx, 0xdead0002,
			[]*platform.Semaphore{gate}, nil)

		Expect(dev.SubmitCommandBuffer(conn, sb.buf)).To(Equal(device.StatusOk))

		Eventually(func() int { return dev.TakeSnapshot().Deferred }).
			Should(Equal(1))
		Expect(readMarker(sb.target)).To(BeZero())

		gate.Signal()

		Expect(dev.WaitRendering(sb.target)).To(Succeed())
		Expect(readMarker(sb.target)).To(Equal(uint32(0xdead0002)))
	})

	It("should run a gated submission on an idle device once the gate fires",
		func() {
			gate := platform.NewSemaphore()
			done := platform.NewSemaphore()
			sb := makeStoreBatch(dev, ctx, 0xdead0007,
				[]*platform.Semaphore{gate}, []*platform.Semaphore{done})

			Expect(dev.SubmitCommandBuffer(conn, sb.buf)).
				To(Equal(device.StatusOk))
			Eventually(func() int { return dev.TakeSnapshot().Deferred }).
				Should(Equal(1))

			// No further device traffic after this point. The signal alone
			// must wake the queue and run the parked batch.
			gate.Signal()

			Eventually(done.Signaled).Should(BeTrue())
			Expect(readMarker(sb.target)).To(Equal(uint32(0xdead0007)))
		})

	It("should drop queued work when its context is destroyed", func() {
		gate := platform.NewSemaphore()
		done := platform.NewSemaphore()
		sb := makeStoreBatch(dev, ctx, 0xdead0003,
			[]*platform.Semaphore{gate}, []*platform.Semaphore{done})

		Expect(dev.SubmitCommandBuffer(conn, sb.buf)).To(Equal(device.StatusOk))
		Eventually(func() int { return dev.TakeSnapshot().Deferred }).
			Should(Equal(1))

		dev.DestroyContext(ctx)

		Eventually(ctx.Killed).Should(BeTrue())
		Eventually(done.Signaled).Should(BeTrue())

		// The payload never ran.
		Expect(readMarker(sb.target)).To(BeZero())
	})

	It("should reject submissions for a destroyed context", func() {
		dev.DestroyContext(ctx)
		Eventually(ctx.Killed).Should(BeTrue())

		sb := makeStoreBatch(dev, ctx, 0xdead0004, nil, nil)
		Expect(dev.SubmitCommandBuffer(conn, sb.buf)).
			To(Equal(device.StatusContextKilled))
	})

	It("should reset the engine on a fault and stay usable", func() {
		hook := &countingHook{}
		dev.AcceptHook(hook)

		victim := platform.NewSemaphore()
		bad := makeFaultingBatch(dev, ctx, []*platform.Semaphore{victim})

		Expect(dev.SubmitCommandBuffer(conn, bad)).To(Equal(device.StatusOk))

		Eventually(hook.resetCount).Should(Equal(1))
		Expect(platDev.Mmio().Read32(registers.AllEngineFault)).To(BeZero())
		Expect(dev.TakeSnapshot().InFlight).To(BeZero())

		// An abandoned batch's payload never executed; its semaphores stay
		// unfired.
		Expect(victim.Signaled()).To(BeFalse())

		sb := makeStoreBatch(dev, ctx, 0xdead0005, nil, nil)
		Expect(dev.SubmitCommandBuffer(conn, sb.buf)).To(Equal(device.StatusOk))
		Expect(dev.WaitRendering(sb.target)).To(Succeed())
		Expect(readMarker(sb.target)).To(Equal(uint32(0xdead0005)))
	})

	It("should tear down a connection's contexts on close", func() {
		sb := makeStoreBatch(dev, ctx, 0xdead0006, nil, nil)
		Expect(dev.SubmitCommandBuffer(conn, sb.buf)).To(Equal(device.StatusOk))
		Expect(dev.WaitRendering(sb.target)).To(Succeed())

		dev.CloseConnection(conn)

		Expect(ctx.Killed()).To(BeTrue())
		Expect(conn.Space().Alive()).To(BeFalse())
	})

	It("should answer rendering waits for idle buffers immediately", func() {
		raw, err := dev.PlatformDevice().NewBuffer("idle", registers.PageSize)
		Expect(err).ToNot(HaveOccurred())

		Expect(dev.WaitRendering(addrspace.NewBuffer(raw))).To(Succeed())
	})

	It("should answer device queries", func() {
		id, err := dev.Query(device.QueryDeviceId)
		Expect(err).ToNot(HaveOccurred())
		Expect(id).To(Equal(uint64(0x1916)))

		topo, err := dev.Query(device.QuerySubsliceAndEuTotal)
		Expect(err).ToNot(HaveOccurred())
		Expect(topo >> 32).To(Equal(uint64(3)))
		Expect(topo & 0xffffffff).To(Equal(uint64(24)))

		size, err := dev.Query(device.QueryGttSize)
		Expect(err).ToNot(HaveOccurred())
		Expect(size).To(Equal(uint64(1) << 48))

		_, err = dev.Query(9999)
		Expect(err).To(HaveOccurred())
	})

	It("should snapshot scheduling state", func() {
		snap := dev.TakeSnapshot()

		Expect(snap.DeviceId).To(Equal(uint32(0x1916)))
		Expect(snap.SubsliceCount).To(Equal(uint32(3)))
		Expect(snap.EuCount).To(Equal(uint32(24)))
		Expect(snap.LastSubmitted).ToNot(BeZero())
		Expect(snap.FrequencyMhz).To(BeZero())
	})

	It("should invoke submission hooks around batch execution", func() {
		hook := &countingHook{}
		dev.AcceptHook(hook)

		sb := makeStoreBatch(dev, ctx, 0xdead0007, nil, nil)
		Expect(dev.SubmitCommandBuffer(conn, sb.buf)).To(Equal(device.StatusOk))
		Expect(dev.WaitRendering(sb.target)).To(Succeed())

		Eventually(hook.submittedCount).Should(Equal(1))
		Eventually(hook.completedCount).Should(Equal(1))
	})
})
