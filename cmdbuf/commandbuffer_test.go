package cmdbuf_test

import (
	"encoding/binary"
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/gpudrv/intelgen/addrspace"
	"github.com/gpudrv/intelgen/cmdbuf"
	"github.com/gpudrv/intelgen/hwcontext"
	"github.com/gpudrv/intelgen/platform"
	"github.com/gpudrv/intelgen/platform/simulated"
	"github.com/gpudrv/intelgen/registers"
	"github.com/gpudrv/intelgen/ringbuffer"
)

// fakeEngine installs engine state the way a command streamer would,
// without touching registers.
type fakeEngine struct {
	dev *simulated.Device
}

func (e *fakeEngine) Id() hwcontext.EngineId { return hwcontext.RenderEngineId }

func (e *fakeEngine) InitContext(ctx *hwcontext.Context) error {
	raw, err := e.dev.NewBuffer(
		fmt.Sprintf("%s context image", ctx.Name()), 2*registers.PageSize)
	if err != nil {
		return err
	}

	ring, err := ringbuffer.New(e.dev, fmt.Sprintf("%s ring", ctx.Name()))
	if err != nil {
		return err
	}

	ctx.SetEngineState(e.Id(), addrspace.NewBuffer(raw), ring)

	return nil
}

var _ = Describe("CommandBuffer", func() {
	var (
		dev    *simulated.Device
		ggtt   *addrspace.AddressSpace
		engine *fakeEngine
		ctx    *hwcontext.Context
		target *addrspace.Buffer
		batch  *addrspace.Buffer
	)

	newBuffer := func(name string, pages uint64) *addrspace.Buffer {
		raw, err := dev.NewBuffer(name, pages*registers.PageSize)
		Expect(err).ToNot(HaveOccurred())
		return addrspace.NewBuffer(raw)
	}

	newCommandBuffer := func() *cmdbuf.CommandBuffer {
		return cmdbuf.New(ctx.WeakRef(), []cmdbuf.ExecResource{
			{Buffer: target, Length: registers.PageSize},
			{
				Buffer: batch,
				Length: registers.PageSize,
				Relocations: []cmdbuf.Relocation{
					{Offset: 4, TargetResourceIndex: 0, TargetOffset: 0x40},
				},
			},
		}, 1, nil, nil)
	}

	BeforeEach(func() {
		dev = simulated.MakeBuilder().Build()

		var err error
		ggtt, err = addrspace.NewGlobalGtt(dev, 1<<30)
		Expect(err).ToNot(HaveOccurred())

		engine = &fakeEngine{dev: dev}
		ctx = hwcontext.New("test context")

		target = newBuffer("target", 1)
		batch = newBuffer("batch", 1)
	})

	AfterEach(func() {
		ggtt.Destroy()
	})

	It("should panic on an out-of-range batch index", func() {
		Expect(func() {
			cmdbuf.New(ctx.WeakRef(), []cmdbuf.ExecResource{
				{Buffer: batch, Length: registers.PageSize},
			}, 1, nil, nil)
		}).To(Panic())
	})

	It("should map resources and expose the batch address", func() {
		b := newCommandBuffer()

		Expect(b.Prepared()).To(BeFalse())
		Expect(b.PrepareForExecution(engine, ggtt)).To(Succeed())
		Expect(b.Prepared()).To(BeTrue())

		Expect(target.SharedMappingCount()).To(Equal(1))
		Expect(batch.SharedMappingCount()).To(Equal(1))
		Expect(b.BatchGpuAddr()).ToNot(BeZero())

		b.Release(nil)
	})

	It("should panic when prepared twice", func() {
		b := newCommandBuffer()
		Expect(b.PrepareForExecution(engine, ggtt)).To(Succeed())

		Expect(func() {
			_ = b.PrepareForExecution(engine, ggtt)
		}).To(Panic())

		b.Release(nil)
	})

	It("should patch the target's address into the relocation site", func() {
		b := newCommandBuffer()
		Expect(b.PrepareForExecution(engine, ggtt)).To(Succeed())

		targetMapping, err := addrspace.GetSharedGpuMapping(
			ggtt, target, 0, registers.PageSize, registers.PageShift)
		Expect(err).ToNot(HaveOccurred())
		want := targetMapping.GpuAddr() + 0x40

		data, err := batch.MapCpu()
		Expect(err).ToNot(HaveOccurred())
		lo := binary.LittleEndian.Uint32(data[4:])
		hi := binary.LittleEndian.Uint32(data[8:])
		Expect(uint64(lo) | uint64(hi)<<32).To(Equal(want))
		Expect(batch.UnmapCpu()).To(Succeed())

		targetMapping.Release()
		b.Release(nil)
	})

	It("should reuse context engine state across submissions", func() {
		b1 := newCommandBuffer()
		Expect(b1.PrepareForExecution(engine, ggtt)).To(Succeed())

		state, ok := ctx.EngineState(hwcontext.RenderEngineId)
		Expect(ok).To(BeTrue())

		b2 := newCommandBuffer()
		Expect(b2.PrepareForExecution(engine, ggtt)).To(Succeed())

		stateAgain, _ := ctx.EngineState(hwcontext.RenderEngineId)
		Expect(stateAgain).To(BeIdenticalTo(state))

		b1.Release(nil)
		b2.Release(nil)
	})

	It("should report a destroyed context instead of failing", func() {
		b := newCommandBuffer()

		ctx.Kill()

		err := b.PrepareForExecution(engine, ggtt)
		Expect(err).To(MatchError(cmdbuf.ErrContextGone))
	})

	It("should keep the context alive until released", func() {
		b := newCommandBuffer()
		Expect(b.PrepareForExecution(engine, ggtt)).To(Succeed())

		ctx.Kill()

		state, _ := ctx.EngineState(hwcontext.RenderEngineId)
		Expect(state.Ring.IsMapped()).To(BeTrue())

		b.Release(nil)
		Expect(state.Ring.IsMapped()).To(BeFalse())
	})

	It("should park mappings in a cache on release", func() {
		cache := addrspace.NewMappingCache(1 << 20)

		b := newCommandBuffer()
		Expect(b.PrepareForExecution(engine, ggtt)).To(Succeed())
		b.Release(cache)

		Expect(target.SharedMappingCount()).To(Equal(1))
		Expect(cache.UsedBytes()).ToNot(BeZero())

		cache.Clear()
		Expect(target.SharedMappingCount()).To(Equal(0))
	})

	It("should refuse a second sequence number", func() {
		b := newCommandBuffer()
		Expect(b.PrepareForExecution(engine, ggtt)).To(Succeed())

		b.SetSequenceNumber(5)
		Expect(b.SequenceNumber()).To(Equal(uint32(5)))
		Expect(func() { b.SetSequenceNumber(6) }).To(Panic())

		b.Release(nil)
	})

	It("should track wait semaphore state", func() {
		sem := platform.NewSemaphore()

		b := cmdbuf.New(ctx.WeakRef(), []cmdbuf.ExecResource{
			{Buffer: batch, Length: registers.PageSize},
		}, 0, []*platform.Semaphore{sem}, nil)

		Expect(b.WaitSemaphoresSignaled()).To(BeFalse())
		sem.Signal()
		Expect(b.WaitSemaphoresSignaled()).To(BeTrue())
	})
})
