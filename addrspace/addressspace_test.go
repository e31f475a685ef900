package addrspace_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/gpudrv/intelgen/addrspace"
	"github.com/gpudrv/intelgen/platform"
	"github.com/gpudrv/intelgen/platform/simulated"
	"github.com/gpudrv/intelgen/registers"
)

var _ = Describe("Global GTT", func() {
	var (
		dev   *simulated.Device
		ggtt  *addrspace.AddressSpace
		raw   platform.Buffer
		buf   *addrspace.Buffer
		space uint64 = 1 << 30
	)

	BeforeEach(func() {
		dev = simulated.MakeBuilder().Build()

		var err error
		ggtt, err = addrspace.NewGlobalGtt(dev, space)
		Expect(err).ToNot(HaveOccurred())

		raw, err = dev.NewBuffer("payload", 4*registers.PageSize)
		Expect(err).ToNot(HaveOccurred())
		buf = addrspace.NewBuffer(raw)
	})

	AfterEach(func() {
		ggtt.Destroy()
	})

	It("should program present writable PTEs for mapped pages", func() {
		m, err := addrspace.MapBufferGpu(
			ggtt, buf, 0, 4*registers.PageSize, registers.PageShift)
		Expect(err).ToNot(HaveOccurred())

		for i := uint64(0); i < 4; i++ {
			pte, err := ggtt.Pte(m.GpuAddr() + i*registers.PageSize)
			Expect(err).ToNot(HaveOccurred())
			Expect(addrspace.PteIsPresent(pte)).To(BeTrue())
			Expect(addrspace.PteIsWritable(pte)).To(BeTrue())
		}

		m.Release()
	})

	It("should point the overfetch page at read-only scratch", func() {
		m, err := addrspace.MapBufferGpu(
			ggtt, buf, 0, 4*registers.PageSize, registers.PageShift)
		Expect(err).ToNot(HaveOccurred())

		guard, err := ggtt.Pte(m.GpuAddr() + 4*registers.PageSize)
		Expect(err).ToNot(HaveOccurred())
		Expect(addrspace.PteIsPresent(guard)).To(BeTrue())
		Expect(addrspace.PteIsWritable(guard)).To(BeFalse())

		payload, err := ggtt.Pte(m.GpuAddr())
		Expect(err).ToNot(HaveOccurred())
		Expect(addrspace.DecodePteBusAddress(guard)).
			ToNot(Equal(addrspace.DecodePteBusAddress(payload)))

		m.Release()
	})

	It("should scrub PTEs to scratch when a mapping is released", func() {
		m, err := addrspace.MapBufferGpu(
			ggtt, buf, 0, registers.PageSize, registers.PageShift)
		Expect(err).ToNot(HaveOccurred())
		gpuAddr := m.GpuAddr()

		payload, err := ggtt.Pte(gpuAddr)
		Expect(err).ToNot(HaveOccurred())
		Expect(addrspace.PteIsWritable(payload)).To(BeTrue())

		m.Release()

		scrubbed, err := ggtt.Pte(gpuAddr)
		Expect(err).ToNot(HaveOccurred())
		Expect(addrspace.PteIsPresent(scrubbed)).To(BeTrue())
		Expect(addrspace.PteIsWritable(scrubbed)).To(BeFalse())
	})

	It("should reject unaligned offsets", func() {
		_, err := addrspace.MapBufferGpu(
			ggtt, buf, 17, registers.PageSize, registers.PageShift)
		Expect(err).To(HaveOccurred())
	})

	It("should reject ranges beyond the buffer", func() {
		_, err := addrspace.MapBufferGpu(
			ggtt, buf, 0, 5*registers.PageSize, registers.PageShift)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Per-process GTT", func() {
	var (
		dev   *simulated.Device
		ppgtt *addrspace.AddressSpace
		buf   *addrspace.Buffer
	)

	BeforeEach(func() {
		dev = simulated.MakeBuilder().Build()

		var err error
		ppgtt, err = addrspace.NewPerProcessGtt(dev)
		Expect(err).ToNot(HaveOccurred())

		raw, err := dev.NewBuffer("payload", 2*registers.PageSize)
		Expect(err).ToNot(HaveOccurred())
		buf = addrspace.NewBuffer(raw)
	})

	AfterEach(func() {
		ppgtt.Destroy()
	})

	It("should expose its table root for ring programming", func() {
		root, ok := ppgtt.RootBusAddress()
		Expect(ok).To(BeTrue())
		Expect(root).ToNot(BeZero())
	})

	It("should resolve mapped pages through the four-level walk", func() {
		m, err := addrspace.MapBufferGpu(
			ppgtt, buf, 0, 2*registers.PageSize, registers.PageShift)
		Expect(err).ToNot(HaveOccurred())

		pte, err := ppgtt.Pte(m.GpuAddr())
		Expect(err).ToNot(HaveOccurred())
		Expect(addrspace.PteIsPresent(pte)).To(BeTrue())

		m.Release()
	})

	It("should fail PTE readback in unbacked regions", func() {
		_, err := ppgtt.Pte(uint64(1) << 40)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Shared mappings", func() {
	var (
		dev  *simulated.Device
		ggtt *addrspace.AddressSpace
		buf  *addrspace.Buffer
	)

	BeforeEach(func() {
		dev = simulated.MakeBuilder().Build()

		var err error
		ggtt, err = addrspace.NewGlobalGtt(dev, 1<<30)
		Expect(err).ToNot(HaveOccurred())

		raw, err := dev.NewBuffer("payload", 4*registers.PageSize)
		Expect(err).ToNot(HaveOccurred())
		buf = addrspace.NewBuffer(raw)
	})

	AfterEach(func() {
		ggtt.Destroy()
	})

	It("should reuse a mapping for an identical range", func() {
		m1, err := addrspace.GetSharedGpuMapping(
			ggtt, buf, 0, registers.PageSize, registers.PageShift)
		Expect(err).ToNot(HaveOccurred())

		m2, err := addrspace.GetSharedGpuMapping(
			ggtt, buf, 0, registers.PageSize, registers.PageShift)
		Expect(err).ToNot(HaveOccurred())

		Expect(m2).To(BeIdenticalTo(m1))
		Expect(buf.SharedMappingCount()).To(Equal(1))

		m1.Release()
		m2.Release()
		Expect(buf.SharedMappingCount()).To(Equal(0))
	})

	It("should keep distinct ranges separate", func() {
		m1, err := addrspace.GetSharedGpuMapping(
			ggtt, buf, 0, registers.PageSize, registers.PageShift)
		Expect(err).ToNot(HaveOccurred())

		m2, err := addrspace.GetSharedGpuMapping(
			ggtt, buf, registers.PageSize, registers.PageSize,
			registers.PageShift)
		Expect(err).ToNot(HaveOccurred())

		Expect(m2).ToNot(BeIdenticalTo(m1))
		Expect(m2.GpuAddr()).ToNot(Equal(m1.GpuAddr()))
		Expect(buf.SharedMappingCount()).To(Equal(2))

		m1.Release()
		m2.Release()
	})

	It("should survive the index while retained elsewhere", func() {
		m1, err := addrspace.GetSharedGpuMapping(
			ggtt, buf, 0, registers.PageSize, registers.PageShift)
		Expect(err).ToNot(HaveOccurred())
		gpuAddr := m1.GpuAddr()

		m2 := m1.Retain()
		m1.Release()

		m3, err := addrspace.GetSharedGpuMapping(
			ggtt, buf, 0, registers.PageSize, registers.PageShift)
		Expect(err).ToNot(HaveOccurred())
		Expect(m3.GpuAddr()).To(Equal(gpuAddr))

		m2.Release()
		m3.Release()
	})
})

var _ = Describe("Mapping cache", func() {
	var (
		dev   *simulated.Device
		ggtt  *addrspace.AddressSpace
		cache *addrspace.MappingCache
	)

	newMapping := func(name string) (*addrspace.Buffer, *addrspace.GpuMapping) {
		raw, err := dev.NewBuffer(name, registers.PageSize)
		Expect(err).ToNot(HaveOccurred())
		buf := addrspace.NewBuffer(raw)

		m, err := addrspace.GetSharedGpuMapping(
			ggtt, buf, 0, registers.PageSize, registers.PageShift)
		Expect(err).ToNot(HaveOccurred())

		return buf, m
	}

	BeforeEach(func() {
		dev = simulated.MakeBuilder().Build()

		var err error
		ggtt, err = addrspace.NewGlobalGtt(dev, 1<<30)
		Expect(err).ToNot(HaveOccurred())

		cache = addrspace.NewMappingCache(2 * registers.PageSize)
	})

	AfterEach(func() {
		cache.Clear()
		ggtt.Destroy()
	})

	It("should keep released mappings alive while cached", func() {
		buf, m := newMapping("a")

		cache.Cache(m)
		m.Release()

		Expect(buf.SharedMappingCount()).To(Equal(1))
		Expect(cache.UsedBytes()).To(Equal(uint64(registers.PageSize)))
	})

	It("should evict the oldest mapping once over budget", func() {
		bufA, mA := newMapping("a")
		cache.Cache(mA)
		mA.Release()

		bufB, mB := newMapping("b")
		cache.Cache(mB)
		mB.Release()

		bufC, mC := newMapping("c")
		cache.Cache(mC)
		mC.Release()

		Expect(bufA.SharedMappingCount()).To(Equal(0))
		Expect(bufB.SharedMappingCount()).To(Equal(1))
		Expect(bufC.SharedMappingCount()).To(Equal(1))
	})

	It("should drop a buffer's mappings on release", func() {
		buf, m := newMapping("a")
		cache.Cache(m)
		m.Release()

		cache.ReleaseBuffer(buf)

		Expect(buf.SharedMappingCount()).To(Equal(0))
		Expect(cache.UsedBytes()).To(BeZero())
	})
})
