package registers

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"
)

var _ = Describe("Fault decoding", func() {
	It("should report an invalid fault as not valid", func() {
		desc := DecodeFault(0)

		Expect(desc.Valid).To(BeFalse())
	})

	It("should unpack the fault fields", func() {
		raw := uint32(FaultValid) | 1<<12 | 0x42<<3 | 0x2<<1

		desc := DecodeFault(raw)

		Expect(desc.Valid).To(BeTrue())
		Expect(desc.Engine).To(Equal(uint32(1)))
		Expect(desc.Src).To(Equal(uint32(0x42)))
		Expect(desc.FaultType).To(Equal(uint32(2)))
	})
})

var _ = Describe("Register helpers", func() {
	var (
		mockCtrl *gomock.Controller
		mmio     *MockMmio
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		mmio = NewMockMmio(mockCtrl)
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should reassemble the faulting address from the TLB registers", func() {
		mmio.EXPECT().Read32(uint32(FaultTlbReadData0)).
			Return(uint32(0x12345))
		mmio.EXPECT().Read32(uint32(FaultTlbReadData1)).
			Return(uint32(0x3))

		addr := ReadFaultAddress(mmio)

		Expect(addr).To(Equal(uint64(0x3)<<44 | uint64(0x12345)<<12))
	})

	It("should read the active head pointer from the engine base", func() {
		mmio.EXPECT().
			Read32(uint32(RenderEngineMmioBase + ActiveHeadPointer)).
			Return(uint32(0x1000))

		addr := ReadActiveHeadPointer(mmio, RenderEngineMmioBase)

		Expect(addr).To(Equal(uint64(0x1000)))
	})
})
