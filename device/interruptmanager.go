package device

import (
	"sync"

	"github.com/gpudrv/intelgen/platform"
	"github.com/gpudrv/intelgen/registers"
)

// An InterruptManager runs the dedicated interrupt thread: it arms the
// master interrupt enable, blocks on the platform interrupt primitive,
// and on each wake reads and clears the engine identity bits. Matching
// bits are forwarded to the registered callback synchronously on the
// interrupt thread, so the callback must only triage registers and
// enqueue; all substantive work is deferred to the device thread.
type InterruptManager struct {
	irq  platform.Interrupt
	mmio platform.Mmio

	mu       sync.Mutex
	mask     uint32
	callback func(masterCtl, identityBits uint32)

	done chan struct{}
}

// NewInterruptManager creates a manager for the given interrupt line.
func NewInterruptManager(irq platform.Interrupt, mmio platform.Mmio) *InterruptManager {
	return &InterruptManager{irq: irq, mmio: mmio}
}

// RegisterCallback installs the triage callback invoked for identity bits
// matching mask.
func (m *InterruptManager) RegisterCallback(
	cb func(masterCtl, identityBits uint32),
	mask uint32,
) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.callback = cb
	m.mask = mask
}

// Start arms the master interrupt enable and launches the interrupt
// thread.
func (m *InterruptManager) Start() {
	m.done = make(chan struct{})

	m.mmio.Write32(registers.GtInterruptMask0,
		^uint32(registers.InterruptUserBit|registers.InterruptContextSwitchBit))
	m.mmio.Write32(registers.GtInterruptEnable0,
		registers.InterruptUserBit|registers.InterruptContextSwitchBit)
	m.mmio.Write32(registers.MasterInterruptControl,
		registers.MasterInterruptControlEnable|
			registers.MasterInterruptControlRenderBit)

	go m.threadLoop()
}

// Stop disarms interrupts, closes the line, and joins the thread.
func (m *InterruptManager) Stop() {
	m.mmio.Write32(registers.MasterInterruptControl, 0)
	m.irq.Close()

	if m.done != nil {
		<-m.done
	}
}

func (m *InterruptManager) threadLoop() {
	defer close(m.done)

	for m.irq.Wait() {
		masterCtl := m.mmio.Read32(registers.MasterInterruptControl)
		if masterCtl&registers.MasterInterruptControlRenderBit == 0 &&
			masterCtl&registers.MasterInterruptControlEnable == 0 {
			continue
		}

		identity := m.mmio.Read32(registers.GtInterruptIdentity0)
		if identity == 0 {
			continue
		}

		// Write-one-to-clear.
		m.mmio.Write32(registers.GtInterruptIdentity0, identity)

		m.mu.Lock()
		cb := m.callback
		mask := m.mask
		m.mu.Unlock()

		if cb != nil && identity&mask != 0 {
			cb(masterCtl, identity&mask)
		}
	}
}
